package usecase

import (
	"errors"
	"testing"

	"freightd/internal/domain"
)

func TestValidateTransitionNextStatus(t *testing.T) {
	seq := domain.StatusSequence
	for i := 0; i < len(seq)-1; i++ {
		if err := ValidateTransition(seq[i], seq[i+1]); err != nil {
			t.Fatalf("expected %s -> %s to be legal: %v", seq[i], seq[i+1], err)
		}
	}
}

func TestValidateTransitionRejectsEverythingElse(t *testing.T) {
	seq := domain.StatusSequence
	for i, current := range seq {
		for j, proposed := range seq {
			if j == i+1 {
				continue
			}
			err := ValidateTransition(current, proposed)
			if err == nil {
				t.Fatalf("expected %s -> %s to be rejected", current, proposed)
			}
			var ite *domain.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("expected InvalidTransitionError, got %v", err)
			}
			if ite.From != current || ite.To != proposed {
				t.Fatalf("error carries wrong statuses: %+v", ite)
			}
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	if err := ValidateTransition(domain.StatusCreated, domain.Status("LOST")); !errors.Is(err, domain.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
	if err := ValidateTransition(domain.Status(""), domain.StatusCreated); !errors.Is(err, domain.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus for empty current, got %v", err)
	}
}

func TestValidateInitial(t *testing.T) {
	if err := ValidateInitial(domain.StatusCreated); err != nil {
		t.Fatalf("expected CREATED to open a log: %v", err)
	}
	for _, status := range domain.StatusSequence[1:] {
		err := ValidateInitial(status)
		if err == nil {
			t.Fatalf("expected %s to be rejected as first event", status)
		}
		if !domain.IsInvalidTransition(err) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
	}
	if err := ValidateInitial(domain.Status("LOST")); !errors.Is(err, domain.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
