package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"freightd/internal/domain"
	"freightd/internal/infra/metrics"
	"freightd/internal/usecase"
)

const maxAttemptsExceeded = "max attempts exceeded"

// Processor drives one claimed anchor request a single step forward:
// PENDING rows get submitted, SUBMITTED rows get a confirmation poll. All
// retry state it produces is persisted on the row, never held in memory, so
// any worker (or the reconciler) can pick the row up next.
type Processor struct {
	outbox      domain.AnchorRequestRepository
	events      domain.EventRepository
	ledger      domain.LedgerClient
	schedule    Schedule
	maxAttempts int
	// confirmDelay schedules the first confirmation poll after a submit.
	confirmDelay time.Duration
	clock        usecase.Clock
	metrics      *metrics.Set
	log          *logrus.Entry
}

func NewProcessor(outbox domain.AnchorRequestRepository, events domain.EventRepository, ledger domain.LedgerClient, schedule Schedule, maxAttempts int, confirmDelay time.Duration, clock usecase.Clock, set *metrics.Set, log *logrus.Entry) (*Processor, error) {
	if outbox == nil {
		return nil, errors.New("outbox repository is required")
	}
	if events == nil {
		return nil, errors.New("event repository is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger client is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if confirmDelay <= 0 {
		confirmDelay = 10 * time.Second
	}
	if clock == nil {
		clock = usecase.SystemClock()
	}
	if set == nil {
		set = metrics.NewSet(nil)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		outbox:       outbox,
		events:       events,
		ledger:       ledger,
		schedule:     schedule,
		maxAttempts:  maxAttempts,
		confirmDelay: confirmDelay,
		clock:        clock,
		metrics:      set,
		log:          log,
	}, nil
}

// Process advances a claimed row. Only claim bookkeeping errors are returned;
// ledger failures are absorbed into the row's retry state.
func (p *Processor) Process(ctx context.Context, request domain.AnchorRequest, claimToken string) error {
	switch request.State {
	case domain.AnchorStatePending:
		return p.submit(ctx, request, claimToken)
	case domain.AnchorStateSubmitted:
		return p.confirm(ctx, request, claimToken)
	default:
		return domain.ErrAnchorTerminal
	}
}

func (p *Processor) submit(ctx context.Context, request domain.AnchorRequest, claimToken string) error {
	// The idempotency key is the request ID: if a previous worker died after
	// the ledger accepted this payload but before SUBMITTED was persisted,
	// this retry lands on the same remote entry instead of creating a new one.
	handle, err := p.ledger.Submit(ctx, request.Payload, request.ID)
	if err != nil {
		if domain.IsPermanentLedgerError(err) {
			p.log.WithFields(logrus.Fields{"anchor_id": request.ID, "error": err.Error()}).Warn("ledger rejected submission")
			p.metrics.AnchorSubmissions.WithLabelValues("permanent").Inc()
			return p.fail(ctx, request.ID, claimToken, err.Error(), "permanent")
		}
		p.metrics.AnchorSubmissions.WithLabelValues("transient").Inc()
		return p.retryOrFail(ctx, request, claimToken, err)
	}

	p.metrics.AnchorSubmissions.WithLabelValues("submitted").Inc()
	nextPoll := p.clock.Now().UTC().Add(p.confirmDelay)
	if err := p.outbox.MarkSubmitted(ctx, request.ID, claimToken, handle, nextPoll); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"anchor_id": request.ID, "handle": handle}).Info("anchor submitted")
	return nil
}

func (p *Processor) confirm(ctx context.Context, request domain.AnchorRequest, claimToken string) error {
	status, err := p.ledger.QueryStatus(ctx, request.ProviderHandle)
	if err != nil {
		if domain.IsPermanentLedgerError(err) {
			p.metrics.AnchorConfirmations.WithLabelValues("permanent").Inc()
			return p.fail(ctx, request.ID, claimToken, err.Error(), "permanent")
		}
		p.metrics.AnchorConfirmations.WithLabelValues("transient").Inc()
		return p.retryOrFail(ctx, request, claimToken, err)
	}

	switch status {
	case domain.LedgerStatusConfirmed:
		confirmedAt := p.clock.Now().UTC()
		if err := p.outbox.MarkConfirmed(ctx, request.ID, claimToken, confirmedAt); err != nil {
			return err
		}
		p.metrics.AnchorConfirmations.WithLabelValues("confirmed").Inc()
		if err := p.events.MarkAnchored(ctx, request.EventID); err != nil {
			// The anchor state is authoritative; the event flag is derived
			// and will be repaired on the next confirmation sweep.
			p.log.WithFields(logrus.Fields{"anchor_id": request.ID, "event_id": request.EventID, "error": err.Error()}).Warn("mark event anchored")
		}
		p.log.WithFields(logrus.Fields{"anchor_id": request.ID, "handle": request.ProviderHandle}).Info("anchor confirmed")
		return nil
	case domain.LedgerStatusRejected:
		p.metrics.AnchorConfirmations.WithLabelValues("rejected").Inc()
		return p.fail(ctx, request.ID, claimToken, "ledger rejected submission", "rejected")
	default:
		p.metrics.AnchorConfirmations.WithLabelValues("pending").Inc()
		return p.retryOrFail(ctx, request, claimToken, errors.New("confirmation still pending"))
	}
}

// retryOrFail persists the next backoff step, or forces the terminal FAILED
// state when the attempt ceiling is reached. This is a deliberate,
// operator-visible outcome rather than a silent drop.
func (p *Processor) retryOrFail(ctx context.Context, request domain.AnchorRequest, claimToken string, cause error) error {
	nextAttempt := request.Attempts + 1
	if nextAttempt >= p.maxAttempts {
		p.log.WithFields(logrus.Fields{"anchor_id": request.ID, "attempts": nextAttempt}).Error("anchor exhausted retries")
		return p.fail(ctx, request.ID, claimToken, maxAttemptsExceeded, "max_attempts")
	}
	delay := p.schedule.Delay(nextAttempt)
	next := p.clock.Now().UTC().Add(delay)
	p.metrics.AnchorRetries.Inc()
	p.log.WithFields(logrus.Fields{
		"anchor_id": request.ID,
		"attempt":   nextAttempt,
		"retry_in":  delay.String(),
		"error":     cause.Error(),
	}).Info("anchor attempt rescheduled")
	return p.outbox.MarkRetry(ctx, request.ID, claimToken, next, cause.Error())
}

func (p *Processor) fail(ctx context.Context, id, claimToken, lastError, reason string) error {
	p.metrics.AnchorFailures.WithLabelValues(reason).Inc()
	return p.outbox.MarkFailed(ctx, id, claimToken, lastError)
}

