package usecase

import (
	"sync"

	"freightd/internal/domain"
)

// StatusRecorded is the local signal emitted after an event is durably
// recorded. Consumers (notification fan-out and the like) subscribe to it;
// delivery is in-process and best-effort.
type StatusRecorded struct {
	ShipmentID     string
	EventID        string
	Status         domain.Status
	PreviousStatus domain.Status
}

// SignalBus fans StatusRecorded signals out to registered subscribers.
type SignalBus struct {
	mu   sync.Mutex
	subs []func(StatusRecorded)
}

func NewSignalBus() *SignalBus {
	return &SignalBus{}
}

func (b *SignalBus) Subscribe(fn func(StatusRecorded)) {
	if b == nil || fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers the signal to every subscriber synchronously. Subscribers
// must not block; anything slow belongs behind the subscriber's own queue.
func (b *SignalBus) Publish(signal StatusRecorded) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]func(StatusRecorded), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(signal)
	}
}
