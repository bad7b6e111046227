package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"freightd/internal/domain"
	"freightd/internal/infra/metrics"
	"freightd/internal/usecase"
)

// reconcileBatch bounds how many rows one sweep drives forward, so a large
// backlog cannot monopolize a sweep.
const reconcileBatch = 64

// Reconciler is the periodic safety net behind the worker pool: it releases
// claims abandoned by dead workers, drives due rows forward itself so
// progress does not depend on any particular worker surviving, and reports
// how many submissions have been stuck past the staleness threshold.
type Reconciler struct {
	outbox       domain.AnchorRequestRepository
	processor    *Processor
	interval     time.Duration
	claimTimeout time.Duration
	staleness    time.Duration
	clock        usecase.Clock
	metrics      *metrics.Set
	log          *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewReconciler(outbox domain.AnchorRequestRepository, processor *Processor, interval, claimTimeout, staleness time.Duration, clock usecase.Clock, set *metrics.Set, log *logrus.Entry) (*Reconciler, error) {
	if outbox == nil {
		return nil, errors.New("outbox repository is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if claimTimeout <= 0 {
		claimTimeout = 2 * time.Minute
	}
	if staleness <= 0 {
		staleness = 10 * time.Minute
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		outbox:       outbox,
		processor:    processor,
		interval:     interval,
		claimTimeout: claimTimeout,
		staleness:    staleness,
		clock:        clock,
		metrics:      set,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.ctx)
			}
		}
	}()
	r.log.WithField("interval", r.interval.String()).Info("reconciler started")
}

func (r *Reconciler) Stop() {
	r.once.Do(r.cancel)
	r.wg.Wait()
	r.log.Info("reconciler stopped")
}

// Sweep runs one reconciliation pass. It is exported so operators (and
// tests) can force a pass outside the timer.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := r.clock.Now().UTC()

	released, err := r.outbox.ReleaseExpiredClaims(ctx, now, r.claimTimeout)
	if err != nil {
		r.log.WithField("error", err.Error()).Warn("release expired claims")
	} else if released > 0 {
		r.metrics.ClaimsReleased.Add(float64(released))
		r.log.WithField("released", released).Info("released abandoned claims")
	}

	for i := 0; i < reconcileBatch; i++ {
		claimToken := uuid.NewString()
		request, err := r.outbox.ClaimNextDue(ctx, r.clock.Now().UTC(), r.claimTimeout, claimToken)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				r.log.WithField("error", err.Error()).Warn("reconciler claim")
			}
			break
		}
		if err := r.processor.Process(ctx, request, claimToken); err != nil && !errors.Is(err, domain.ErrClaimLost) {
			if ctx.Err() == nil {
				r.log.WithFields(logrus.Fields{"anchor_id": request.ID, "error": err.Error()}).Warn("reconciler process")
			}
		}
	}

	stuck, err := r.outbox.CountStuckSubmitted(ctx, now.Add(-r.staleness))
	if err != nil {
		r.log.WithField("error", err.Error()).Warn("count stuck submissions")
		return
	}
	r.metrics.StuckSubmitted.Set(float64(stuck))
	if stuck > 0 {
		r.log.WithField("stuck", stuck).Warn("submissions stuck beyond staleness threshold")
	}
}
