package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"freightd/internal/domain"
	"freightd/internal/usecase"
)

// Pool runs a fixed set of workers that claim due outbox rows and hand them
// to the processor. Ownership is explicit: the pool is constructed with its
// collaborators, started once, and stopped by its owner; nothing about its
// lifecycle hides in a framework.
type Pool struct {
	outbox       domain.AnchorRequestRepository
	processor    *Processor
	workers      int
	pollInterval time.Duration
	claimTimeout time.Duration
	clock        usecase.Clock
	log          *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPool(outbox domain.AnchorRequestRepository, processor *Processor, workers int, pollInterval, claimTimeout time.Duration, clock usecase.Clock, log *logrus.Entry) (*Pool, error) {
	if outbox == nil {
		return nil, errors.New("outbox repository is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if workers <= 0 {
		return nil, errors.New("workers must be > 0")
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if claimTimeout <= 0 {
		claimTimeout = 2 * time.Minute
	}
	if clock == nil {
		clock = usecase.SystemClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		outbox:       outbox,
		processor:    processor,
		workers:      workers,
		pollInterval: pollInterval,
		claimTimeout: claimTimeout,
		clock:        clock,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.WithField("workers", p.workers).Info("anchor worker pool started")
}

// Stop cancels the workers and waits for in-flight rows to finish their
// current step. Rows caught mid-claim are released by the claim timeout.
func (p *Pool) Stop() {
	p.once.Do(p.cancel)
	p.wg.Wait()
	p.log.Info("anchor worker pool stopped")
}

func (p *Pool) run(worker int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", worker)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if !p.step(log) {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
		}
	}
}

// step claims and processes one row; it reports whether there may be more
// work due right now.
func (p *Pool) step(log *logrus.Entry) bool {
	claimToken := uuid.NewString()
	request, err := p.outbox.ClaimNextDue(p.ctx, p.clock.Now().UTC(), p.claimTimeout, claimToken)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && p.ctx.Err() == nil {
			log.WithField("error", err.Error()).Warn("claim outbox row")
		}
		return false
	}
	if err := p.processor.Process(p.ctx, request, claimToken); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			// Another actor released or finished the row; nothing to repair.
			return true
		}
		if p.ctx.Err() == nil {
			log.WithFields(logrus.Fields{"anchor_id": request.ID, "error": err.Error()}).Warn("process outbox row")
		}
	}
	return true
}
