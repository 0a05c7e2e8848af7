package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultBufferSize   = 256
	defaultWorkers      = 2
	defaultJobTimeout   = 30 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// Analyzer produces a suggestion for a job.
type Analyzer interface {
	Analyze(ctx context.Context, job Job) (string, error)
}

// SuggestionStore persists suggestions. SetSuggestion must only write a group
// that has no suggestion yet and report whether it did.
type SuggestionStore interface {
	SetSuggestion(ctx context.Context, groupID, suggestion string, analyzedAt time.Time) (bool, error)
}

// Enqueuer accepts jobs without blocking. It reports whether the job was queued.
type Enqueuer interface {
	Enqueue(job Job) bool
}

// Discard is an Enqueuer that drops every job. Used when no analyzer is configured.
type Discard struct{}

// Enqueue implements Enqueuer.
func (Discard) Enqueue(Job) bool { return false }

// Outcome describes how a job finished.
type Outcome string

const (
	OutcomeStored  Outcome = "stored"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeDropped Outcome = "dropped"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBufferSize sets the queue capacity. Default: 256.
func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

// WithWorkers sets the number of concurrent analyzer calls. Default: 2.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithJobTimeout bounds each job, analyzer call and store write included. Default: 30s.
func WithJobTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.jobTimeout = t
		}
	}
}

// WithOnDone sets a callback invoked after every job, including dropped ones.
func WithOnDone(f func(Job, Outcome)) Option {
	return func(d *Dispatcher) { d.onDone = f }
}

// WithClock overrides the time source used for analyzed-at stamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher runs enrichment jobs in the background. Failures are logged and
// never retried; the group simply stays without a suggestion.
type Dispatcher struct {
	analyzer   Analyzer
	store      SuggestionStore
	onDone     func(Job, Outcome)
	now        func() time.Time
	ch         chan Job
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closeOnce  sync.Once
	bufSize    int
	workers    int
	jobTimeout time.Duration
	closed     bool
}

// NewDispatcher starts the worker goroutines immediately.
func NewDispatcher(analyzer Analyzer, store SuggestionStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		analyzer:   analyzer,
		store:      store,
		now:        time.Now,
		bufSize:    defaultBufferSize,
		workers:    defaultWorkers,
		jobTimeout: defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ch = make(chan Job, d.bufSize)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Enqueue queues a job. It never blocks: when the queue is full or the
// dispatcher is closed the job is dropped.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.done(job, OutcomeDropped)
		return false
	}

	select {
	case d.ch <- job:
		return true
	default:
		log.Warn().Str("group_id", job.GroupID).Msg("Enrichment queue full, dropping job")
		d.done(job, OutcomeDropped)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish, up to the
// drain timeout.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(defaultDrainTimeout):
			log.Warn().Int("pending", len(d.ch)).Msg("Enrichment drain timed out")
		}
	})
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for job := range d.ch {
		d.done(job, d.process(job))
	}
}

func (d *Dispatcher) process(job Job) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()
	return runJob(ctx, d.analyzer, d.store, job, d.now)
}

// runJob analyzes one job and stores the result if the group has none yet.
func runJob(ctx context.Context, analyzer Analyzer, store SuggestionStore, job Job, now func() time.Time) Outcome {
	suggestion, err := analyzer.Analyze(ctx, job)
	if err != nil {
		log.Warn().Err(err).Str("group_id", job.GroupID).Msg("Enrichment failed")
		return OutcomeFailed
	}

	updated, err := store.SetSuggestion(ctx, job.GroupID, suggestion, now())
	if err != nil {
		log.Error().Err(err).Str("group_id", job.GroupID).Msg("Failed to store suggestion")
		return OutcomeFailed
	}
	if !updated {
		log.Debug().Str("group_id", job.GroupID).Msg("Group already has a suggestion")
		return OutcomeSkipped
	}

	log.Debug().Str("group_id", job.GroupID).Msg("Suggestion stored")
	return OutcomeStored
}

func (d *Dispatcher) done(job Job, outcome Outcome) {
	if d.onDone != nil {
		d.onDone(job, outcome)
	}
}
