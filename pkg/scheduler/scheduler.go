// Package scheduler admits lookup queries under a global concurrency
// ceiling. Requests beyond the ceiling wait in a FIFO queue and are promoted
// one per freed slot. Every dispatched query is guarded by a watchdog so a
// slot is always reclaimed, even from an executor that never returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/lookup-client/pkg/client"
	"github.com/Sternrassler/lookup-client/pkg/logging"
	"github.com/Sternrassler/lookup-client/pkg/query"
)

var (
	// ErrDuplicateID is returned when a request ID is already admitted.
	ErrDuplicateID = errors.New("query id already admitted")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Executor runs one request to a terminal outcome. *client.Client
// implements it.
type Executor interface {
	Execute(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error)
}

// Config holds the scheduler configuration.
type Config struct {
	// MaxConcurrency is the number of queries allowed to execute at once.
	MaxConcurrency int

	// WatchdogTimeout bounds every dispatched execution.
	WatchdogTimeout time.Duration

	// EventBuffer is the per-query progress channel capacity.
	EventBuffer int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  4,
		WatchdogTimeout: 30 * time.Second,
		EventBuffer:     64,
	}
}

// Scheduler is a bounded-concurrency admission controller.
type Scheduler struct {
	exec   Executor
	config Config
	logger zerolog.Logger
	seq    atomic.Uint64

	mu     sync.Mutex
	known  map[string]*Handle
	active map[string]*Handle
	queue  []*Handle
	closed bool

	wg sync.WaitGroup
}

// New creates a scheduler that dispatches to exec.
func New(exec Executor, cfg Config) (*Scheduler, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max_concurrency must be > 0 (got %d)", cfg.MaxConcurrency)
	}
	if cfg.WatchdogTimeout <= 0 {
		return nil, fmt.Errorf("watchdog_timeout must be > 0 (got %s)", cfg.WatchdogTimeout)
	}
	if cfg.EventBuffer < 2 {
		cfg.EventBuffer = 2
	}

	return &Scheduler{
		exec:   exec,
		config: cfg,
		logger: logging.NewLogger(logging.ComponentScheduler),
		known:  make(map[string]*Handle),
		active: make(map[string]*Handle),
	}, nil
}

// NewRequest builds a request with a fresh ID and the next sequence number.
func (s *Scheduler) NewRequest(kind query.Kind, term string, target query.Target) query.Request {
	return query.Request{
		ID:         uuid.NewString(),
		Kind:       kind,
		SearchTerm: term,
		Target:     target,
		Sequence:   s.seq.Add(1),
	}
}

// Submit admits req. It starts immediately when a slot is free and queues
// otherwise. Requests without an ID or sequence number get one assigned.
func (s *Scheduler) Submit(req query.Request) (*Handle, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Sequence == 0 {
		req.Sequence = s.seq.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.known[req.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}

	h := newHandle(s, req, s.config.EventBuffer)
	s.known[req.ID] = h

	if len(s.active) < s.config.MaxConcurrency {
		schedulerAdmissionsTotal.WithLabelValues("immediate").Inc()
		s.dispatchLocked(h)
		return h, nil
	}

	h.state = stateQueued
	s.queue = append(s.queue, h)
	schedulerQueued.Inc()
	schedulerAdmissionsTotal.WithLabelValues("queued").Inc()

	s.logger.Debug().
		Str("query_id", req.ID).
		Uint64("seq", req.Sequence).
		Int("active", len(s.active)).
		Int("queued", len(s.queue)).
		Msg("Query queued")

	return h, nil
}

// dispatchLocked starts h. Caller holds s.mu.
func (s *Scheduler) dispatchLocked(h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	h.state = stateActive
	h.cancel = cancel
	s.active[h.req.ID] = h
	schedulerActive.Inc()

	s.logger.Debug().
		Str("query_id", h.req.ID).
		Uint64("seq", h.req.Sequence).
		Str("kind", string(h.req.Kind)).
		Int("active", len(s.active)).
		Int("queued", len(s.queue)).
		Msg("Query dispatched")

	s.wg.Add(2)
	go s.run(ctx, h)
}

type outcome struct {
	results []query.Result
	err     error
}

func (s *Scheduler) run(ctx context.Context, h *Handle) {
	defer s.wg.Done()

	resultCh := make(chan outcome, 1)
	go func() {
		defer s.wg.Done()
		results, err := s.exec.Execute(ctx, h.req, h.publish)
		resultCh <- outcome{results: results, err: err}
	}()

	watchdog := time.NewTimer(s.config.WatchdogTimeout)
	defer watchdog.Stop()

	select {
	case o := <-resultCh:
		s.complete(h, o.results, o.err)
	case <-watchdog.C:
		schedulerWatchdogExpiredTotal.Inc()
		s.logger.Warn().
			Str("query_id", h.req.ID).
			Uint64("seq", h.req.Sequence).
			Dur("watchdog", s.config.WatchdogTimeout).
			Msg("Watchdog expired, reclaiming slot")
		s.complete(h, nil, client.NewTimeoutError(
			fmt.Sprintf("no terminal outcome within %s", s.config.WatchdogTimeout)))
	case <-ctx.Done():
		s.complete(h, nil, client.NewCancelledError(ctx.Err()))
	}
}

// complete records the terminal outcome of h exactly once, frees its slot
// and promotes queued requests into free slots. It reports whether this
// call was the one that finished h.
func (s *Scheduler) complete(h *Handle, results []query.Result, err error) bool {
	s.mu.Lock()

	if h.state == stateFinished {
		s.mu.Unlock()
		return false
	}

	previous := h.state
	h.state = stateFinished
	delete(s.known, h.req.ID)

	switch previous {
	case stateActive:
		delete(s.active, h.req.ID)
		schedulerActive.Dec()
		h.cancel()
	case stateQueued:
		s.removeQueuedLocked(h)
	}

	for !s.closed && len(s.active) < s.config.MaxConcurrency && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		schedulerQueued.Dec()
		schedulerPromotionsTotal.Inc()
		s.dispatchLocked(next)
	}

	active, queued := len(s.active), len(s.queue)
	s.mu.Unlock()

	level := zerolog.DebugLevel
	if err != nil {
		level = zerolog.InfoLevel
	}
	s.logger.WithLevel(level).
		Err(err).
		Str("query_id", h.req.ID).
		Uint64("seq", h.req.Sequence).
		Str("state", previous.String()).
		Int("active", active).
		Int("queued", queued).
		Msg("Query finished")

	h.finish(results, err)
	return true
}

func (s *Scheduler) removeQueuedLocked(h *Handle) {
	for i, q := range s.queue {
		if q == h {
			copy(s.queue[i:], s.queue[i+1:])
			s.queue[len(s.queue)-1] = nil
			s.queue = s.queue[:len(s.queue)-1]
			schedulerQueued.Dec()
			return
		}
	}
}

// Cancel terminates the query with the given ID. An active query has its
// execution cancelled and its slot promoted; a queued query is removed
// without touching the active count. Cancel reports whether the query was
// found and not yet finished.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.known[id]
	var state handleState
	if ok {
		state = h.state
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	if !s.complete(h, nil, client.NewCancelledError(nil)) {
		return false
	}
	schedulerCancellationsTotal.WithLabelValues(state.String()).Inc()
	return true
}

// CancelAll clears the wait queue and cancels every active query.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	for _, h := range queued {
		h.state = stateFinished
		delete(s.known, h.req.ID)
		schedulerQueued.Dec()
	}
	active := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		active = append(active, h)
	}
	s.mu.Unlock()

	if len(queued) > 0 || len(active) > 0 {
		s.logger.Info().
			Int("active", len(active)).
			Int("queued", len(queued)).
			Msg("Cancelling all queries")
	}

	for _, h := range queued {
		schedulerCancellationsTotal.WithLabelValues(stateQueued.String()).Inc()
		h.finish(nil, client.NewCancelledError(nil))
	}
	for _, h := range active {
		if s.complete(h, nil, client.NewCancelledError(nil)) {
			schedulerCancellationsTotal.WithLabelValues(stateActive.String()).Inc()
		}
	}
}

// Close rejects further submissions, cancels everything and waits for all
// execution goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.wg.Wait()
}

// Active returns the number of executing queries.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Queued returns the number of queries waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MaxConcurrency returns the configured concurrency ceiling.
func (s *Scheduler) MaxConcurrency() int {
	return s.config.MaxConcurrency
}
