// Package lookup is the entry point for front ends. A Session owns one
// executor, one scheduler and one batch aggregator, and exposes submission
// with progress, completion and error callbacks. Callers never see which
// execution strategy runs their queries.
package lookup

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/lookup-client/pkg/batch"
	"github.com/Sternrassler/lookup-client/pkg/client"
	"github.com/Sternrassler/lookup-client/pkg/logging"
	"github.com/Sternrassler/lookup-client/pkg/query"
	"github.com/Sternrassler/lookup-client/pkg/scheduler"
)

// Config holds the session configuration.
type Config struct {
	Client    client.Config
	Scheduler scheduler.Config
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Client:    client.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Single describes one query submission.
type Single struct {
	Host       string
	Port       int
	TLS        bool
	SearchTerm string
	Kind       query.Kind
}

// BatchInput describes a batch submission.
type BatchInput struct {
	Host           string
	Port           int
	TLS            bool
	Terms          []string
	Kind           query.Kind
	RequestedCount int
}

// Callbacks receive the outcome of a single query. Callbacks for one query
// run sequentially on a dedicated goroutine; OnComplete or OnError is
// called exactly once, after the last OnProgress.
type Callbacks struct {
	OnProgress func(query.Progress)
	OnComplete func([]query.Result)
	OnError    func(error)
}

// BatchCallbacks receive the outcome of a batch. Member failures are
// reflected in the progress and final state, never reported as errors.
type BatchCallbacks struct {
	OnProgress func(batch.Progress)
	OnComplete func(batch.State)
}

// Cancellable is returned for every submission.
type Cancellable interface {
	// ID identifies the submission (query ID or batch ID).
	ID() string
	Cancel()
	// Done is closed after the last callback returned.
	Done() <-chan struct{}
}

// Session is the submission entry point.
type Session struct {
	client     *client.Client
	scheduler  *scheduler.Scheduler
	aggregator *batch.Aggregator
	logger     zerolog.Logger

	wg sync.WaitGroup
}

// NewSession creates a session with its own executor and scheduler.
func NewSession(cfg Config) (*Session, error) {
	c, err := client.New(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return newSession(c, cfg.Scheduler)
}

func newSession(c *client.Client, cfg scheduler.Config) (*Session, error) {
	sched, err := scheduler.New(c, cfg)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	agg, err := batch.New(sched)
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("create batch aggregator: %w", err)
	}

	s := &Session{
		client:     c,
		scheduler:  sched,
		aggregator: agg,
		logger:     logging.NewLogger(logging.ComponentSession),
	}

	s.logger.Debug().
		Int("max_concurrency", sched.MaxConcurrency()).
		Msg("Session started")

	return s, nil
}

// Submit admits one query.
func (s *Session) Submit(in Single, cb Callbacks) (Cancellable, error) {
	target := query.Target{Host: in.Host, Port: in.Port, TLS: in.TLS}
	req := s.scheduler.NewRequest(in.Kind, in.SearchTerm, target)

	h, err := s.scheduler.Submit(req)
	if err != nil {
		return nil, err
	}

	sub := &submission{id: h.ID(), cancel: func() { h.Cancel() }, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(sub.done)

		for p := range h.Events() {
			if cb.OnProgress != nil {
				cb.OnProgress(p)
			}
		}

		results, err := h.Wait()
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if cb.OnComplete != nil {
			cb.OnComplete(results)
		}
	}()

	return sub, nil
}

// SubmitBatch admits a batch. The batch shares the session's concurrency
// ceiling with single queries.
func (s *Session) SubmitBatch(in BatchInput, cb BatchCallbacks) (Cancellable, error) {
	target := query.Target{Host: in.Host, Port: in.Port, TLS: in.TLS}

	b, err := s.aggregator.Run(in.Terms, in.Kind, in.RequestedCount, target)
	if err != nil {
		return nil, err
	}

	sub := &submission{id: b.ID(), cancel: b.Cancel, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(sub.done)

		for p := range b.Events() {
			if cb.OnProgress != nil {
				cb.OnProgress(p)
			}
		}

		state := b.Wait()
		if cb.OnComplete != nil {
			cb.OnComplete(state)
		}
	}()

	return sub, nil
}

// Scheduler returns the session scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Close cancels everything in flight and waits for outstanding callbacks.
func (s *Session) Close() {
	s.scheduler.Close()
	s.wg.Wait()
	s.logger.Debug().Msg("Session closed")
}

type submission struct {
	id     string
	cancel func()
	done   chan struct{}
}

func (s *submission) ID() string            { return s.id }
func (s *submission) Cancel()               { s.cancel() }
func (s *submission) Done() <-chan struct{} { return s.done }
