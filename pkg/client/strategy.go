package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/Sternrassler/lookup-client/pkg/query"
)

// Strategy names accepted by StrategyByName.
const (
	StrategyDirect   = "direct"
	StrategyIsolated = "isolated"
)

// Task performs the network part of one query.
type Task func(ctx context.Context, emit func(query.Progress)) ([]query.Result, error)

// Strategy decides where a Task executes. Strategies are interchangeable:
// callers observe the same progress and outcome contract with either.
type Strategy interface {
	Name() string
	Run(ctx context.Context, task Task, emit func(query.Progress)) ([]query.Result, error)
}

// StrategyByName returns the strategy registered under name.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyDirect:
		return Direct{}, nil
	case StrategyIsolated, "worker":
		return Isolated{}, nil
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", name)
	}
}

// Direct runs the task on the calling goroutine.
type Direct struct{}

// Name implements Strategy.
func (Direct) Name() string { return StrategyDirect }

// Run implements Strategy.
func (Direct) Run(ctx context.Context, task Task, emit func(query.Progress)) ([]query.Result, error) {
	return task(ctx, emit)
}

// Isolated runs the task on its own goroutine and talks to it only through
// a mailbox of messages. A panic inside the task becomes an internal error,
// and cancellation returns immediately without waiting for the task.
type Isolated struct{}

// Name implements Strategy.
func (Isolated) Name() string { return StrategyIsolated }

type mailboxMessage struct {
	progress *query.Progress
	results  []query.Result
	err      error
	done     bool
}

// Run implements Strategy.
func (Isolated) Run(ctx context.Context, task Task, emit func(query.Progress)) ([]query.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := make(chan mailboxMessage, 16)
	post := func(m mailboxMessage) {
		select {
		case mailbox <- m:
		case <-ctx.Done():
		}
	}

	go func() {
		var (
			results []query.Result
			err     error
		)
		recovered := panics.Try(func() {
			results, err = task(ctx, func(p query.Progress) {
				post(mailboxMessage{progress: &p})
			})
		})
		if recovered != nil {
			results = nil
			err = &QueryError{Class: ErrorClassInternal, Message: "execution crashed", Err: recovered.AsError()}
		}
		post(mailboxMessage{results: results, err: err, done: true})
	}()

	emit(query.Progress{Percent: 5, Status: StatusStarting, Message: "Preparing connection"})
	emit(query.Progress{Percent: 10, Status: StatusConnecting, Message: "Connecting to server"})
	emit(query.Progress{Percent: 20, Status: StatusSending, Message: "Executing query"})

	for {
		select {
		case m := <-mailbox:
			if m.done {
				if m.err != nil && ctx.Err() != nil {
					return nil, NewCancelledError(ctx.Err())
				}
				return m.results, m.err
			}
			emit(*m.progress)
		case <-ctx.Done():
			return nil, NewCancelledError(ctx.Err())
		}
	}
}
