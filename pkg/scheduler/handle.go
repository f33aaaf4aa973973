package scheduler

import (
	"sync"

	"github.com/Sternrassler/lookup-client/pkg/query"
)

type handleState int

const (
	stateQueued handleState = iota
	stateActive
	stateFinished
)

func (s handleState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateActive:
		return "active"
	default:
		return "finished"
	}
}

// Handle tracks one submitted query. It carries one producer (the
// executor) and is meant for one consumer.
type Handle struct {
	req   query.Request
	sched *Scheduler

	// Guarded by sched.mu.
	state  handleState
	cancel func()

	mu           sync.Mutex
	events       chan query.Progress
	closed       bool
	finalSent    bool
	finalResults []query.Result
	results      []query.Result
	err          error
	done         chan struct{}
}

func newHandle(s *Scheduler, req query.Request, buffer int) *Handle {
	return &Handle{
		req:    req,
		sched:  s,
		events: make(chan query.Progress, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the query ID.
func (h *Handle) ID() string { return h.req.ID }

// Request returns the submitted request.
func (h *Handle) Request() query.Request { return h.req }

// Events returns the progress channel. Non-final events are dropped when
// the consumer falls behind; the final event is never dropped. The channel
// is closed once the query reaches its terminal outcome.
func (h *Handle) Events() <-chan query.Progress { return h.events }

// Done is closed when the query reaches its terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the query finishes and returns its outcome.
func (h *Handle) Wait() ([]query.Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results, h.err
}

// Cancel cancels the query. It reports whether this call cancelled it.
func (h *Handle) Cancel() bool {
	return h.sched.Cancel(h.req.ID)
}

// publish forwards an executor event to the consumer. One buffer slot is
// always kept free for the final event.
func (h *Handle) publish(p query.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.finalSent {
		return
	}

	if p.Final {
		h.finalSent = true
		h.finalResults = p.Results
		select {
		case h.events <- p:
		default:
			schedulerDroppedEventsTotal.Inc()
		}
		return
	}

	if len(h.events) >= cap(h.events)-1 {
		schedulerDroppedEventsTotal.Inc()
		return
	}
	h.events <- p
}

// finish records the terminal outcome. Once a final event was published the
// query counts as successful even if a cancellation raced with it.
func (h *Handle) finish(results []query.Result, err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.finalSent {
		results, err = h.finalResults, nil
	}
	h.results = results
	h.err = err
	close(h.events)
	h.mu.Unlock()

	close(h.done)
}
