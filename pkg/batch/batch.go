package batch

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/lookup-client/pkg/query"
	"github.com/Sternrassler/lookup-client/pkg/scheduler"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending       Status = "pending"
	StatusCompleted     Status = "completed"
	StatusFailedPartial Status = "failed-partial"
)

// Progress is the consolidated progress of a batch.
type Progress struct {
	BatchID   string
	Completed int
	Failed    int
	Total     int
	Percent   float64

	// Results accumulated so far, in completion order.
	Results []query.Result

	// Final marks the event emitted after the last member completes.
	Final bool
}

// State is a snapshot of a batch.
type State struct {
	BatchID   string
	Members   []query.Request
	Completed int
	Failed    int
	Total     int
	Results   []query.Result
	Status    Status
}

// Batch tracks one running batch.
type Batch struct {
	id      string
	members []query.Request
	handles []*scheduler.Handle
	started time.Time
	logger  zerolog.Logger

	mu        sync.Mutex
	completed int
	failed    int
	results   []query.Result
	status    Status
	errs      *multierror.Error

	events chan Progress
	done   chan struct{}
}

func newBatch(id string, total int, logger zerolog.Logger) *Batch {
	return &Batch{
		id:      id,
		members: make([]query.Request, 0, total),
		handles: make([]*scheduler.Handle, 0, total),
		started: time.Now(),
		logger:  logger,
		status:  StatusPending,
		// One event per member; sends never block.
		events: make(chan Progress, total),
		done:   make(chan struct{}),
	}
}

// ID returns the batch ID.
func (b *Batch) ID() string { return b.id }

// Events returns the batch progress channel. It receives one event per
// member completion and is closed after the final event.
func (b *Batch) Events() <-chan Progress { return b.events }

// Done is closed once every member reached a terminal outcome.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch finishes and returns its final state.
func (b *Batch) Wait() State {
	<-b.done
	return b.State()
}

// Cancel cancels every member that has not finished yet. Cancelled members
// count as failed.
func (b *Batch) Cancel() {
	for _, h := range b.handles {
		h.Cancel()
	}
}

// MemberErrors returns the collected member errors, or nil.
func (b *Batch) MemberErrors() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs.ErrorOrNil()
}

// State returns a snapshot of the batch.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return State{
		BatchID:   b.id,
		Members:   append([]query.Request(nil), b.members...),
		Completed: b.completed,
		Failed:    b.failed,
		Total:     len(b.members),
		Results:   append([]query.Result(nil), b.results...),
		Status:    b.status,
	}
}

// record accounts one member outcome and emits the recomputed progress.
func (b *Batch) record(req query.Request, results []query.Result, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completed++
	if err != nil {
		b.failed++
		b.errs = multierror.Append(b.errs, err)
		batchMembersTotal.WithLabelValues("error").Inc()
		b.logger.Warn().
			Err(err).
			Str("query_id", req.ID).
			Str("term", req.SearchTerm).
			Msg("Batch member failed")
	} else {
		b.results = append(b.results, results...)
		batchMembersTotal.WithLabelValues("ok").Inc()
	}

	total := len(b.members)
	final := b.completed == total
	if final {
		b.status = StatusCompleted
		if b.failed > 0 {
			b.status = StatusFailedPartial
		}
	}

	b.events <- Progress{
		BatchID:   b.id,
		Completed: b.completed,
		Failed:    b.failed,
		Total:     total,
		Percent:   float64(b.completed) / float64(total) * 100,
		Results:   append([]query.Result(nil), b.results...),
		Final:     final,
	}

	if b.completed%10 == 0 || final {
		b.logger.Info().
			Int("completed", b.completed).
			Int("failed", b.failed).
			Int("total", total).
			Float64("progress_pct", float64(b.completed)/float64(total)*100).
			Msg("Batch progress")
	}
}

// finish closes the batch after every member was recorded.
func (b *Batch) finish() {
	b.mu.Lock()
	status := b.status
	results := len(b.results)
	failed := b.failed
	b.mu.Unlock()

	batchesTotal.WithLabelValues(string(status)).Inc()
	batchDuration.Observe(time.Since(b.started).Seconds())

	b.logger.Info().
		Str("status", string(status)).
		Int("results", results).
		Int("failed", failed).
		Int("total", len(b.members)).
		Dur("duration", time.Since(b.started)).
		Msg("Batch complete")

	close(b.events)
	close(b.done)
}
