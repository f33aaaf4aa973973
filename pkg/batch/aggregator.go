package batch

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/Sternrassler/lookup-client/pkg/logging"
	"github.com/Sternrassler/lookup-client/pkg/query"
	"github.com/Sternrassler/lookup-client/pkg/scheduler"
)

// ErrEmptyBatch is returned when a batch would contain no members.
var ErrEmptyBatch = errors.New("batch has no members")

// Aggregator fans batches out to a scheduler.
type Aggregator struct {
	sched  *scheduler.Scheduler
	logger zerolog.Logger
}

// New creates a batch aggregator on top of sched.
func New(sched *scheduler.Scheduler) (*Aggregator, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	return &Aggregator{
		sched:  sched,
		logger: logging.NewLogger(logging.ComponentBatch),
	}, nil
}

// Run submits the first min(len(terms), requestedCount) terms as
// independent queries and returns immediately.
func (a *Aggregator) Run(terms []string, kind query.Kind, requestedCount int, target query.Target) (*Batch, error) {
	total := len(terms)
	if requestedCount < total {
		total = requestedCount
	}
	if total <= 0 {
		return nil, ErrEmptyBatch
	}

	id := ulid.Make().String()
	logger := a.logger.With().Str("batch_id", id).Str("kind", string(kind)).Logger()
	b := newBatch(id, total, logger)

	for _, term := range terms[:total] {
		req := a.sched.NewRequest(kind, term, target)
		h, err := a.sched.Submit(req)
		if err != nil {
			b.Cancel()
			for _, h := range b.handles {
				<-h.Done()
			}
			return nil, fmt.Errorf("submit batch member %q: %w", term, err)
		}
		b.members = append(b.members, req)
		b.handles = append(b.handles, h)
	}

	logger.Info().
		Int("terms", len(terms)).
		Int("requested", requestedCount).
		Int("total", total).
		Msg("Starting batch")

	var wg conc.WaitGroup
	for i := range b.handles {
		req, h := b.members[i], b.handles[i]
		wg.Go(func() {
			results, err := h.Wait()
			b.record(req, results, err)
		})
	}

	go func() {
		wg.Wait()
		b.finish()
	}()

	return b, nil
}
