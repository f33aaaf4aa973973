package client

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/lookup-client/pkg/query"
)

// Progress status labels.
const (
	StatusStarting   = "Starting query"
	StatusConnecting = "Connecting"
	StatusSending    = "Sending request"
	StatusQuerying   = "Querying"
	StatusAnalyzing  = "Analyzing"
	StatusFinishing  = "Finishing"
	StatusProcessing = "Processing"
	StatusCompleted  = "Completed"
	StatusCached     = "Completed (cached)"
)

// syntheticCap is the ceiling for timer-driven progress before a response.
const syntheticCap = 95.0

// reporter forwards progress for one query. It clamps percentages so the
// forwarded sequence never decreases, throttles non-final events and lets
// exactly one final event through.
type reporter struct {
	queryID  string
	emit     func(query.Progress)
	throttle time.Duration

	mu       sync.Mutex
	last     float64
	lastSent time.Time
	finished bool
}

func newReporter(queryID string, emit func(query.Progress), throttle time.Duration) *reporter {
	return &reporter{
		queryID:  queryID,
		emit:     emit,
		throttle: throttle,
	}
}

// Report forwards a non-final progress event unless it falls inside the
// throttle interval of the previous forwarded event.
func (r *reporter) Report(p query.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished || r.emit == nil {
		return
	}

	p.Percent = clampPercent(p.Percent)
	if p.Percent < r.last {
		p.Percent = r.last
	}
	r.last = p.Percent

	now := time.Now()
	if !r.lastSent.IsZero() && now.Sub(r.lastSent) < r.throttle {
		return
	}
	r.lastSent = now

	p.QueryID = r.queryID
	p.Final = false
	r.emit(p)
}

// Final forwards the terminal success event immediately.
func (r *reporter) Final(results []query.Result, status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}
	r.finished = true
	r.last = 100

	if r.emit == nil {
		return
	}
	r.emit(query.Progress{
		QueryID: r.queryID,
		Percent: 100,
		Status:  status,
		Message: message,
		Results: results,
		Final:   true,
	})
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// syntheticPercent estimates progress for requests without server-side
// progress reporting.
func syntheticPercent(elapsed, estimate time.Duration) float64 {
	if estimate <= 0 {
		return syntheticCap
	}
	p := float64(elapsed) / float64(estimate) * 100
	if p > syntheticCap {
		return syntheticCap
	}
	return p
}

// stageLabel maps a synthetic percentage to a status label and message.
func stageLabel(p float64) (string, string) {
	switch {
	case p < 25:
		return StatusStarting, "Connecting to server"
	case p < 50:
		return StatusQuerying, "Processing request"
	case p < 75:
		return StatusAnalyzing, "Formatting results"
	default:
		return StatusFinishing, "Preparing response"
	}
}

// startSynthetic emits timer-driven progress until the cap is reached or
// the returned stop function is called. stop waits for the ticker goroutine
// to exit so no event is emitted after it returns.
func startSynthetic(ctx context.Context, interval, estimate time.Duration, emit func(query.Progress)) func() {
	if interval <= 0 || emit == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		start := time.Now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			pct := syntheticPercent(time.Since(start), estimate)
			status, message := stageLabel(pct)
			emit(query.Progress{Percent: pct, Status: status, Message: message})

			if pct >= syntheticCap {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
