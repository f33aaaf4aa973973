package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Sternrassler/lookup-client/pkg/client"
	"github.com/Sternrassler/lookup-client/pkg/query"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// executorFunc adapts a function to Executor.
type executorFunc func(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error)

func (f executorFunc) Execute(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
	return f(ctx, req, emit)
}

// gatedExecutor blocks every execution until its term is released.
type gatedExecutor struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started []string
	startCh chan string
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		gates:   make(map[string]chan struct{}),
		startCh: make(chan string, 100),
	}
}

func (g *gatedExecutor) gate(term string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[term]
	if !ok {
		ch = make(chan struct{})
		g.gates[term] = ch
	}
	return ch
}

func (g *gatedExecutor) release(term string) { close(g.gate(term)) }

func (g *gatedExecutor) Execute(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
	g.mu.Lock()
	g.started = append(g.started, req.SearchTerm)
	g.mu.Unlock()
	g.startCh <- req.SearchTerm

	select {
	case <-g.gate(req.SearchTerm):
		return []query.Result{{ID: req.SearchTerm}}, nil
	case <-ctx.Done():
		return nil, client.NewCancelledError(ctx.Err())
	}
}

func (g *gatedExecutor) startedTerms() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func (g *gatedExecutor) waitStarted(t *testing.T, term string) {
	t.Helper()
	select {
	case got := <-g.startCh:
		require.Equal(t, term, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("execution of %q did not start", term)
	}
}

func (g *gatedExecutor) waitStartedN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.startCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d executions started", i, n)
		}
	}
}

func newScheduler(t *testing.T, exec Executor, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(exec, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func submit(t *testing.T, s *Scheduler, term string) *Handle {
	t.Helper()
	h, err := s.Submit(s.NewRequest(query.KindByName, term, query.Target{Host: "localhost", Port: 8080}))
	require.NoError(t, err)
	return h
}

func TestNew_Validation(t *testing.T) {
	exec := newGatedExecutor()

	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New(exec, Config{MaxConcurrency: 0, WatchdogTimeout: time.Second})
	assert.Error(t, err)

	_, err = New(exec, Config{MaxConcurrency: 1})
	assert.Error(t, err)

	s, err := New(exec, Config{MaxConcurrency: 1, WatchdogTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, s.config.EventBuffer)
	s.Close()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.WatchdogTimeout)
}

func TestNewRequest_Sequence(t *testing.T) {
	s := newScheduler(t, newGatedExecutor(), DefaultConfig())

	a := s.NewRequest(query.KindByID, "12345678901", query.Target{})
	b := s.NewRequest(query.KindByID, "12345678901", query.Target{})

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Sequence+1, b.Sequence)
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	var current, peak atomic.Int32

	exec := executorFunc(func(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return []query.Result{{ID: req.SearchTerm}}, nil
	})

	s := newScheduler(t, exec, DefaultConfig())

	const n = 12
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		handles = append(handles, submit(t, s, string(rune('a'+i))))
		assert.LessOrEqual(t, s.Active(), 4)
	}

	for _, h := range handles {
		results, err := h.Wait()
		require.NoError(t, err)
		require.Len(t, results, 1)
	}

	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Equal(t, int32(4), peak.Load())
	assert.Equal(t, 0, s.Active())
	assert.Equal(t, 0, s.Queued())
}

func TestScheduler_FIFOPromotion(t *testing.T) {
	exec := newGatedExecutor()
	s := newScheduler(t, exec, Config{MaxConcurrency: 1, WatchdogTimeout: 10 * time.Second})

	a := submit(t, s, "a")
	b := submit(t, s, "b")
	c := submit(t, s, "c")

	exec.waitStarted(t, "a")
	assert.Equal(t, 1, s.Active())
	assert.Equal(t, 2, s.Queued())

	exec.release("a")
	_, err := a.Wait()
	require.NoError(t, err)

	exec.waitStarted(t, "b")
	assert.Equal(t, 1, s.Queued())

	exec.release("b")
	_, err = b.Wait()
	require.NoError(t, err)

	exec.waitStarted(t, "c")
	exec.release("c")
	_, err = c.Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, exec.startedTerms())
}

func TestScheduler_CancelQueued(t *testing.T) {
	exec := newGatedExecutor()
	s := newScheduler(t, exec, Config{MaxConcurrency: 1, WatchdogTimeout: 10 * time.Second})

	a := submit(t, s, "a")
	b := submit(t, s, "b")
	exec.waitStarted(t, "a")

	require.True(t, b.Cancel())
	assert.Equal(t, 1, s.Active(), "cancelling a queued request must not change the active count")
	assert.Equal(t, 0, s.Queued())

	_, err := b.Wait()
	assert.Equal(t, client.ErrorClassCancelled, client.ClassOf(err))

	exec.release("a")
	_, err = a.Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, exec.startedTerms(), "cancelled request must never start")
	assert.False(t, b.Cancel(), "second cancel is a no-op")
}

func TestScheduler_CancelActivePromotes(t *testing.T) {
	exec := newGatedExecutor()
	s := newScheduler(t, exec, Config{MaxConcurrency: 1, WatchdogTimeout: 10 * time.Second})

	a := submit(t, s, "a")
	b := submit(t, s, "b")
	exec.waitStarted(t, "a")

	require.True(t, s.Cancel(a.ID()))
	_, err := a.Wait()
	assert.ErrorIs(t, err, client.ErrCancelled)

	exec.waitStarted(t, "b")
	assert.Equal(t, 1, s.Active())

	exec.release("b")
	_, err = b.Wait()
	require.NoError(t, err)
}

func TestScheduler_CancelUnknown(t *testing.T) {
	s := newScheduler(t, newGatedExecutor(), DefaultConfig())
	assert.False(t, s.Cancel("missing"))
}

func TestScheduler_Watchdog(t *testing.T) {
	// Ignores cancellation for longer than the watchdog.
	exec := executorFunc(func(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
		if req.SearchTerm == "hang" {
			time.Sleep(200 * time.Millisecond)
			return nil, errors.New("too late")
		}
		return []query.Result{{ID: req.SearchTerm}}, nil
	})

	s := newScheduler(t, exec, Config{MaxConcurrency: 1, WatchdogTimeout: 30 * time.Millisecond})

	hung := submit(t, s, "hang")
	next := submit(t, s, "next")

	start := time.Now()
	_, err := hung.Wait()
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, client.ErrorClassTimeout, client.ClassOf(err))

	results, err := next.Wait()
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestScheduler_DuplicateID(t *testing.T) {
	exec := newGatedExecutor()
	s := newScheduler(t, exec, Config{MaxConcurrency: 1, WatchdogTimeout: 10 * time.Second})

	req := s.NewRequest(query.KindByName, "a", query.Target{Host: "localhost", Port: 80})
	h, err := s.Submit(req)
	require.NoError(t, err)

	_, err = s.Submit(req)
	assert.ErrorIs(t, err, ErrDuplicateID)

	exec.waitStarted(t, "a")
	exec.release("a")
	_, err = h.Wait()
	require.NoError(t, err)

	// Finished IDs may be reused.
	h, err = s.Submit(req)
	require.NoError(t, err)
	exec.waitStarted(t, "a")
	_, err = h.Wait()
	require.NoError(t, err)
}

func TestScheduler_CancelAll(t *testing.T) {
	exec := newGatedExecutor()
	s := newScheduler(t, exec, Config{MaxConcurrency: 2, WatchdogTimeout: 10 * time.Second})

	var handles []*Handle
	for _, term := range []string{"a", "b", "c", "d", "e"} {
		handles = append(handles, submit(t, s, term))
	}
	exec.waitStartedN(t, 2)

	s.CancelAll()

	for _, h := range handles {
		_, err := h.Wait()
		assert.Equal(t, client.ErrorClassCancelled, client.ClassOf(err))
	}
	assert.Equal(t, 0, s.Active())
	assert.Equal(t, 0, s.Queued())
	assert.ElementsMatch(t, []string{"a", "b"}, exec.startedTerms())
}

func TestScheduler_SubmitAfterClose(t *testing.T) {
	s, err := New(newGatedExecutor(), DefaultConfig())
	require.NoError(t, err)
	s.Close()

	_, err = s.Submit(s.NewRequest(query.KindByName, "a", query.Target{}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_Events(t *testing.T) {
	exec := executorFunc(func(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
		results := []query.Result{{ID: "1"}}
		for _, p := range []float64{10, 40, 80} {
			emit(query.Progress{QueryID: req.ID, Percent: p})
		}
		emit(query.Progress{QueryID: req.ID, Percent: 100, Results: results, Final: true})
		return results, nil
	})

	s := newScheduler(t, exec, DefaultConfig())
	h := submit(t, s, "a")

	var percents []float64
	var finals int
	for p := range h.Events() {
		percents = append(percents, p.Percent)
		if p.Final {
			finals++
		}
	}

	assert.Equal(t, []float64{10, 40, 80, 100}, percents)
	assert.Equal(t, 1, finals)

	results, err := h.Wait()
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestScheduler_SlowConsumerKeepsFinal(t *testing.T) {
	exec := executorFunc(func(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
		for i := 0; i < 50; i++ {
			emit(query.Progress{Percent: float64(i)})
		}
		emit(query.Progress{Percent: 100, Final: true})
		return nil, nil
	})

	s := newScheduler(t, exec, Config{MaxConcurrency: 1, WatchdogTimeout: time.Second, EventBuffer: 4})
	h := submit(t, s, "a")
	<-h.Done()

	var events []query.Progress
	for p := range h.Events() {
		events = append(events, p)
	}

	require.Len(t, events, 4)
	assert.True(t, events[len(events)-1].Final)
}

func TestScheduler_ErrorOutcome(t *testing.T) {
	want := &client.QueryError{Class: client.ErrorClassProtocol, Message: "bad"}
	exec := executorFunc(func(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
		return nil, want
	})

	s := newScheduler(t, exec, DefaultConfig())
	h := submit(t, s, "a")

	_, err := h.Wait()
	assert.ErrorIs(t, err, want)

	_, open := <-h.Events()
	assert.False(t, open, "events channel must be closed after a terminal error")
}
