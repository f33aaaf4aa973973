// Package client provides the query executor: one lookup request driven to
// a terminal outcome with per-attempt timeouts, linear-backoff retries,
// incremental stream decoding and throttled progress reporting.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Sternrassler/lookup-client/pkg/cache"
	"github.com/Sternrassler/lookup-client/pkg/logging"
	"github.com/Sternrassler/lookup-client/pkg/query"
	"github.com/Sternrassler/lookup-client/pkg/stream"
)

// Client executes lookup queries against the remote service.
type Client struct {
	httpClient *http.Client
	strategy   Strategy
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent with every request.
	UserAgent string

	// Retry policy for network, timeout and protocol failures.
	Retry RetryConfig

	// AttemptTimeout bounds each attempt. For streamed responses the timer
	// is re-armed whenever a chunk arrives.
	AttemptTimeout time.Duration

	// ProgressThrottle is the minimum interval between forwarded non-final
	// progress events.
	ProgressThrottle time.Duration

	// Synthetic progress for single-shot (ID) queries.
	SyntheticInterval time.Duration
	SyntheticEstimate time.Duration

	// Strategy selects the execution strategy ("direct" or "isolated").
	Strategy string

	// TLS
	InsecureSkipVerify bool
	CACertFile         string

	// Stream decoder buffer policy (0 uses the decoder defaults).
	StreamMaxBuffer    int
	StreamRetainWindow int

	// Cache is optional; when set, successful results are cached and
	// served without contacting the server.
	Cache *cache.Manager
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:         "lookup-client/0.1.0",
		Retry:             DefaultRetryConfig(),
		AttemptTimeout:    8 * time.Second,
		ProgressThrottle:  100 * time.Millisecond,
		SyntheticInterval: 50 * time.Millisecond,
		SyntheticEstimate: 5 * time.Second,
		Strategy:          StrategyDirect,
	}
}

// New creates a new query client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt_timeout must be > 0 (got %s)", cfg.AttemptTimeout)
	}

	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}

	strategy, err := StrategyByName(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.ComponentExecutor)

	return &Client{
		httpClient: httpClient,
		strategy:   strategy,
		cache:      cfg.Cache,
		config:     cfg,
		logger:     logger,
	}, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed lookup servers
	}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	// No overall client timeout: streamed bodies are bounded per attempt.
	return &http.Client{Transport: otelhttp.NewTransport(transport)}, nil
}

// Execute runs req to a terminal outcome. Progress events go to emit (which
// may be nil); on success the last event has Final set and Percent 100.
// The returned error, if any, is a *QueryError.
func (c *Client) Execute(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
	start := time.Now()
	kind := string(req.Kind)
	defer func() {
		lookupQueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	logger := c.logger.With().
		Str("query_id", req.ID).
		Uint64("seq", req.Sequence).
		Str("kind", kind).
		Logger()

	progress := newReporter(req.ID, emit, c.config.ProgressThrottle)

	path, term, err := prepare(req)
	if err != nil {
		logger.Warn().Err(err).Msg("Query rejected")
		lookupErrorsTotal.WithLabelValues(string(ErrorClassValidation)).Inc()
		lookupQueriesTotal.WithLabelValues(kind, "rejected").Inc()
		return nil, err
	}

	cacheKey := cache.CacheKey{Target: req.Target.String(), Kind: req.Kind, Term: term}
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			logger.Debug().Int("results", len(entry.Results)).Msg("Serving cached results")
			lookupQueriesTotal.WithLabelValues(kind, "cached").Inc()
			progress.Final(entry.Results, StatusCached, "")
			return entry.Results, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			logger.Warn().Err(err).Msg("Cache get error")
		}
	}

	logger.Debug().
		Str("target", req.Target.String()).
		Str("path", path).
		Str("strategy", c.strategy.Name()).
		Msg("Executing query")

	// The streaming endpoints end with a record whose status and message
	// are forwarded on the final event.
	var completion serverRecord

	var task Task
	if req.Kind.Streaming() {
		task = func(ctx context.Context, emit func(query.Progress)) ([]query.Result, error) {
			return c.fetchStream(ctx, req, path, emit, &completion, logger)
		}
	} else {
		task = func(ctx context.Context, emit func(query.Progress)) ([]query.Result, error) {
			return c.fetchSingle(ctx, req, path, emit, logger)
		}
	}

	results, err := c.strategy.Run(ctx, task, progress.Report)
	if err != nil {
		qe := asQueryError(err)
		if ctx.Err() != nil && qe.Class != ErrorClassCancelled {
			qe = NewCancelledError(ctx.Err())
		}
		logger.Error().
			Err(qe).
			Str("error_class", string(qe.Class)).
			Dur("duration", time.Since(start)).
			Msg("Query failed")
		lookupQueriesTotal.WithLabelValues(kind, "error").Inc()
		return nil, qe
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, results); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache results")
		}
	}

	logger.Info().
		Int("results", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Query completed")
	lookupQueriesTotal.WithLabelValues(kind, "ok").Inc()

	progress.Final(results,
		orDefault(completion.Status, StatusCompleted),
		orDefault(completion.Message, fmt.Sprintf("%d result(s)", len(results))))
	return results, nil
}

// prepare validates the request locally and returns the endpoint path and
// the normalized search term.
func prepare(req query.Request) (string, string, error) {
	if err := req.Target.Validate(); err != nil {
		return "", "", &QueryError{Class: ErrorClassValidation, Message: err.Error()}
	}

	term := req.SearchTerm
	switch {
	case req.Kind == query.KindByID:
		normalized, err := query.NormalizeID(term)
		if err != nil {
			return "", "", &QueryError{
				Class:   ErrorClassValidation,
				Message: fmt.Sprintf("national id must contain %d digits", query.IDLength),
				Err:     err,
			}
		}
		term = normalized
	case term == "":
		return "", "", &QueryError{Class: ErrorClassValidation, Message: "search term is required"}
	}

	path, err := req.Kind.Path(term)
	if err != nil {
		return "", "", &QueryError{Class: ErrorClassValidation, Message: err.Error()}
	}
	return path, term, nil
}

// fetchSingle performs a single-shot lookup with timer-driven progress.
func (c *Client) fetchSingle(ctx context.Context, req query.Request, path string, emit func(query.Progress), logger zerolog.Logger) ([]query.Result, error) {
	stop := startSynthetic(ctx, c.config.SyntheticInterval, c.config.SyntheticEstimate, emit)
	defer stop()

	var results []query.Result
	_, err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) error {
		res, err := c.singleAttempt(ctx, req, path)
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) singleAttempt(ctx context.Context, req query.Request, path string) ([]query.Result, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := newAttemptTimer(c.config.AttemptTimeout, cancel)
	defer timer.stop()

	resp, err := c.get(attemptCtx, req, path)
	if err != nil {
		return nil, c.classifyTransport(ctx, timer, req.Kind, err, "request failed")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, req.Kind); err != nil {
		return nil, err
	}

	var payload struct {
		Results []query.Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if ctx.Err() != nil || timer.expired() {
			return nil, c.classifyTransport(ctx, timer, req.Kind, err, "read response body")
		}
		return nil, &QueryError{Class: ErrorClassProtocol, Message: "unparseable response payload", Err: err}
	}

	return payload.Results, nil
}

// serverRecord is the progress record shape written by the streaming
// endpoints.
type serverRecord struct {
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Progress   float64        `json:"progress"`
	IsComplete bool           `json:"isComplete"`
	Results    []query.Result `json:"results"`
}

// fetchStream performs a streamed lookup, forwarding server progress. The
// completion record of the successful attempt is stored in final.
func (c *Client) fetchStream(ctx context.Context, req query.Request, path string, emit func(query.Progress), final *serverRecord, logger zerolog.Logger) ([]query.Result, error) {
	var rec *serverRecord
	_, err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) error {
		r, err := c.streamAttempt(ctx, req, path, emit, logger)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	*final = *rec
	return rec.Results, nil
}

func (c *Client) streamAttempt(ctx context.Context, req query.Request, path string, emit func(query.Progress), logger zerolog.Logger) (*serverRecord, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := newAttemptTimer(c.config.AttemptTimeout, cancel)
	defer timer.stop()

	resp, err := c.get(attemptCtx, req, path)
	if err != nil {
		return nil, c.classifyTransport(ctx, timer, req.Kind, err, "request failed")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, req.Kind); err != nil {
		return nil, err
	}

	var opts []stream.Option
	if c.config.StreamMaxBuffer > 0 {
		opts = append(opts, stream.WithMaxBuffer(c.config.StreamMaxBuffer))
	}
	if c.config.StreamRetainWindow > 0 {
		opts = append(opts, stream.WithRetainWindow(c.config.StreamRetainWindow))
	}
	decoder := stream.NewDecoder(opts...)

	var (
		final    *serverRecord
		records  int
		chunk    = make([]byte, 4096)
		readErr  error
		finished bool
	)

	for !finished {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			timer.reset()
			for _, obj := range decoder.Feed(chunk[:n]) {
				var rec serverRecord
				if err := json.Unmarshal(obj, &rec); err != nil {
					logger.Debug().Err(err).Msg("Skipping undecodable record")
					continue
				}
				records++
				lookupStreamRecordsTotal.WithLabelValues(string(req.Kind)).Inc()

				if rec.IsComplete {
					r := rec
					final = &r
					continue
				}
				if gjson.GetBytes(obj, "progress").Exists() {
					emit(query.Progress{
						Percent: rec.Progress,
						Status:  orDefault(rec.Status, StatusProcessing),
						Message: rec.Message,
						Results: rec.Results,
					})
				}
			}
		}

		switch {
		case err == io.EOF:
			finished = true
		case err != nil:
			readErr = err
			finished = true
		}
	}

	if readErr != nil {
		return nil, c.classifyTransport(ctx, timer, req.Kind, readErr, "stream read failed")
	}

	if decoder.Dropped() > 0 {
		logger.Warn().Int("dropped_bytes", decoder.Dropped()).Msg("Stream decoder discarded unparseable data")
	}

	if final == nil {
		return nil, &QueryError{
			Class:   ErrorClassProtocol,
			Message: fmt.Sprintf("stream closed after %d record(s) without completion", records),
			Err:     ErrIncompleteStream,
		}
	}

	logger.Debug().Int("records", records).Msg("Stream processed")
	return final, nil
}

func (c *Client) get(ctx context.Context, req query.Request, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Target.BaseURL()+path, nil)
	if err != nil {
		return nil, &QueryError{Class: ErrorClassValidation, Message: "create request", Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	return c.httpClient.Do(httpReq)
}

func checkStatus(resp *http.Response, kind query.Kind) error {
	lookupHTTPRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return &QueryError{Class: ErrorClassProtocol, StatusCode: resp.StatusCode, Message: resp.Status}
}

// classifyTransport categorizes a transport-level failure.
func (c *Client) classifyTransport(ctx context.Context, timer *attemptTimer, kind query.Kind, err error, msg string) error {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}

	switch {
	case ctx.Err() != nil:
		return NewCancelledError(ctx.Err())
	case timer.expired():
		lookupHTTPRequestsTotal.WithLabelValues(string(kind), "timeout").Inc()
		return &QueryError{
			Class:   ErrorClassTimeout,
			Message: fmt.Sprintf("no response within %s", c.config.AttemptTimeout),
			Err:     err,
		}
	default:
		lookupHTTPRequestsTotal.WithLabelValues(string(kind), "network_error").Inc()
		return &QueryError{Class: ErrorClassNetwork, Message: msg, Err: err}
	}
}

// Strategy returns the configured execution strategy.
func (c *Client) Strategy() Strategy {
	return c.strategy
}

// attemptTimer cancels an attempt when it fires.
type attemptTimer struct {
	d     time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newAttemptTimer(d time.Duration, cancel context.CancelFunc) *attemptTimer {
	t := &attemptTimer{d: d}
	t.timer = time.AfterFunc(d, func() {
		t.fired.Store(true)
		cancel()
	})
	return t
}

func (t *attemptTimer) reset() {
	if !t.fired.Load() {
		t.timer.Reset(t.d)
	}
}

func (t *attemptTimer) stop() {
	t.timer.Stop()
}

func (t *attemptTimer) expired() bool {
	return t.fired.Load()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
