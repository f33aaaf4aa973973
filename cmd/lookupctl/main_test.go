package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/Sternrassler/lookup-client/internal/testutil"
	"github.com/Sternrassler/lookup-client/pkg/query"
	"github.com/Sternrassler/lookup-client/pkg/scheduler"
)

type nopExecutor struct{}

func (nopExecutor) Execute(ctx context.Context, req query.Request, emit func(query.Progress)) ([]query.Result, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(nopExecutor{}, scheduler.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	handler := readyHandler(redisClient, newTestScheduler(t))

	t.Run("ready", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		resp := w.Result()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
		if string(body) != "OK" {
			t.Errorf("Expected body 'OK', got %s", string(body))
		}
		if got := resp.Header.Get("X-Active-Queries"); got != "0" {
			t.Errorf("Expected 0 active queries, got %q", got)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		mr.Close()

		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Result().StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Result().StatusCode)
		}
	})
}

func TestReadyEndpoint_NoRedis(t *testing.T) {
	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	readyHandler(nil, newTestScheduler(t))(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 without a shared cache, got %d", w.Result().StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newServeMux(nil, newTestScheduler(t))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	// Unlabelled gauges are exported before any query runs.
	if !strings.Contains(bodyStr, "lookup_scheduler_active_queries") {
		t.Error("Expected metrics output to contain lookup_scheduler_active_queries")
	}
}

func TestConfig_EnvOverride(t *testing.T) {
	t.Setenv("LOOKUP_SERVER_PORT", "4100")
	t.Setenv("LOOKUP_SCHEDULER_MAX_CONCURRENCY", "7")

	v := viper.New()
	cmd := newRootCommandWith(v, io.Discard, io.Discard)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := initConfig(cmd, v); err != nil {
		t.Fatalf("initConfig: %v", err)
	}

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Target.Port != 4100 {
		t.Errorf("Expected port 4100 from environment, got %d", cfg.Target.Port)
	}
	if cfg.Session.Scheduler.MaxConcurrency != 7 {
		t.Errorf("Expected max concurrency 7 from environment, got %d", cfg.Session.Scheduler.MaxConcurrency)
	}
}

func TestConfig_FileAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookupctl.yaml")
	content := "server:\n  host: lookup.internal\n  port: 4200\nclient:\n  strategy: isolated\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	cmd := newRootCommandWith(v, io.Discard, io.Discard)
	if err := cmd.ParseFlags([]string{"--config", path, "--port", "4300"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := initConfig(cmd, v); err != nil {
		t.Fatalf("initConfig: %v", err)
	}

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Target.Host != "lookup.internal" {
		t.Errorf("Expected host from file, got %q", cfg.Target.Host)
	}
	if cfg.Target.Port != 4300 {
		t.Errorf("Expected flag to override file port, got %d", cfg.Target.Port)
	}
	if cfg.Session.Client.Strategy != "isolated" {
		t.Errorf("Expected strategy from file, got %q", cfg.Session.Client.Strategy)
	}
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad port", []string{"--port", "0"}},
		{"bad output", []string{"-o", "xml"}},
		{"bad log level", []string{"--log-level", "loud"}},
		{"short watchdog", []string{"--watchdog-timeout", "10ms"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			cmd := newRootCommandWith(v, io.Discard, io.Discard)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags: %v", err)
			}
			if err := initConfig(cmd, v); err != nil {
				t.Fatalf("initConfig: %v", err)
			}
			if _, err := loadConfig(v); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommandWith(viper.New(), &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func serverArgs(m *testutil.MockLookup) []string {
	target := m.Target()
	return []string{
		"--host", target.Host,
		"--port", strconv.Itoa(target.Port),
		"--log-level", "error",
		"--retry-delay", "5ms",
	}
}

func TestQueryCommand_JSON(t *testing.T) {
	mock := testutil.NewMockLookup()
	defer mock.Close()

	args := append([]string{"query", "--kind", "cpf", "-o", "json"}, serverArgs(mock)...)
	args = append(args, "123.456.789-01")

	stdout, _, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	var outcomes []termOutcome
	if err := json.Unmarshal([]byte(stdout), &outcomes); err != nil {
		t.Fatalf("Failed to decode output %q: %v", stdout, err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}
	if len(outcomes[0].Results) != len(testutil.DefaultResults) {
		t.Errorf("Expected %d results, got %d", len(testutil.DefaultResults), len(outcomes[0].Results))
	}
	if outcomes[0].QueryID == "" {
		t.Error("Expected a query ID in the output")
	}
	if got := mock.GetLastPath(); got != testutil.IDPrefix+"12345678901" {
		t.Errorf("Expected normalized ID path, got %q", got)
	}
}

func TestQueryCommand_TableAndProgress(t *testing.T) {
	mock := testutil.NewMockLookup()
	defer mock.Close()

	args := append([]string{"query"}, serverArgs(mock)...)
	args = append(args, "maria silva")

	stdout, stderr, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if !strings.Contains(stdout, "MARIA DA SILVA") || !strings.Contains(stdout, "BIRTH DATE") {
		t.Errorf("Expected result table, got:\n%s", stdout)
	}
	if !strings.Contains(stderr, "100.0%") {
		t.Errorf("Expected final progress on stderr, got:\n%s", stderr)
	}
}

func TestQueryCommand_PartialFailure(t *testing.T) {
	mock := testutil.NewMockLookup()
	defer mock.Close()

	args := append([]string{"query", "--kind", "cpf", "-o", "json"}, serverArgs(mock)...)
	args = append(args, "12345678901", "123")

	stdout, _, err := runCLI(t, args...)
	if err == nil {
		t.Fatal("Expected an error when one query fails")
	}

	var outcomes []termOutcome
	if err := json.Unmarshal([]byte(stdout), &outcomes); err != nil {
		t.Fatalf("Failed to decode output %q: %v", stdout, err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Error != "" {
		t.Errorf("Expected first query to succeed, got %q", outcomes[0].Error)
	}
	if !strings.HasPrefix(outcomes[1].Error, "Invalid input") {
		t.Errorf("Expected validation message, got %q", outcomes[1].Error)
	}
}

func TestBatchCommand_File(t *testing.T) {
	mock := testutil.NewMockLookup()
	defer mock.Close()

	path := filepath.Join(t.TempDir(), "terms.txt")
	if err := os.WriteFile(path, []byte("# ids\n12345678901\n\n10987654321\n11122233344\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	args := append([]string{"batch", "--kind", "cpf", "--file", path, "--count", "2", "-o", "json"}, serverArgs(mock)...)

	start := time.Now()
	stdout, stderr, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("batch failed: %v\n%s", err, stderr)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("batch took too long")
	}

	var out batchOutcome
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("Failed to decode output %q: %v", stdout, err)
	}
	if out.Total != 2 || out.Completed != 2 || out.Failed != 0 {
		t.Errorf("Expected 2/2 completed, got %+v", out)
	}
	if out.Status != "completed" {
		t.Errorf("Expected status completed, got %q", out.Status)
	}
	if len(out.Results) != 2*len(testutil.DefaultResults) {
		t.Errorf("Expected %d results, got %d", 2*len(testutil.DefaultResults), len(out.Results))
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("Expected 2 requests, got %d", mock.GetRequestCount())
	}
}

func TestBatchCommand_Empty(t *testing.T) {
	mock := testutil.NewMockLookup()
	defer mock.Close()

	args := append([]string{"batch"}, serverArgs(mock)...)
	if _, _, err := runCLI(t, args...); err == nil {
		t.Error("Expected an error for a batch without terms")
	}
}

func TestReadTerms_Stdin(t *testing.T) {
	terms, err := readTerms("-", strings.NewReader("  alice \n#skip\n\nbob\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) != 2 || terms[0] != "alice" || terms[1] != "bob" {
		t.Errorf("Unexpected terms %q", terms)
	}
}
