package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/lookup-client/pkg/metrics"
	"github.com/Sternrassler/lookup-client/pkg/scheduler"
)

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready while the scheduler accepts work and, when a
// shared cache is configured, Redis answers a ping.
func readyHandler(rdb *redis.Client, sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		w.Header().Set("X-Active-Queries", fmt.Sprint(sched.Active()))
		w.Header().Set("X-Queued-Queries", fmt.Sprint(sched.Queued()))
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func newServeMux(rdb *redis.Client, sched *scheduler.Scheduler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(rdb, sched))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// startMetricsServer serves the health and metrics endpoints on addr until
// the returned stop function is called. An empty addr disables the server.
func startMetricsServer(addr string, rdb *redis.Client, sched *scheduler.Scheduler, logger zerolog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(rdb, sched),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving health and metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
