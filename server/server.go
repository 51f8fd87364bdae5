// Package server exposes the HTTP sidecar surface: liveness, a status
// summary, and Prometheus metrics. It injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Yarn/gentei-but-jank/telemetry"
)

// Start runs the HTTP server until ctx is cancelled.
func Start(ctx context.Context, db *sql.DB, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(db),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", slog.Any("err", err))
		}
	}()
	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handlers bundles dependencies for the HTTP endpoints.
type Handlers struct {
	db *sql.DB
}

// NewMux returns the HTTP handler with all routes.
func NewMux(db *sql.DB) http.Handler {
	h := &Handlers{db: db}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/status", h.HandleStatus)

	// Correlation ID injector; reuse the header if provided else generate.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "server", "http.request",
			attribute.String("path", r.URL.Path),
			attribute.String("method", r.Method),
		)
		defer span.End()

		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus returns a lightweight summary: binding counts by state, guild
// count, and job heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var bindings, withComment, verified, exhausted int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&bindings)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE yt_video_id IS NOT NULL AND yt_comment_id IS NOT NULL`).Scan(&withComment)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE last_verified IS NOT NULL AND current_timestamp - last_verified < INTERVAL '3 days'`).Scan(&verified)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE failed_checks > 5`).Scan(&exhausted)
	resp["bindings"] = bindings
	resp["with_comment"] = withComment
	resp["verified"] = verified
	resp["exhausted"] = exhausted

	var guilds int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers`).Scan(&guilds)
	resp["guilds"] = guilds

	heartbeats := map[string]string{}
	rows, err := h.db.QueryContext(ctx, `SELECT key, COALESCE(value, '') FROM kv WHERE key LIKE 'job_%'`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err == nil {
				heartbeats[k] = v
			}
		}
	}
	if len(heartbeats) > 0 {
		resp["jobs"] = heartbeats
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
