// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	VerifyPasses       prometheus.Counter
	VerifyFailures     prometheus.Counter
	CheckerInvocations prometheus.Counter
	CheckerFailures    prometheus.Counter
	ResolverHits       prometheus.Counter
	ResolverMisses     prometheus.Counter
	RoleAdds           prometheus.Counter
	RoleRemoves        prometheus.Counter
	RoleErrors         prometheus.Counter
	OverpairPurges     prometheus.Counter
	MembershipGained   prometheus.Counter
	MembershipLost     prometheus.Counter

	// Histograms (seconds)
	VerifyDuration   prometheus.Observer
	CheckerDuration  prometheus.Observer
	RateLimitWait    prometheus.Observer
	BulkSyncDuration prometheus.Observer

	// Gauges
	PendingGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		VerifyPasses = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_verify_passes_total", Help: "Number of completed verification passes"})
		VerifyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_verify_failures_total", Help: "Number of verification passes aborted by errors"})
		CheckerInvocations = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_checker_invocations_total", Help: "Number of membership checker subprocess invocations"})
		CheckerFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_checker_failures_total", Help: "Number of failed membership checker invocations"})
		ResolverHits = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_resolver_cache_hits_total", Help: "Channel resolver cache hits"})
		ResolverMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_resolver_cache_misses_total", Help: "Channel resolver cache misses (network fetches)"})
		RoleAdds = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_role_adds_total", Help: "Number of Discord role grants issued"})
		RoleRemoves = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_role_removes_total", Help: "Number of Discord role removals issued"})
		RoleErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_role_errors_total", Help: "Number of failed Discord role mutations"})
		OverpairPurges = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_overpair_purges_total", Help: "Number of external accounts purged by the over-pairing guard"})
		MembershipGained = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_membership_gained_total", Help: "Verification transitions to member"})
		MembershipLost = promauto.NewCounter(prometheus.CounterOpts{Name: "gentei_membership_lost_total", Help: "Verification transitions to non-member"})
		VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gentei_verify_duration_seconds", Help: "Verification pass duration seconds", Buckets: prometheus.DefBuckets})
		CheckerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gentei_checker_duration_seconds", Help: "Membership checker subprocess duration seconds", Buckets: prometheus.DefBuckets})
		RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gentei_rate_limit_wait_seconds", Help: "Time spent waiting on the shared external-call rate limiter", Buckets: prometheus.DefBuckets})
		BulkSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gentei_bulk_sync_duration_seconds", Help: "Guild bulk role sync duration seconds", Buckets: prometheus.DefBuckets})
		PendingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "gentei_pending_bindings", Help: "Bindings currently eligible for re-verification"})
	})
}

// SetPending records the current count of re-check eligible bindings.
func SetPending(n int) {
	if PendingGauge != nil {
		PendingGauge.Set(float64(n))
	}
}

// ObserveRateLimitWait records time spent blocked on the shared limiter.
func ObserveRateLimitWait(d time.Duration) {
	if RateLimitWait != nil {
		RateLimitWait.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
