package verify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	dbpkg "github.com/Yarn/gentei-but-jank/db"
	"github.com/Yarn/gentei-but-jank/telemetry"
)

// RecheckCooldown is how long after the last check/verification a binding waits
// before it becomes due again. The SQL below hardcodes the same window.
const RecheckCooldown = 2 * 24 * time.Hour

// pendingBinding identifies one binding due for re-check.
type pendingBinding struct {
	discordID string
	channelID string
	channelN  int64
}

// TransitionHandler receives results whose membership flag flipped. Handlers
// run inline in the scheduler loop and should fan out their own work.
type TransitionHandler func(ctx context.Context, res *Result)

// StartVerifyJob runs the pending-verification loop: every interval it selects
// up to batch due bindings and runs one verification pass for each, invoking
// onTransition for every membership edge. A per-binding failure is logged and
// does not abort the batch; a store failure aborts the batch until next tick.
func StartVerifyJob(ctx context.Context, db *sql.DB, v *Verifier, interval time.Duration, batch int, onTransition TransitionHandler) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	slog.Info("verify job starting", slog.Duration("interval", interval), slog.Int("batch", batch))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("verify job stopped")
			return
		case <-ticker.C:
			if err := verifyPendingOnce(ctx, db, v, batch, onTransition); err != nil {
				slog.Warn("verify pending", slog.Any("err", err))
			}
		}
	}
}

// verifyPendingOnce selects due bindings and drives one pass over each.
func verifyPendingOnce(ctx context.Context, db *sql.DB, v *Verifier, batch int, onTransition TransitionHandler) error {
	dbpkg.Heartbeat(ctx, db, "job_verify_last")

	var eligible int
	_ = db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM users
		WHERE yt_video_id IS NOT NULL AND yt_comment_id IS NOT NULL
			AND failed_checks <= $1
			AND (last_checked IS NULL OR current_timestamp - last_checked > INTERVAL '2 days')
			AND (last_verified IS NULL OR current_timestamp - last_verified > INTERVAL '2 days')
	`, MaxFailedChecks).Scan(&eligible)
	telemetry.SetPending(eligible)

	rows, err := db.QueryContext(ctx, `
		SELECT discord_id, yt_channel_id, yt_channel_n FROM users
		WHERE yt_video_id IS NOT NULL AND yt_comment_id IS NOT NULL
			AND failed_checks <= $1
			AND (last_checked IS NULL OR current_timestamp - last_checked > INTERVAL '2 days')
			AND (last_verified IS NULL OR current_timestamp - last_verified > INTERVAL '2 days')
		LIMIT $2
	`, MaxFailedChecks, batch)
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}
	var pending []pendingBinding
	for rows.Next() {
		var p pendingBinding
		if err := rows.Scan(&p.discordID, &p.channelID, &p.channelN); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending: %w", err)
	}

	for _, p := range pending {
		logger := slog.Default().With(
			slog.String("discord_id", p.discordID),
			slog.String("channel_id", p.channelID),
			slog.Int64("channel_n", p.channelN),
			slog.String("component", "verify_job"),
		)
		res, err := v.Verify(ctx, p.discordID, p.channelID, p.channelN)
		if err != nil {
			logger.Warn("verification pass failed", slog.Any("err", err))
			continue
		}
		if res.BecameMember() {
			if telemetry.MembershipGained != nil {
				telemetry.MembershipGained.Inc()
			}
			logger.Info("membership gained", slog.String("channel_name", res.ChannelName))
		} else if res.BecameNonMember() {
			if telemetry.MembershipLost != nil {
				telemetry.MembershipLost.Inc()
			}
			logger.Info("membership lost", slog.String("channel_name", res.ChannelName), slog.Any("reasons", reasonStrings(res.Reasons)))
		}
		if onTransition != nil && (res.BecameMember() || res.BecameNonMember()) {
			onTransition(ctx, res)
		}
	}
	return nil
}

func reasonStrings(rs []Reason) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}
