// Package verify implements the membership verification state machine: one pass
// takes a binding (Discord user, channel, slot), consults the external checker,
// applies token/ownership/over-pairing policy, and persists the new state. The
// scheduler in this package drives passes for bindings due for re-check, and the
// over-pairing guard severs accounts linked to too many Discord users.
package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Yarn/gentei-but-jank/check"
	"github.com/Yarn/gentei-but-jank/telemetry"
)

// MaxFailedChecks is the failure budget before a binding is skipped until its
// counter resets. A binding at exactly MaxFailedChecks is still eligible.
const MaxFailedChecks = 5

// Terminal per-binding conditions. These are returned as errors (the pass never
// ran); verification-outcome reasons travel on Result instead.
var (
	ErrUserNotConfigured = errors.New("no token has been created for channel")
	ErrCommentNotSet     = errors.New("no comment set for channel")
	ErrTooManyFailures   = errors.New("too many consecutive failures")
)

// ReasonCode identifies a verification-outcome reason.
type ReasonCode string

const (
	ReasonNotAMember          ReasonCode = "not_a_member"
	ReasonCouldNotLoadComment ReasonCode = "could_not_load_comment"
	ReasonTokenNotInComment   ReasonCode = "token_not_in_comment"
	ReasonWrongChannel        ReasonCode = "wrong_channel"
	ReasonOverPairedAccount   ReasonCode = "over_paired_account"
)

// Reason is one human-facing explanation attached to a verification result.
// Correct/Actual are set for ReasonWrongChannel only.
type Reason struct {
	Code    ReasonCode
	Correct string
	Actual  string
}

func (r Reason) String() string {
	switch r.Code {
	case ReasonNotAMember:
		return "Not a member"
	case ReasonCouldNotLoadComment:
		return "Could not load video or comment"
	case ReasonTokenNotInComment:
		return "Comment does not contain token"
	case ReasonWrongChannel:
		return fmt.Sprintf("Comment is not on the correct channel %s != (actual)%s", r.Correct, r.Actual)
	case ReasonOverPairedAccount:
		return "Too many discord ids paired to youtube account"
	}
	return string(r.Code)
}

// Result is the outcome of one verification pass.
type Result struct {
	DiscordID   string
	ChannelID   string
	ChannelN    int64
	ChannelName string

	WasMember         bool
	IsMember          bool
	OwnershipVerified bool

	// Reasons lists membership-blocking reasons first, then ownership-only ones.
	Reasons []Reason
}

// BecameMember reports a non-member -> member transition.
func (r *Result) BecameMember() bool { return !r.WasMember && r.IsMember }

// BecameNonMember reports a member -> non-member transition.
func (r *Result) BecameNonMember() bool { return r.WasMember && !r.IsMember }

// MembershipChecker is the external checker boundary; *check.Checker satisfies
// it, and tests substitute fakes.
type MembershipChecker interface {
	CheckMembership(ctx context.Context, videoID, commentID string) (check.ChannelInfo, check.Verdict, error)
}

// Verifier runs verification passes against the store. Concurrent passes on
// different bindings are independent; passes on the same binding serialize on
// the row lock taken inside each transaction.
type Verifier struct {
	DB      *sql.DB
	Checker MembershipChecker

	// OverpairLimit is the max distinct Discord users one external account may
	// be linked to before new ownership claims are rejected. Zero means 3.
	OverpairLimit int
}

func (v *Verifier) overpairLimit() int {
	if v.OverpairLimit <= 0 {
		return 3
	}
	return v.OverpairLimit
}

// Verify runs one verification pass for the given binding.
//
// The pessimistic failure accounting is deliberate: last_checked and
// failed_checks are committed before the external call, so a crash mid-check
// still counts as a failure. failed_checks resets to zero only when a pass
// completes, whatever its outcome.
func (v *Verifier) Verify(ctx context.Context, discordID, channelID string, channelN int64) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "verify", "verify.pass",
		attribute.String("discord_id", discordID),
		attribute.String("channel_id", channelID),
		attribute.Int64("channel_n", channelN),
	)
	defer span.End()
	start := time.Now()

	res, err := v.verify(ctx, discordID, channelID, channelN)
	if telemetry.VerifyDuration != nil {
		telemetry.VerifyDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if telemetry.VerifyFailures != nil {
			telemetry.VerifyFailures.Inc()
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	if telemetry.VerifyPasses != nil {
		telemetry.VerifyPasses.Inc()
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, discordID, channelID string, channelN int64) (*Result, error) {
	verifyTime := time.Now().UTC()

	// Phase 1: load + precondition checks + pessimistic stamp, committed before
	// the external call so the attempt is counted even if we never return.
	tx, err := v.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		token              string
		videoID, commentID sql.NullString
		failedChecks       int64
		wasMember          bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT token, yt_video_id, yt_comment_id, failed_checks, member_on_last_update
		FROM users
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
		FOR UPDATE
	`, discordID, channelID, channelN).Scan(&token, &videoID, &commentID, &failedChecks, &wasMember)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("binding %s %s#%d: %w", discordID, channelID, channelN, ErrUserNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}

	if !videoID.Valid || !commentID.Valid {
		return nil, fmt.Errorf("binding %s %s#%d: %w", discordID, channelID, channelN, ErrCommentNotSet)
	}
	if failedChecks > MaxFailedChecks {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyFailures, failedChecks)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET last_checked = $4, failed_checks = failed_checks + 1, updated_at = NOW()
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
	`, discordID, channelID, channelN, verifyTime)
	if err != nil {
		return nil, fmt.Errorf("stamp last checked: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stamp: %w", err)
	}

	// Phase 2: the external call. Adapter failures abort the pass here, leaving
	// the incremented failure counter in place.
	info, verdict, err := v.Checker.CheckMembership(ctx, videoID.String, commentID.String)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}

	// The resolved display name persists regardless of verdict.
	_, err = v.DB.ExecContext(ctx, `
		UPDATE users SET channel_name = $4, updated_at = NOW()
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
	`, discordID, channelID, channelN, info.ChannelName)
	if err != nil {
		return nil, fmt.Errorf("persist channel name: %w", err)
	}

	// Phase 3: apply policy and persist the outcome in one transaction.
	tx, err = v.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outcome: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		SELECT 1 FROM users
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
		FOR UPDATE
	`, discordID, channelID, channelN); err != nil {
		return nil, fmt.Errorf("lock binding: %w", err)
	}

	var blocking, ownershipOnly []Reason
	var ownerCandidate string // commenter channel id once ownership is tentatively established

	switch vd := verdict.(type) {
	case check.Member:
		if strings.Contains(vd.Text, token) {
			ownerCandidate = vd.CommenterChannelID
		} else {
			// TODO: decide whether a prior ownership proof under this user should
			// keep excusing a token mismatch, or whether a fresh match should be
			// required after token rotation.
			var prior bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM users
					WHERE user_yt_channel_id = $1 AND discord_id = $2 AND last_channel_verified IS NOT NULL
				)
			`, vd.CommenterChannelID, discordID).Scan(&prior)
			if err != nil {
				return nil, fmt.Errorf("check prior ownership: %w", err)
			}
			if !prior {
				blocking = append(blocking, Reason{Code: ReasonTokenNotInComment})
			}
		}
		if vd.ChannelID != channelID {
			blocking = append(blocking, Reason{Code: ReasonWrongChannel, Correct: channelID, Actual: vd.ChannelID})
		}
	case check.NotMember:
		blocking = append(blocking, Reason{Code: ReasonNotAMember})
		if vd.ChannelID != channelID {
			blocking = append(blocking, Reason{Code: ReasonWrongChannel, Correct: channelID, Actual: vd.ChannelID})
		}
		// A non-member can still prove channel ownership via the token.
		if strings.Contains(vd.Text, token) {
			ownerCandidate = vd.CommenterChannelID
		} else {
			ownershipOnly = append(ownershipOnly, Reason{Code: ReasonTokenNotInComment})
		}
	case check.NotFound:
		blocking = append(blocking, Reason{Code: ReasonCouldNotLoadComment})
	default:
		return nil, fmt.Errorf("unhandled verdict %T", verdict)
	}

	if ownerCandidate != "" {
		var linked int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT discord_id) FROM users WHERE user_yt_channel_id = $1
		`, ownerCandidate).Scan(&linked)
		if err != nil {
			return nil, fmt.Errorf("count linked users: %w", err)
		}
		if linked > v.overpairLimit() {
			ownershipOnly = append(ownershipOnly, Reason{Code: ReasonOverPairedAccount})
			ownerCandidate = ""
		}
	}

	isMember := len(blocking) == 0

	res := &Result{
		DiscordID:         discordID,
		ChannelID:         channelID,
		ChannelN:          channelN,
		ChannelName:       info.ChannelName,
		WasMember:         wasMember,
		IsMember:          isMember,
		OwnershipVerified: ownerCandidate != "",
		Reasons:           append(blocking, ownershipOnly...),
	}

	var owner sql.NullString
	var ownerTime sql.NullTime
	if ownerCandidate != "" {
		owner = sql.NullString{String: ownerCandidate, Valid: true}
		ownerTime = sql.NullTime{Time: verifyTime, Valid: true}
	}

	if isMember {
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				last_verified = $4,
				last_channel_verified = COALESCE($6, last_channel_verified),
				user_yt_channel_id = COALESCE($5, user_yt_channel_id),
				failed_checks = 0,
				member_on_last_update = TRUE,
				updated_at = NOW()
			WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
		`, discordID, channelID, channelN, verifyTime, owner, ownerTime)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				last_verified = NULL,
				last_channel_verified = COALESCE($5, last_channel_verified),
				user_yt_channel_id = COALESCE($4, user_yt_channel_id),
				failed_checks = 0,
				member_on_last_update = FALSE,
				updated_at = NOW()
			WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
		`, discordID, channelID, channelN, owner, ownerTime)
	}
	if err != nil {
		return nil, fmt.Errorf("persist outcome: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outcome: %w", err)
	}

	return res, nil
}
