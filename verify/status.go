package verify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VerifiedWindow is how long a membership verification stays fresh for status
// display and bulk role sync.
const VerifiedWindow = 3 * 24 * time.Hour

// Status is one binding's verification state as shown to the user.
type Status struct {
	ChannelID   string
	ChannelN    int64
	VideoID     string
	CommentID   string
	Token       string
	ChannelName string

	LastVerified        sql.NullTime
	LastChannelVerified sql.NullTime
	LastChecked         sql.NullTime

	FailedChecks    int64
	IsVerified      bool // membership verified within VerifiedWindow
	ChannelVerified bool // ownership ever established
}

// CommentSet reports whether the proof location has been configured.
func (s *Status) CommentSet() bool { return s.VideoID != "" && s.CommentID != "" }

// ListStatuses returns all bindings for a Discord user.
func ListStatuses(ctx context.Context, db *sql.DB, discordID string) ([]Status, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
			yt_channel_id, yt_channel_n, COALESCE(yt_video_id, ''), COALESCE(yt_comment_id, ''),
			token, COALESCE(channel_name, ''),
			last_verified, last_channel_verified, last_checked,
			failed_checks,
			COALESCE(current_timestamp - last_verified < INTERVAL '3 days', FALSE),
			last_channel_verified IS NOT NULL
		FROM users
		WHERE discord_id = $1
		ORDER BY yt_channel_id, yt_channel_n
	`, discordID)
	if err != nil {
		return nil, fmt.Errorf("status select: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var s Status
		if err := rows.Scan(
			&s.ChannelID, &s.ChannelN, &s.VideoID, &s.CommentID,
			&s.Token, &s.ChannelName,
			&s.LastVerified, &s.LastChannelVerified, &s.LastChecked,
			&s.FailedChecks, &s.IsVerified, &s.ChannelVerified,
		); err != nil {
			return nil, fmt.Errorf("status scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
