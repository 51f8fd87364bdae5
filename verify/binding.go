package verify

import (
	"context"
	"database/sql"
	"fmt"
)

// IssueToken creates the binding if absent and rotates its token. Rebinding
// resets the whole verification record: proof location, timestamps, failure
// counter, and established ownership all start over under the new token.
func IssueToken(ctx context.Context, db *sql.DB, discordID, channelID string, channelN int64) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (discord_id, yt_channel_id, yt_channel_n, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (discord_id, yt_channel_id, yt_channel_n)
			DO UPDATE SET
				token = EXCLUDED.token,
				last_verified = NULL,
				last_channel_verified = NULL,
				last_checked = NULL,
				failed_checks = 0,
				yt_video_id = NULL,
				yt_comment_id = NULL,
				user_yt_channel_id = NULL,
				channel_name = NULL,
				member_on_last_update = FALSE,
				updated_at = NOW()
	`, discordID, channelID, channelN, token)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// ForceToken overwrites the token of an existing binding without resetting the
// rest of the record. Operator command; returns ErrUserNotConfigured when the
// binding does not exist.
func ForceToken(ctx context.Context, db *sql.DB, discordID, channelID string, channelN int64, token string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE users SET token = $4, updated_at = NOW()
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
	`, discordID, channelID, channelN, token)
	if err != nil {
		return fmt.Errorf("force token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotConfigured
	}
	return nil
}

// SetComment records the proof location for a binding, creating the binding
// with a fresh token if the user never issued one. Both ids are set together;
// the both-or-neither invariant is maintained here and by IssueToken's reset.
func SetComment(ctx context.Context, db *sql.DB, discordID, channelID string, channelN int64, videoID, commentID string) error {
	token, err := GenerateToken()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (discord_id, yt_channel_id, yt_channel_n, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (discord_id, yt_channel_id, yt_channel_n) DO NOTHING
	`, discordID, channelID, channelN, token)
	if err != nil {
		return fmt.Errorf("ensure binding: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET yt_video_id = $4, yt_comment_id = $5, updated_at = NOW()
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
	`, discordID, channelID, channelN, videoID, commentID)
	if err != nil {
		return fmt.Errorf("set comment: %w", err)
	}
	return tx.Commit()
}

// ClearBinding removes a binding and its verification record.
func ClearBinding(ctx context.Context, db *sql.DB, discordID, channelID string, channelN int64) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM users
		WHERE discord_id = $1 AND yt_channel_id = $2 AND yt_channel_n = $3
	`, discordID, channelID, channelN)
	if err != nil {
		return fmt.Errorf("clear binding: %w", err)
	}
	return nil
}
