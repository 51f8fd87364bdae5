package verify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Yarn/gentei-but-jank/telemetry"
)

// PurgeOverPaired deletes every binding of any external account linked to more
// than limit distinct Discord users, forcing all of them to re-prove ownership.
// Returns the purged external account ids for audit logging. Idempotent: a
// second run with no new over-pairings deletes nothing.
func PurgeOverPaired(ctx context.Context, db *sql.DB, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}

	rows, err := db.QueryContext(ctx, `
		WITH counts AS (
			SELECT user_yt_channel_id, COUNT(DISTINCT discord_id) AS n
			FROM users
			WHERE user_yt_channel_id IS NOT NULL
			GROUP BY user_yt_channel_id
		)
		SELECT user_yt_channel_id FROM counts WHERE n > $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select over-paired: %w", err)
	}
	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan over-paired: %w", err)
		}
		accounts = append(accounts, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate over-paired: %w", err)
	}

	if len(accounts) == 0 {
		return nil, nil
	}

	if _, err := db.ExecContext(ctx, `
		DELETE FROM users WHERE user_yt_channel_id = ANY ($1)
	`, accounts); err != nil {
		return nil, fmt.Errorf("delete over-paired: %w", err)
	}

	if telemetry.OverpairPurges != nil {
		telemetry.OverpairPurges.Add(float64(len(accounts)))
	}
	return accounts, nil
}
