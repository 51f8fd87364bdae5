package verify

import (
	"context"
	"fmt"
	"testing"

	"github.com/Yarn/gentei-but-jank/testutil"
)

func TestPurgeOverPaired(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-purge")
	ctx := context.Background()

	link := func(discordID, owner string) {
		t.Helper()
		seedBinding(t, db, discordID, "UC1", 0, "tok", "v", "c")
		if _, err := db.Exec(`UPDATE users SET user_yt_channel_id=$2 WHERE discord_id=$1`, discordID, owner); err != nil {
			t.Fatal(err)
		}
	}

	// Exactly at the limit: untouched.
	for i := 0; i < 3; i++ {
		link(fmt.Sprintf("test-purge-ok-%d", i), "UCok")
	}
	// One past the limit: purged.
	for i := 0; i < 4; i++ {
		link(fmt.Sprintf("test-purge-bad-%d", i), "UCbad")
	}

	purged, err := PurgeOverPaired(ctx, db, 3)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(purged) != 1 || purged[0] != "UCbad" {
		t.Fatalf("purged = %v, want [UCbad]", purged)
	}

	var nOK, nBad int
	if err := db.QueryRow(`SELECT COUNT(1) FROM users WHERE user_yt_channel_id='UCok'`).Scan(&nOK); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(1) FROM users WHERE user_yt_channel_id='UCbad'`).Scan(&nBad); err != nil {
		t.Fatal(err)
	}
	if nOK != 3 {
		t.Fatalf("at-limit account lost bindings: %d", nOK)
	}
	if nBad != 0 {
		t.Fatalf("over-paired bindings survived: %d", nBad)
	}

	// Second run is a no-op.
	purged, err = PurgeOverPaired(ctx, db, 3)
	if err != nil {
		t.Fatalf("re-purge: %v", err)
	}
	if len(purged) != 0 {
		t.Fatalf("second purge deleted %v", purged)
	}
}
