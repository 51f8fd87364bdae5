package verify

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/Yarn/gentei-but-jank/check"
	"github.com/Yarn/gentei-but-jank/testutil"
)

type fakeChecker struct {
	info    check.ChannelInfo
	verdict check.Verdict
	err     error
	calls   int
}

func (f *fakeChecker) CheckMembership(ctx context.Context, videoID, commentID string) (check.ChannelInfo, check.Verdict, error) {
	f.calls++
	if f.err != nil {
		return check.ChannelInfo{}, nil, f.err
	}
	return f.info, f.verdict, nil
}

func seedBinding(t *testing.T, db *sql.DB, discordID, channelID string, n int64, token, videoID, commentID string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO users (discord_id, yt_channel_id, yt_channel_n, token, yt_video_id, yt_comment_id)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''))`,
		discordID, channelID, n, token, videoID, commentID)
	if err != nil {
		t.Fatalf("seed binding: %v", err)
	}
}

type recordState struct {
	lastVerified sql.NullTime
	lastChanVer  sql.NullTime
	lastChecked  sql.NullTime
	failed       int64
	owner        sql.NullString
	member       bool
	channelName  sql.NullString
}

func loadState(t *testing.T, db *sql.DB, discordID, channelID string, n int64) recordState {
	t.Helper()
	var s recordState
	err := db.QueryRow(`
		SELECT last_verified, last_channel_verified, last_checked, failed_checks, user_yt_channel_id, member_on_last_update, channel_name
		FROM users WHERE discord_id=$1 AND yt_channel_id=$2 AND yt_channel_n=$3`,
		discordID, channelID, n,
	).Scan(&s.lastVerified, &s.lastChanVer, &s.lastChecked, &s.failed, &s.owner, &s.member, &s.channelName)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return s
}

func hasReason(rs []Reason, code ReasonCode) bool {
	for _, r := range rs {
		if r.Code == code {
			return true
		}
	}
	return false
}

func TestVerifyMemberHappyPath(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-happy")
	seedBinding(t, db, "test-happy-1", "UC1", 0, "Tk_XYZ", "abc123", "UgxDEF.456")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.Member{ChannelID: "UC1", CommenterChannelID: "UCcommenter", Text: "proof Tk_XYZ here"},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-happy-1", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsMember || len(res.Reasons) != 0 {
		t.Fatalf("expected clean member result, got %+v", res)
	}
	if !res.OwnershipVerified {
		t.Fatal("expected ownership established")
	}
	if res.ChannelName != "Acme" {
		t.Fatalf("channel name %q", res.ChannelName)
	}
	if res.WasMember || !res.BecameMember() {
		t.Fatalf("expected membership edge, got was=%v", res.WasMember)
	}

	s := loadState(t, db, "test-happy-1", "UC1", 0)
	if !s.lastVerified.Valid || !s.lastChanVer.Valid || !s.lastChecked.Valid {
		t.Fatalf("expected timestamps set: %+v", s)
	}
	if s.failed != 0 {
		t.Fatalf("failed_checks = %d, want 0", s.failed)
	}
	if !s.owner.Valid || s.owner.String != "UCcommenter" {
		t.Fatalf("owner = %+v, want UCcommenter", s.owner)
	}
	if !s.member {
		t.Fatal("member_on_last_update not set")
	}
	if !s.channelName.Valid || s.channelName.String != "Acme" {
		t.Fatalf("channel_name = %+v", s.channelName)
	}
}

func TestVerifyWrongChannel(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-wrongchan")
	seedBinding(t, db, "test-wrongchan-1", "UC1", 0, "Tk_XYZ", "abc123", "UgxDEF.456")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC2", ChannelName: "Other"},
		verdict: check.Member{ChannelID: "UC2", CommenterChannelID: "UCcommenter", Text: "proof Tk_XYZ here"},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-wrongchan-1", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsMember {
		t.Fatal("wrong channel must block membership")
	}
	found := false
	for _, r := range res.Reasons {
		if r.Code == ReasonWrongChannel {
			found = true
			if r.Correct != "UC1" || r.Actual != "UC2" {
				t.Fatalf("wrong channel detail %+v", r)
			}
		}
	}
	if !found {
		t.Fatalf("missing wrong-channel reason: %+v", res.Reasons)
	}
	// Ownership was still proven by the token even though membership is blocked.
	if !res.OwnershipVerified {
		t.Fatal("token match should still establish ownership")
	}
	s := loadState(t, db, "test-wrongchan-1", "UC1", 0)
	if s.lastVerified.Valid {
		t.Fatal("last_verified should be cleared on failure path")
	}
	if s.member {
		t.Fatal("member_on_last_update should be false")
	}
	if s.failed != 0 {
		t.Fatalf("completed pass must reset failed_checks, got %d", s.failed)
	}
}

func TestVerifyCommentNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-notfound")
	seedBinding(t, db, "test-notfound-1", "UC1", 0, "Tk_XYZ", "abc123", "UgxDEF.456")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.NotFound{},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-notfound-1", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsMember || res.OwnershipVerified {
		t.Fatalf("unexpected result %+v", res)
	}
	if !hasReason(res.Reasons, ReasonCouldNotLoadComment) {
		t.Fatalf("missing could-not-load reason: %+v", res.Reasons)
	}
	s := loadState(t, db, "test-notfound-1", "UC1", 0)
	if s.owner.Valid {
		t.Fatal("ownership must be unchanged")
	}
}

func TestVerifyPessimisticOnAdapterFailure(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-pessim")
	seedBinding(t, db, "test-pessim-1", "UC1", 0, "Tk_XYZ", "abc123", "UgxDEF.456")

	fc := &fakeChecker{err: &check.AdapterError{Err: errors.New("exit status 1")}}
	v := &Verifier{DB: db, Checker: fc}
	_, err := v.Verify(context.Background(), "test-pessim-1", "UC1", 0)
	if err == nil {
		t.Fatal("expected adapter failure to propagate")
	}
	s := loadState(t, db, "test-pessim-1", "UC1", 0)
	if s.failed != 1 {
		t.Fatalf("failed_checks = %d, want 1 (pessimistic increment survives)", s.failed)
	}
	if s.lastVerified.Valid {
		t.Fatal("last_verified must be unchanged")
	}
	if !s.lastChecked.Valid {
		t.Fatal("last_checked must be stamped before the external call")
	}
}

func TestVerifyTerminalConditions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-term")
	v := &Verifier{DB: db, Checker: &fakeChecker{}}
	ctx := context.Background()

	if _, err := v.Verify(ctx, "test-term-missing", "UC1", 0); !errors.Is(err, ErrUserNotConfigured) {
		t.Fatalf("want ErrUserNotConfigured, got %v", err)
	}

	seedBinding(t, db, "test-term-1", "UC1", 0, "tok", "", "")
	if _, err := v.Verify(ctx, "test-term-1", "UC1", 0); !errors.Is(err, ErrCommentNotSet) {
		t.Fatalf("want ErrCommentNotSet, got %v", err)
	}
}

func TestVerifyFailureBudget(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-budget")
	seedBinding(t, db, "test-budget-1", "UC1", 0, "tok", "abc123", "Ugx")
	ctx := context.Background()

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.NotFound{},
	}
	v := &Verifier{DB: db, Checker: fc}

	// At exactly the budget the binding is still checked.
	if _, err := db.Exec(`UPDATE users SET failed_checks=$1 WHERE discord_id='test-budget-1'`, MaxFailedChecks); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(ctx, "test-budget-1", "UC1", 0); err != nil {
		t.Fatalf("binding at budget must still verify: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("checker calls = %d, want 1", fc.calls)
	}

	// One past the budget it is refused before any external call.
	if _, err := db.Exec(`UPDATE users SET failed_checks=$1 WHERE discord_id='test-budget-1'`, MaxFailedChecks+1); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(ctx, "test-budget-1", "UC1", 0); !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("want ErrTooManyFailures, got %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("checker must not be called past the budget, calls = %d", fc.calls)
	}
}

func TestVerifyNonMemberTokenProvesOwnership(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-nm")
	seedBinding(t, db, "test-nm-1", "UC1", 0, "Tk_XYZ", "abc123", "Ugx")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.NotMember{ChannelID: "UC1", CommenterChannelID: "UCme", Text: "here is Tk_XYZ"},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-nm-1", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsMember {
		t.Fatal("non-member must not be a member")
	}
	if !res.OwnershipVerified {
		t.Fatal("token in a non-member comment still proves ownership")
	}
	if !hasReason(res.Reasons, ReasonNotAMember) {
		t.Fatalf("missing not-a-member reason: %+v", res.Reasons)
	}
	s := loadState(t, db, "test-nm-1", "UC1", 0)
	if !s.owner.Valid || s.owner.String != "UCme" {
		t.Fatalf("owner = %+v", s.owner)
	}
	if !s.lastChanVer.Valid {
		t.Fatal("last_channel_verified should be set")
	}
}

func TestVerifyTokenMismatchNoPriorOwnership(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-mismatch")
	seedBinding(t, db, "test-mismatch-1", "UC1", 0, "Tk_XYZ", "abc123", "Ugx")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.Member{ChannelID: "UC1", CommenterChannelID: "UCme", Text: "no token here"},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-mismatch-1", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsMember {
		t.Fatal("token mismatch without prior ownership must block")
	}
	if res.OwnershipVerified {
		t.Fatal("ownership must not be established")
	}
	if !hasReason(res.Reasons, ReasonTokenNotInComment) {
		t.Fatalf("missing token reason: %+v", res.Reasons)
	}
}

func TestVerifyTokenMismatchWithPriorOwnership(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-prior")
	// Another binding of the same user previously proved ownership of UCme.
	seedBinding(t, db, "test-prior-1", "UCother", 0, "old", "v", "c")
	if _, err := db.Exec(`UPDATE users SET user_yt_channel_id='UCme', last_channel_verified=NOW() WHERE discord_id='test-prior-1' AND yt_channel_id='UCother'`); err != nil {
		t.Fatal(err)
	}
	seedBinding(t, db, "test-prior-1", "UC1", 0, "Tk_XYZ", "abc123", "Ugx")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.Member{ChannelID: "UC1", CommenterChannelID: "UCme", Text: "no token here"},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-prior-1", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsMember {
		t.Fatalf("prior ownership should excuse the token mismatch: %+v", res.Reasons)
	}
	if res.OwnershipVerified {
		t.Fatal("the bypass does not re-establish ownership this pass")
	}
	if len(res.Reasons) != 0 {
		t.Fatalf("unexpected reasons %+v", res.Reasons)
	}
}

func TestVerifyOverPairedOwnershipRejected(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.CleanupUsers(t, db, "test-op")
	// Four other Discord users already linked to UCshared.
	for i := 0; i < 4; i++ {
		id := string(rune('a'+i))
		seedBinding(t, db, "test-op-linked-"+id, "UCx", 0, "tok", "v", "c")
		if _, err := db.Exec(`UPDATE users SET user_yt_channel_id='UCshared' WHERE discord_id=$1`, "test-op-linked-"+id); err != nil {
			t.Fatal(err)
		}
	}
	seedBinding(t, db, "test-op-new", "UC1", 0, "Tk_XYZ", "abc123", "Ugx")

	fc := &fakeChecker{
		info:    check.ChannelInfo{ChannelID: "UC1", ChannelName: "Acme"},
		verdict: check.Member{ChannelID: "UC1", CommenterChannelID: "UCshared", Text: "proof Tk_XYZ"},
	}
	v := &Verifier{DB: db, Checker: fc}
	res, err := v.Verify(context.Background(), "test-op-new", "UC1", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// Over-pairing blocks ownership, not membership.
	if !res.IsMember {
		t.Fatalf("over-pairing must not block membership: %+v", res.Reasons)
	}
	if res.OwnershipVerified {
		t.Fatal("ownership must be rejected for over-paired account")
	}
	if !hasReason(res.Reasons, ReasonOverPairedAccount) {
		t.Fatalf("missing over-paired reason: %+v", res.Reasons)
	}
	s := loadState(t, db, "test-op-new", "UC1", 0)
	if s.owner.Valid {
		t.Fatalf("owning account must not be recorded, got %+v", s.owner)
	}
}
