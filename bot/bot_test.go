package bot

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/Yarn/gentei-but-jank/config"
	"github.com/Yarn/gentei-but-jank/verify"
)

func TestParseChannelArg(t *testing.T) {
	cases := []struct {
		in      string
		id      string
		n       int64
		wantErr bool
	}{
		{in: "UCabc", id: "UCabc", n: 0},
		{in: "UCabc'", id: "UCabc", n: 1},
		{in: "UCabc'2", id: "UCabc", n: 2},
		{in: "<UCabc'2>", id: "UCabc", n: 2},
		{in: "https://www.youtube.com/channel/UCabc", id: "UCabc", n: 0},
		{in: "<https://www.youtube.com/channel/UCabc>", id: "UCabc", n: 0},
		{in: "UCabc'200", wantErr: true},
		{in: "https://www.youtube.com/watch?v=abc", wantErr: true},
	}
	for _, tc := range cases {
		id, n, err := parseChannelArg(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %q %d", tc.in, id, n)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if id != tc.id || n != tc.n {
			t.Errorf("%q: got (%q, %d), want (%q, %d)", tc.in, id, n, tc.id, tc.n)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	s := &verify.Status{
		ChannelID:       "UC1",
		ChannelN:        2,
		VideoID:         "vid",
		CommentID:       "com",
		Token:           "Tk_XYZ",
		ChannelName:     "Acme",
		IsVerified:      true,
		ChannelVerified: true,
		LastVerified:    sql.NullTime{Time: ts, Valid: true},
	}
	out := formatStatus(s)
	for _, want := range []string{
		"Acme",
		"<https://www.youtube.com/channel/UC1> '2",
		"<https://www.youtube.com/watch?v=vid&lc=com>",
		"token: Tk_XYZ",
		"+ membership verified",
		"<t:1700000000>",
		"`  verified comment:` -",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	bare := formatStatus(&verify.Status{ChannelID: "UC2", Token: "t"})
	for _, want := range []string{"- no comment set", "- not verified"} {
		if !strings.Contains(bare, want) {
			t.Errorf("missing %q in:\n%s", want, bare)
		}
	}
	if strings.Contains(bare, " '") {
		t.Errorf("slot 0 must not render a slot marker:\n%s", bare)
	}
}

func TestGuideParts(t *testing.T) {
	b := &Bot{Cfg: &config.Config{
		TokenVideoID:   "vid123",
		TokenChannelID: "UCguide",
		SupportText:    "ask in #support",
	}}
	parts := b.guideParts()
	if len(parts) < 2 {
		t.Fatalf("guide should split into multiple parts, got %d", len(parts))
	}
	all := strings.Join(parts, "\n")
	if strings.Contains(all, "{video_id}") || strings.Contains(all, "{channel_id}") || strings.Contains(all, "{support_text}") {
		t.Fatalf("placeholders left unsubstituted:\n%s", all)
	}
	if !strings.Contains(all, "vid123") || !strings.Contains(all, "UCguide") || !strings.Contains(all, "ask in #support") {
		t.Fatalf("substitutions missing:\n%s", all)
	}
}
