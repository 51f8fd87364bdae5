package bot

import (
	"fmt"
	"strings"

	"github.com/Yarn/gentei-but-jank/verify"
)

// formatStatus renders one binding's status as a Discord message, using a
// diff code block for the green/red verification lines.
func formatStatus(s *verify.Status) string {
	var out strings.Builder

	if s.ChannelName != "" {
		fmt.Fprintf(&out, "%s\n`  `", s.ChannelName)
	}
	fmt.Fprintf(&out, "<https://www.youtube.com/channel/%s>", s.ChannelID)
	switch s.ChannelN {
	case 0:
	case 1:
		out.WriteString(" '")
	default:
		fmt.Fprintf(&out, " '%d", s.ChannelN)
	}
	out.WriteByte('\n')

	if s.CommentSet() {
		fmt.Fprintf(&out, "`  `<https://www.youtube.com/watch?v=%s&lc=%s>\n", s.VideoID, s.CommentID)
		out.WriteString("```diff\n")
	} else {
		out.WriteString("```diff\n")
		out.WriteString("- no comment set\n")
	}

	fmt.Fprintf(&out, "  token: %s\n", s.Token)

	switch {
	case s.IsVerified && s.ChannelVerified:
		out.WriteString("+ membership verified\n")
	case s.IsVerified:
		out.WriteString("+ membership verified (no token)\n")
	case s.ChannelVerified:
		out.WriteString("+ channel verified\n")
	default:
		out.WriteString("- not verified\n")
	}

	if s.FailedChecks != 0 {
		fmt.Fprintf(&out, "- failed_checks: %d", s.FailedChecks)
	}
	out.WriteString("```")

	writeDate := func(name string, valid bool, unix int64) {
		if valid {
			fmt.Fprintf(&out, "`  %s:` <t:%d>\n", name, unix)
		} else {
			fmt.Fprintf(&out, "`  %s:` -\n", name)
		}
	}
	writeDate("verified member ", s.LastVerified.Valid, s.LastVerified.Time.Unix())
	writeDate("verified comment", s.LastChannelVerified.Valid, s.LastChannelVerified.Time.Unix())
	writeDate("checked         ", s.LastChecked.Valid, s.LastChecked.Time.Unix())

	return out.String()
}
