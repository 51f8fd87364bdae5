// Package check invokes the external membership checker for one (video, comment)
// pair and parses its output into a channel identity plus a membership verdict.
// The checker is a black box behind a fixed protocol: it must exit 0 and write
// two newline-separated JSON records to stdout (the second is optional).
package check

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Yarn/gentei-but-jank/ratelimit"
	"github.com/Yarn/gentei-but-jank/telemetry"
)

// ErrInvalidInput marks malformed identifiers. It is a local fast-fail: no
// external call was made and retrying the same input will not help.
var ErrInvalidInput = errors.New("invalid identifier")

// AdapterError wraps failures of the checker invocation itself (spawn, non-zero
// exit, unparsable output). These are retryable on a later pass.
type AdapterError struct {
	Err error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("membership checker: %v", e.Err) }
func (e *AdapterError) Unwrap() error { return e.Err }

// ChannelInfo identifies the channel owning the checked video.
type ChannelInfo struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

// Verdict is the outcome of a membership check. Exactly one of Member,
// NotMember, or NotFound. Consumers must switch over all three, since a
// missing comment and a non-member comment have different downstream policy.
type Verdict interface {
	verdict()
}

// Member reports a comment authored by a current paying member.
type Member struct {
	// ChannelID is the channel the comment's video belongs to.
	ChannelID string
	// CommenterChannelID is the channel of the account that wrote the comment.
	CommenterChannelID string
	// Text is the raw comment text, used for token matching.
	Text string
}

// NotMember reports a found comment whose author is not a member.
type NotMember struct {
	ChannelID          string
	CommenterChannelID string
	Text               string
}

// NotFound reports that the comment could not be located.
type NotFound struct{}

func (Member) verdict()    {}
func (NotMember) verdict() {}
func (NotFound) verdict()  {}

// commentRecord is the second stdout line. The field-name swap is part of the
// checker's wire contract: "channel_id" is the video owner, "channel" is the
// commenter's own channel.
type commentRecord struct {
	IsMember         bool   `json:"is_member"`
	OwnerChannelID   string `json:"channel_id"`
	CommenterChannel string `json:"channel"`
	Text             string `json:"text"`
}

// Checker drives the external membership checker subprocess. Construct once at
// the application root and share; the limiter bounds all invocations.
type Checker struct {
	Program string
	Args    []string
	Cookie  string
	Limiter *ratelimit.Limiter

	// Timeout bounds a single invocation. Zero means 60s.
	Timeout time.Duration
}

// runner abstracts subprocess execution for tests.
type runner func(ctx context.Context, program string, args []string) (stdout []byte, err error)

var runCommand runner = func(ctx context.Context, program string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}

// validID reports whether id contains only identifier-safe characters.
// '.' appears in comment ids when the comment is a reply.
func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// CheckMembership invokes the checker for one (video, comment) pair. It acquires
// one rate-limiter permit (the only suspension point besides the subprocess
// itself), never mutates external state, and may be safely re-invoked.
func (c *Checker) CheckMembership(ctx context.Context, videoID, commentID string) (ChannelInfo, Verdict, error) {
	if !validID(videoID) {
		return ChannelInfo{}, nil, fmt.Errorf("%w: video id %q", ErrInvalidInput, videoID)
	}
	if !validID(commentID) {
		return ChannelInfo{}, nil, fmt.Errorf("%w: comment id %q", ErrInvalidInput, commentID)
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return ChannelInfo{}, nil, err
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idArg := fmt.Sprintf("%s&lc=%s", videoID, commentID)
	args := append(append([]string{}, c.Args...),
		"--id", idArg,
		"-s", "0",
		"-l", "1",
		"--cookie", c.Cookie,
	)

	if telemetry.CheckerInvocations != nil {
		telemetry.CheckerInvocations.Inc()
	}
	start := time.Now()
	out, err := runCommand(runCtx, c.Program, args)
	if telemetry.CheckerDuration != nil {
		telemetry.CheckerDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if telemetry.CheckerFailures != nil {
			telemetry.CheckerFailures.Inc()
		}
		return ChannelInfo{}, nil, &AdapterError{Err: err}
	}

	return parseOutput(out)
}

// parseOutput decodes the two-line checker protocol. Line 1 is always the
// channel record; an absent or empty line 2 means the comment was not found.
func parseOutput(out []byte) (ChannelInfo, Verdict, error) {
	lines := strings.SplitN(string(out), "\n", 3)

	var info ChannelInfo
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return ChannelInfo{}, nil, &AdapterError{Err: errors.New("no channel record in checker output")}
	}
	if err := json.Unmarshal([]byte(lines[0]), &info); err != nil {
		return ChannelInfo{}, nil, &AdapterError{Err: fmt.Errorf("channel record: %w", err)}
	}

	if len(lines) < 2 || strings.TrimSpace(lines[1]) == "" {
		return info, NotFound{}, nil
	}

	var rec commentRecord
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		return ChannelInfo{}, nil, &AdapterError{Err: fmt.Errorf("comment record: %w", err)}
	}

	if rec.IsMember {
		return info, Member{ChannelID: rec.OwnerChannelID, CommenterChannelID: rec.CommenterChannel, Text: rec.Text}, nil
	}
	return info, NotMember{ChannelID: rec.OwnerChannelID, CommenterChannelID: rec.CommenterChannel, Text: rec.Text}, nil
}
