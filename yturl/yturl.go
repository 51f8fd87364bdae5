// Package yturl parses the YouTube URL shapes users paste into commands:
// watch links (with optional highlighted-comment id), youtu.be short links,
// embed links, and channel links. It also parses the channel spec syntax
// accepted by commands, where "UC...'2" addresses an extra binding slot.
package yturl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// IsURL is a cheap pre-test so bare channel ids aren't run through url.Parse.
func IsURL(s string) bool {
	return strings.Contains(s, ":") && strings.Contains(s, "/")
}

// StripAngles removes the <...> wrapping Discord uses to suppress link previews.
func StripAngles(s string) string {
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		return s[1 : len(s)-1]
	}
	return s
}

// ExtractVideoComment returns (videoID, commentID) from a video URL. commentID
// is "" when the URL has no lc parameter. ok is false when the URL is not a
// recognized video link.
func ExtractVideoComment(rawURL string) (videoID, commentID string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	host := u.Hostname()

	if host == "youtu.be" {
		segs := pathSegments(u)
		if len(segs) != 1 {
			return "", "", false
		}
		return segs[0], "", true
	}

	if host != "www.youtube.com" && host != "youtube.com" {
		return "", "", false
	}

	segs := pathSegments(u)
	if len(segs) == 0 {
		return "", "", false
	}
	switch segs[0] {
	case "embed":
		if len(segs) != 2 {
			return "", "", false
		}
		return segs[1], "", true
	case "watch":
		if len(segs) != 1 {
			return "", "", false
		}
		q := u.Query()
		v := q.Get("v")
		if v == "" {
			return "", "", false
		}
		return v, q.Get("lc"), true
	}
	return "", "", false
}

// ExtractChannelID returns the channel id from a /channel/<id> URL.
func ExtractChannelID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	if host != "www.youtube.com" && host != "youtube.com" {
		return "", false
	}
	segs := pathSegments(u)
	if len(segs) != 2 || segs[0] != "channel" {
		return "", false
	}
	return segs[1], true
}

// ParseChannelSpec parses the channel argument accepted by commands: a bare
// channel id, a channel URL, or either followed by 'N to address binding slot
// N (a trailing bare ' means slot 1). N must be in [0, 100).
func ParseChannelSpec(spec string) (channelID string, n int64, err error) {
	channelID = spec
	if IsURL(spec) {
		id, ok := ExtractChannelID(StripAngles(spec))
		if !ok {
			return "", 0, fmt.Errorf("could not extract channel id from url %q", spec)
		}
		channelID = id
	}

	if id, nStr, found := strings.Cut(channelID, "'"); found {
		if nStr == "" {
			return id, 1, nil
		}
		n, err := strconv.ParseInt(nStr, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid channel slot value %q", nStr)
		}
		if n < 0 || n >= 100 {
			return "", 0, fmt.Errorf("channel slot %d out of range", n)
		}
		return id, n, nil
	}
	return channelID, 0, nil
}

func pathSegments(u *url.URL) []string {
	trimmed := strings.Trim(u.EscapedPath(), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
