// Package resolver maps a video URL to its owning channel id by fetching the
// watch page and reading the channelId metadata marker. Results are cached for
// the process lifetime keyed by URL; only cache misses touch the network.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Yarn/gentei-but-jank/ratelimit"
	"github.com/Yarn/gentei-but-jank/telemetry"
)

// ResolutionError wraps fetch or parse failures. Retryable on a later attempt.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string { return fmt.Sprintf("channel resolution: %v", e.Err) }
func (e *ResolutionError) Unwrap() error { return e.Err }

// Desktop UA; the consent-less page variant is only served to browser agents.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/79.0.3945.130 Safari/537.36"

var channelIDMarker = regexp.MustCompile(`<meta\s+itemprop="channelId"\s+content="([^"]+)"`)

// Resolver resolves video URLs to channel ids. Construct once and share; the
// cache has no expiry and duplicate concurrent resolution of the same URL is
// tolerated (last writer wins).
type Resolver struct {
	Client  *http.Client
	Cookie  string
	Limiter *ratelimit.Limiter

	cache *gocache.Cache
}

// New returns a Resolver with a process-lifetime cache.
func New(client *http.Client, cookie string, limiter *ratelimit.Limiter) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{
		Client:  client,
		Cookie:  cookie,
		Limiter: limiter,
		cache:   gocache.New(gocache.NoExpiration, 0),
	}
}

// ResolveChannel returns the channel id owning the video at videoURL.
func (r *Resolver) ResolveChannel(ctx context.Context, videoURL string) (string, error) {
	if v, ok := r.cache.Get(videoURL); ok {
		if telemetry.ResolverHits != nil {
			telemetry.ResolverHits.Inc()
		}
		return v.(string), nil
	}
	if telemetry.ResolverMisses != nil {
		telemetry.ResolverMisses.Inc()
	}

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", &ResolutionError{Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if r.Cookie != "" {
		req.Header.Set("Cookie", fmt.Sprintf("goojf=%s; CONSENT=YES+cb", r.Cookie))
	} else {
		req.Header.Set("Cookie", "CONSENT=YES+cb")
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", &ResolutionError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ResolutionError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	// Watch pages run to a few MB; cap the read in case of a pathological response.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", &ResolutionError{Err: err}
	}

	m := channelIDMarker.FindSubmatch(body)
	if m == nil {
		return "", &ResolutionError{Err: errors.New("channelId marker not found in page")}
	}
	channelID := string(m[1])

	r.cache.Set(videoURL, channelID, gocache.NoExpiration)
	return channelID, nil
}
