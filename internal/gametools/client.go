// Package gametools fetches player stats from the api.gametools.network
// Battlefield API and maps transport/HTTP failures onto track fetch errors.
package gametools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"fragbot/internal/task/engine"
	"fragbot/internal/track"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBaseURL  = "https://api.gametools.network"
	DefaultGame     = "bf6"
	DefaultPlatform = "pc"

	defaultTimeout    = 15 * time.Second
	defaultRetryMax   = 2
	defaultRatePerSec = 3
)

// maxResponseBytes bounds how much of a stats response we are willing to read.
const maxResponseBytes = 1 << 20

// Config controls how the client talks to the stats API.
type Config struct {
	BaseURL  string
	Game     string
	Platform string

	// Timeout bounds a single HTTP attempt, not the whole retry sequence.
	Timeout  time.Duration
	RetryMax int

	// RatePerSec is a client-side ceiling so a roster sweep cannot hammer
	// the API regardless of how many players are tracked.
	RatePerSec float64
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Game == "" {
		c.Game = DefaultGame
	}
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	return c
}

// Client fetches player snapshots. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

// New constructs a Client. Zero Config fields take the package defaults.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil // suppress retryablehttp's default logging
	// Keep the final response on retry exhaustion so fetch can map its
	// status (429, 5xx) instead of seeing a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		cfg:     cfg,
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

// FetchStats fetches the cumulative counters for a player.
//
// Errors are always *track.FetchError so callers can branch on the kind:
// 404 maps to FetchNotFound (marked engine.NoRetry), 429 to
// FetchRateLimited (carrying an engine.RetryAfter hint when the API sent
// one), deadline expiry to FetchTimeout, anything else transport-ish to
// FetchUnavailable, and undecodable or negative counters to FetchMalformed.
func (c *Client) FetchStats(ctx context.Context, name string) (track.Snapshot, error) {
	body, err := c.fetch(ctx, name)
	if err != nil {
		return track.Snapshot{}, err
	}
	return decodeSnapshot(body)
}

// FetchRaw fetches the same stats document but returns the raw JSON body,
// for one-shot lookups that want to show the full API payload.
func (c *Client) FetchRaw(ctx context.Context, name string) (json.RawMessage, error) {
	body, err := c.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, track.NewFetchError(track.FetchMalformed, errors.New("response is not valid JSON"))
	}
	return json.RawMessage(body), nil
}

func (c *Client) fetch(ctx context.Context, name string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, track.NewFetchError(classifyTransport(err), fmt.Errorf("rate limiter: %w", err))
	}

	u := c.statsURL(name)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, track.NewFetchError(track.FetchUnavailable, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, track.NewFetchError(classifyTransport(err), fmt.Errorf("GET %s: %w", u, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// A missing player never resolves by retrying; let task-level
		// retry give up immediately.
		return nil, track.NewFetchError(track.FetchNotFound, engine.NoRetry(fmt.Errorf("player %q not found", name)))
	case resp.StatusCode == http.StatusTooManyRequests:
		cause := errors.New("too many requests")
		if d := retryAfterHint(resp.Header.Get("Retry-After")); d > 0 {
			cause = engine.RetryAfter(cause, d)
		}
		return nil, track.NewFetchError(track.FetchRateLimited, cause)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, track.NewFetchError(track.FetchUnavailable, fmt.Errorf("GET %s: unexpected status %d", u, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, track.NewFetchError(classifyTransport(err), fmt.Errorf("read response: %w", err))
	}
	if len(body) > maxResponseBytes {
		return nil, track.NewFetchError(track.FetchMalformed, fmt.Errorf("response exceeds %d bytes", maxResponseBytes))
	}
	return body, nil
}

func (c *Client) statsURL(name string) string {
	q := url.Values{}
	q.Set("name", name)
	q.Set("platform", c.cfg.Platform)
	q.Set("raw", "false")
	q.Set("format_values", "false")
	q.Set("skip_battlelog", "true")
	q.Set("categories", "multiplayer")
	return fmt.Sprintf("%s/%s/stats/?%s", strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.Game, q.Encode())
}

func classifyTransport(err error) track.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return track.FetchTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return track.FetchTimeout
	}
	return track.FetchUnavailable
}

// retryAfterHint parses a Retry-After header value (seconds or HTTP-date).
func retryAfterHint(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
