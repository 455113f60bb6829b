// Package chronam is a client for the Library of Congress Chronicling
// America archive. It layers search strategies, earliest-issue-date
// resolution, per-host rate limiting, and retrying downloads over the
// archive's JSON API and HTML listing pages.
//
// The client never writes to the repository: it returns bytes plus metadata
// and the caller hands them to the repository store.
package chronam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// DefaultBaseURL is the production archive endpoint.
const DefaultBaseURL = "https://chroniclingamerica.loc.gov"

const userAgent = "broadsheet/1.0 (newspaper acquisition pipeline)"

// lccnPattern matches archive control numbers like sn83045604 or 2010218500.
var lccnPattern = regexp.MustCompile(`^[a-z]{0,3}[0-9]{8,10}$`)

// ValidLCCN reports whether s is a plausible LCCN.
func ValidLCCN(s string) bool {
	return lccnPattern.MatchString(s)
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	RateLimit     float64 // requests per second per host, default 2
	RetryAttempts int     // default 5
	HTTPTimeout   time.Duration
	CachePath     string // persisted earliest-date cache, optional
	Logger        *slog.Logger
}

// Client talks to the archive.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiters    *HostLimiters
	maxAttempts uint
	logger      *slog.Logger
	earliest    *EarliestResolver
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		limiters:    NewHostLimiters(cfg.RateLimit),
		maxAttempts: uint(attempts),
		logger:      logger.With("component", "chronam"),
	}
	c.earliest = NewEarliestResolver(c, cfg.CachePath, logger)
	return c
}

// LimiterStatus reports the rate limiter state for the archive host.
func (c *Client) LimiterStatus() RateLimiterStatus {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return RateLimiterStatus{}
	}
	return c.limiters.For(u.Host).Status()
}

// httpError is a retryable upstream failure.
type httpError struct {
	status     int
	url        string
	retryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.status, e.url)
}

// retryDelay implements exponential backoff (initial 1s, factor 2, jitter
// +/-25%) and honors Retry-After from 429 responses.
func retryDelay(n uint, err error, _ *retry.Config) time.Duration {
	var he *httpError
	if errors.As(err, &he) && he.retryAfter > 0 {
		return he.retryAfter
	}
	base := time.Second << n
	jitter := time.Duration((rand.Float64() - 0.5) * 0.5 * float64(base))
	return base + jitter
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// get fetches a URL with rate limiting and retries. 404 surfaces as a
// not-found error; other non-429 4xx are permanent; 429/5xx and transport
// errors retry up to the configured attempt count, then surface as
// permanent-upstream.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", errkind.New(errkind.Validation, "invalid URL %q: %v", rawURL, err)
	}
	limiter := c.limiters.For(u.Host)

	var body []byte
	var contentType string

	err = retry.Do(
		func() error {
			if err := limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Unrecoverable(errkind.Wrap(errkind.Internal, err))
			}
			req.Header.Set("User-Agent", userAgent)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return &httpError{status: 0, url: rawURL}
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				data, err := io.ReadAll(resp.Body)
				if err != nil {
					return &httpError{status: 0, url: rawURL}
				}
				body = data
				contentType = resp.Header.Get("Content-Type")
				return nil

			case resp.StatusCode == http.StatusTooManyRequests:
				limiter.Record429()
				c.logger.Warn("rate limited by archive", "url", rawURL,
					"retry_after", resp.Header.Get("Retry-After"))
				return &httpError{
					status:     resp.StatusCode,
					url:        rawURL,
					retryAfter: parseRetryAfter(resp),
				}

			case resp.StatusCode >= 500:
				return &httpError{status: resp.StatusCode, url: rawURL}

			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(errkind.New(errkind.NotFound, "not found: %s", rawURL))

			default:
				return retry.Unrecoverable(errkind.New(errkind.PermanentUpstream,
					"HTTP %d from %s", resp.StatusCode, rawURL))
			}
		},
		retry.Attempts(c.maxAttempts),
		retry.DelayType(retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) {
			// Retries exhausted on a transient failure.
			return nil, "", errkind.Wrap(errkind.PermanentUpstream, err)
		}
		return nil, "", err
	}

	return body, contentType, nil
}

// EarliestIssueDate resolves the earliest publication date the archive
// knows for an LCCN. See EarliestResolver for the strategy chain.
func (c *Client) EarliestIssueDate(ctx context.Context, lccn string) (string, string, error) {
	return c.earliest.Resolve(ctx, lccn)
}
