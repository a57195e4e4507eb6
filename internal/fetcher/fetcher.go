package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pauljones0/shift-code-bot/internal/metrics"
	"github.com/pauljones0/shift-code-bot/internal/util"
	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

const maxBodyBytes = 8 << 20

var (
	// ErrFetchExhausted is returned when every attempt failed with a
	// retryable condition.
	ErrFetchExhausted = errors.New("fetch attempts exhausted")
	// ErrHostNotAllowed is returned before any I/O for URLs outside the
	// allowlist.
	ErrHostNotAllowed = errors.New("host not allowed")
)

// StatusError is a non-retryable HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status code %d", e.URL, e.StatusCode)
}

// retryableStatus marks a 429 or 5xx response.
type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("retryable status code %d", e.code)
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Timeout        time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	UserAgent      string
	AllowedDomains []string
	// Limiter is shared by every request made through the client. Nil
	// disables client-side rate limiting.
	Limiter *rate.Limiter
}

type Client struct {
	httpClient     *http.Client
	maxAttempts    int
	baseDelay      time.Duration
	userAgent      string
	allowedDomains []string
	limiter        *rate.Limiter
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Client{
		httpClient:     &http.Client{Timeout: opts.Timeout},
		maxAttempts:    opts.MaxAttempts,
		baseDelay:      opts.BaseDelay,
		userAgent:      opts.UserAgent,
		allowedDomains: opts.AllowedDomains,
		limiter:        opts.Limiter,
	}
}

// Fetch returns the body of urlStr. Rate limiting (429) waits base*2^attempt*2,
// server errors and transport failures wait base*2^attempt, and any other
// non-200 status fails immediately with a *StatusError.
func (c *Client) Fetch(ctx context.Context, urlStr string) (string, error) {
	parsedURL, err := util.CheckURL(urlStr, c.allowedDomains)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHostNotAllowed, err)
	}
	host := parsedURL.Hostname()

	start := time.Now()
	var body string
	err = util.Retry(ctx, c.maxAttempts, c.backoff, func(attempt int) error {
		b, err := c.attempt(ctx, urlStr)
		if err == nil {
			metrics.FetchAttempts.WithLabelValues(host, "ok").Inc()
			body = b
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) || ctx.Err() != nil {
			metrics.FetchAttempts.WithLabelValues(host, "error").Inc()
			return util.Permanent(err)
		}
		metrics.FetchAttempts.WithLabelValues(host, "retry").Inc()
		slog.Warn("Fetch attempt failed", "url", urlStr, "attempt", attempt+1, "max_attempts", c.maxAttempts, "error", err)
		return err
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordFetch(host, status, time.Since(start).Seconds())

	switch {
	case err == nil:
		return body, nil
	case errors.Is(err, util.ErrRetriesExhausted):
		return "", fmt.Errorf("%w: %s: %w", ErrFetchExhausted, urlStr, err)
	default:
		return "", err
	}
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	wait := c.baseDelay * time.Duration(1<<attempt)
	var rs *retryableStatus
	if errors.As(err, &rs) && rs.code == http.StatusTooManyRequests {
		wait *= 2
	}
	return wait
}

func (c *Client) attempt(ctx context.Context, urlStr string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", util.Permanent(fmt.Errorf("failed to create request for URL %s: %w", urlStr, err))
	}
	req.Header.Set("User-Agent", c.userAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL %s: %w", urlStr, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBodyBytes))
		return "", &retryableStatus{code: res.StatusCode}
	default:
		return "", &StatusError{URL: urlStr, StatusCode: res.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read body of %s: %w", urlStr, err)
	}
	return string(data), nil
}
