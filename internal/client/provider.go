package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"fightsync/ingestion/internal/metrics"
)

const maxErrorBody = 512

// Config configures the provider client
type Config struct {
	BaseURL     string
	APIKey      string
	AuthHeader  string
	CursorParam string
	PageSize    int

	// RequestTimeout bounds a single attempt, not the whole retry sequence
	RequestTimeout time.Duration
	// MaxInFlight caps outstanding requests across all callers
	MaxInFlight int
	// MinRequestInterval is the minimum spacing between requests to one host
	MinRequestInterval time.Duration

	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// HTTPClient overrides the default transport (tests)
	HTTPClient *http.Client
}

// Client is the rate-limited provider API client. It is safe for
// concurrent use.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	authHeader  string
	cursorParam string
	pageSize    int

	httpClient     *http.Client
	requestTimeout time.Duration
	inFlight       *semaphore.Weighted
	minInterval    time.Duration
	limiters       *xsync.Map[string, *rate.Limiter]

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// NewClient creates a provider client
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid provider base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid provider base URL %q", cfg.BaseURL)
	}

	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "X-API-Key"
	}
	if cfg.CursorParam == "" {
		cfg.CursorParam = "cursor"
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.MaxInFlight,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:        base,
		apiKey:         cfg.APIKey,
		authHeader:     cfg.AuthHeader,
		cursorParam:    cfg.CursorParam,
		pageSize:       cfg.PageSize,
		httpClient:     httpClient,
		requestTimeout: cfg.RequestTimeout,
		inFlight:       semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		minInterval:    cfg.MinRequestInterval,
		limiters:       xsync.NewMap[string, *rate.Limiter](),
		maxAttempts:    cfg.MaxAttempts,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
	}, nil
}

// FetchPage fetches one page of a paginated resource. cursor is passed
// through verbatim; "" requests the first page.
func (c *Client) FetchPage(ctx context.Context, resource, cursor string) (*Page, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set(c.cursorParam, cursor)
	}
	if c.pageSize > 0 {
		params.Set("limit", strconv.Itoa(c.pageSize))
	}

	body, err := c.get(ctx, resource, params)
	if err != nil {
		return nil, err
	}

	page, err := parsePage(body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resource, err)
	}
	return page, nil
}

// get performs a GET with the shared retry policy. Every resource goes
// through here so all entity types get the same resilience semantics.
func (c *Client) get(ctx context.Context, resource string, params url.Values) ([]byte, error) {
	u, err := c.resolve(resource, params)
	if err != nil {
		return nil, err
	}

	label := resourceLabel(resource)
	policy := &retryAfterBackOff{BackOff: c.newBackOff()}
	attempts := 0
	var body []byte

	op := func() error {
		attempts++
		b, err := c.attempt(ctx, u, resource, label)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				policy.hint = se.retryAfter
			}
			return err
		}
		body = b
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.RecordAPIRetry(label)
		log.Warn().
			Err(err).
			Str("resource", resource).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("Retrying provider request after backoff")
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		var rejected *FetchRejectedError
		switch {
		case errors.Is(err, ErrCredentialRejected), errors.As(err, &rejected):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, &FetchFailedError{Resource: resource, Attempts: attempts, Cause: err}
	}

	return body, nil
}

// attempt performs a single request. Errors wrapped in backoff.Permanent
// are not retried.
func (c *Client) attempt(ctx context.Context, u, resource, label string) ([]byte, error) {
	if err := c.limiter(c.baseURL.Host).Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, backoff.Permanent(err)
	}
	metrics.APIInFlight.Inc()
	defer func() {
		metrics.APIInFlight.Dec()
		c.inFlight.Release(1)
	}()

	attemptCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(c.authHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fightsync-ingestion/1.0")

	log.Debug().
		Str("url", u).
		Msg("Making provider request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPICall(label, "error", time.Since(start).Seconds())
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		// timeouts and connection resets are transient
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordAPICall(label, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Debug().
			Str("resource", resource).
			Int("status", resp.StatusCode).
			Int("size", len(body)).
			Msg("Provider request successful")
		return body, nil

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, &statusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(body),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(fmt.Errorf("%w (status %d)", ErrCredentialRejected, resp.StatusCode))

	default:
		return nil, backoff.Permanent(&FetchRejectedError{
			Resource:   resource,
			StatusCode: resp.StatusCode,
			Body:       truncate(body),
		})
	}
}

func (c *Client) resolve(resource string, params url.Values) (string, error) {
	ref, err := url.Parse(strings.TrimLeft(resource, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid resource %q: %w", resource, err)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + ref.Path
	u.RawPath = ""

	q := ref.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// limiter returns the spacing limiter for host, creating it on first use
func (c *Client) limiter(host string) *rate.Limiter {
	if l, ok := c.limiters.Load(host); ok {
		return l
	}
	limit := rate.Inf
	if c.minInterval > 0 {
		limit = rate.Every(c.minInterval)
	}
	l, _ := c.limiters.LoadOrStore(host, rate.NewLimiter(limit, 1))
	return l
}

func (c *Client) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoffInitial
	eb.MaxInterval = c.backoffMax
	eb.MaxElapsedTime = 0
	return eb
}

// retryAfterBackOff stretches the next wait to honour a Retry-After hint
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
