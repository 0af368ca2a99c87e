// Package api implements the HTTP client for a Jellyfin-compatible media
// server: token authentication, per-attempt timeouts, bounded retry with
// linear backoff, and in-flight deduplication of identical GET requests.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Config holds everything the client needs to talk to one server.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// DeviceID identifies this installation in the authorization header.
	DeviceID string
	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// RetryBackoff is the base delay; attempt n waits n*RetryBackoff.
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

const (
	clientName    = "Sonata"
	clientVersion = "0.1.0"
	itemCacheSize = 256
)

// Client is an authenticated connection to one server. Multiple instances
// never share state; credentials, the in-flight registry, and the item cache
// all live on the instance.
type Client struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	token  string
	userID string

	// inflight collapses concurrent GETs for the same resolved URL into a
	// single network call. Entries settle (and are forgotten) on both
	// success and failure.
	inflight singleflight.Group

	itemCache *lru.Cache[string, []byte]

	// onUnauthorized is signaled once per 401 so session-dependent
	// collaborators (playback reporting) can invalidate themselves.
	onUnauthorized func()
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: base url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	itemCache, err := lru.New[string, []byte](itemCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		client:    httpClient,
		log:       cfg.Logger,
		itemCache: itemCache,
	}, nil
}

// OnUnauthorized registers a callback invoked whenever the server rejects
// the session token. Must be set before concurrent use.
func (c *Client) OnUnauthorized(fn func()) { c.onUnauthorized = fn }

// UserID returns the authenticated user's ID, empty before Authenticate.
func (c *Client) UserID() string { return c.userID }

func (c *Client) authHeader() string {
	return fmt.Sprintf(`MediaBrowser Client=%q, Device=%q, DeviceId=%q, Version=%q`,
		clientName, clientName, c.cfg.DeviceID, clientVersion)
}

// Authenticate exchanges credentials for an access token.
func (c *Client) Authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"Username": c.cfg.Username,
		"Pw":       c.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/Users/AuthenticateByName", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader())
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: auth status %d", ErrRequestFailed, resp.StatusCode)
	}
	var r struct {
		AccessToken string `json:"AccessToken"`
		User        struct {
			ID string `json:"Id"`
		} `json:"User"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if r.AccessToken == "" {
		return errors.New("api: empty access token")
	}
	c.token = r.AccessToken
	c.userID = r.User.ID
	return nil
}

// Get fetches the URL (relative path plus encoded query) and decodes the
// JSON body into out. Concurrent calls for the same URL share one request.
func (c *Client) Get(ctx context.Context, pathAndQuery string, out any) error {
	u := c.cfg.BaseURL + pathAndQuery
	v, err, _ := c.inflight.Do(u, func() (any, error) {
		return c.doWithRetry(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(v.([]byte), out)
}

// Post sends a JSON body. Writes have side effects, so they are never
// deduplicated and never retried past what the caller asks for.
func (c *Client) Post(ctx context.Context, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	_, err := c.doOnce(ctx, http.MethodPost, c.cfg.BaseURL+path, rd)
	return err
}

// GetItemCached returns a single item's raw JSON, memoizing successful
// lookups. Used by enrichment paths that re-request the same artists.
func (c *Client) GetItemCached(ctx context.Context, itemID string) ([]byte, error) {
	if b, ok := c.itemCache.Get(itemID); ok {
		return b, nil
	}
	u := c.cfg.BaseURL + "/Items/" + url.PathEscape(itemID)
	b, err := c.doWithRetry(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.itemCache.Add(itemID, b)
	return b, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, u string, body io.Reader) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.cfg.RetryBackoff
			c.log.Debug("retrying request", slog.String("url", u), slog.Int("attempt", attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}
		b, err := c.doOnce(ctx, method, u, body)
		if err == nil {
			return b, nil
		}
		lastErr = err
		// Rejected credentials and caller-side cancellation are not
		// retryable.
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, u string, body io.Reader) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader())
	if c.token != "" {
		req.Header.Set("X-Emby-Token", c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, u)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.log.Warn("session token rejected", slog.String("url", u))
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	return b, nil
}
