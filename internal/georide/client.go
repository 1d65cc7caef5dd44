// Package georide talks to the GeoRide tracker API: trips, raw positions and
// token renewal, plus a short-lived positions cache in front of the client.
package georide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/georide-trips/tripmap/internal/storage"
)

const (
	// DefaultBaseURL is the public GeoRide API.
	DefaultBaseURL = "https://api.georide.com"

	// defaultTimeout bounds a single upstream call.
	defaultTimeout = 10 * time.Second

	// httpMaxIdleConns is the maximum number of idle (keep-alive) connections
	// kept in the transport pool.
	httpMaxIdleConns = 10

	// httpIdleConnTimeout is how long an idle connection is kept in the pool
	// before being closed.
	httpIdleConnTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is kept in UpstreamError.
	maxErrorBody = 512
)

// queryTimeFormat is the ISO 8601 layout the API expects for from/to.
const queryTimeFormat = "2006-01-02T15:04:05.000Z"

// UpstreamError reports a failed call to the GeoRide API. StatusCode is 0
// when no HTTP response was received (network failure or timeout).
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("georide: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("georide: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Logger is a printf-style log function.
type Logger func(format string, args ...any)

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client is a GeoRide API client authenticated with a bearer token.
type Client struct {
	baseURL    string
	userAgent  string
	tokens     TokenSource
	httpClient *http.Client
	logf       Logger
}

// ClientOption configures optional Client behaviour.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for skipped records.
func WithClientLogger(l Logger) ClientOption {
	return func(c *Client) { c.logf = l }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client. tokens may be nil for unauthenticated calls.
func NewClient(cfg Config, tokens TokenSource, opts ...ClientOption) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        httpMaxIdleConns,
		MaxIdleConnsPerHost: httpMaxIdleConns,
		IdleConnTimeout:     httpIdleConnTimeout,
	}
	c := &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		tokens:    tokens,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logf: func(string, ...any) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListTrips returns the trips of trackerID recorded between from and to.
// Records that cannot be normalized are logged and skipped.
func (c *Client) ListTrips(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Trip, error) {
	body, err := c.get(ctx, "ListTrips", tripsPath(trackerID, ""), windowQuery(from, to))
	if err != nil {
		return nil, err
	}

	items, err := decodeList(body, "trips")
	if err != nil {
		return nil, &UpstreamError{Op: "ListTrips", StatusCode: http.StatusOK, Body: "malformed body", Err: err}
	}

	trips := make([]storage.Trip, 0, len(items))
	for i, raw := range items {
		t, err := normalizeTrip(raw, trackerID)
		if err != nil {
			c.logf("georide: ListTrips: skipping trip #%d: %v", i, err)
			continue
		}
		trips = append(trips, t)
	}
	return trips, nil
}

// ListPositions returns every raw position of trackerID between from and to,
// in upstream order.
func (c *Client) ListPositions(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Position, error) {
	body, err := c.get(ctx, "ListPositions", tripsPath(trackerID, "/positions"), windowQuery(from, to))
	if err != nil {
		return nil, err
	}

	items, err := decodeList(body, "positions")
	if err != nil {
		return nil, &UpstreamError{Op: "ListPositions", StatusCode: http.StatusOK, Body: "malformed body", Err: err}
	}

	positions := make([]storage.Position, 0, len(items))
	for i, raw := range items {
		p, err := normalizePosition(raw)
		if err != nil {
			c.logf("georide: ListPositions: skipping position #%d: %v", i, err)
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// NewToken exchanges the current token for a fresh one.
func (c *Client) NewToken(ctx context.Context, current string) (string, error) {
	body, err := c.do(ctx, "NewToken", "/user/new-token", nil, current)
	if err != nil {
		return "", err
	}

	var resp newTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &UpstreamError{Op: "NewToken", StatusCode: http.StatusOK, Body: "malformed body", Err: err}
	}
	if resp.AuthToken == "" {
		return "", &UpstreamError{Op: "NewToken", StatusCode: http.StatusOK, Body: "no authToken in response",
			Err: errors.New("empty token")}
	}
	return resp.AuthToken, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, &UpstreamError{Op: op, Err: fmt.Errorf("token: %w", err)}
		}
		token = t
	}
	return c.do(ctx, op, path, q, token)
}

func (c *Client) do(ctx context.Context, op, path string, q url.Values, token string) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: snippet,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return body, nil
}

func tripsPath(trackerID int64, suffix string) string {
	return "/tracker/" + strconv.FormatInt(trackerID, 10) + "/trips" + suffix
}

func windowQuery(from, to time.Time) url.Values {
	return url.Values{
		"from": {from.UTC().Format(queryTimeFormat)},
		"to":   {to.UTC().Format(queryTimeFormat)},
	}
}

type newTokenResponse struct {
	AuthToken string `json:"authToken"`
}
