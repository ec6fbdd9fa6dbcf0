// Package authprovider exchanges the application's bearer credential for a
// chat protocol single-sign-on login token.
package authprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"chatcore/server/common/auth"
)

const DefaultTokenPath = "/api/v1/auth/chat-token"

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
	maxResponseBytes        = 1 << 20
)

var (
	// ErrInvalidTokenResponse means the provider answered but the body is not
	// a JSON object with a string token.
	ErrInvalidTokenResponse = errors.New("auth provider returned an invalid token response")
	// ErrExchangeTransport covers network failures, timeouts and 5xx answers.
	ErrExchangeTransport = errors.New("auth provider request failed")
	// ErrExchangeRejected means the provider refused the credential.
	ErrExchangeRejected = errors.New("auth provider rejected the credential")
)

type Options struct {
	Endpoints        []string
	TokenPath        string
	Timeout          time.Duration
	FailThreshold    int
	EndpointCooldown time.Duration
	HTTPClient       *http.Client
}

type cachedToken struct {
	bearer    string
	token     string
	expiresAt time.Time
}

type Client struct {
	endpoints []string
	tokenPath string
	timeout   time.Duration
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
	cached     *cachedToken

	group singleflight.Group
}

func NewClient(opts Options) *Client {
	normalized := normalizeEndpoints(opts.Endpoints)
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = defaultFailThreshold
	}
	if opts.EndpointCooldown <= 0 {
		opts.EndpointCooldown = defaultEndpointCooldown
	}
	path := strings.TrimSpace(opts.TokenPath)
	if path == "" {
		path = DefaultTokenPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		endpoints:        normalized,
		tokenPath:        path,
		timeout:          opts.Timeout,
		http:             httpClient,
		failThreshold:    opts.FailThreshold,
		endpointCooldown: opts.EndpointCooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

// ExchangeToken returns the login token for bearer, reusing the most recent
// exchange while bearer is unchanged and unexpired.
func (c *Client) ExchangeToken(ctx context.Context, bearer string) (string, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return "", fmt.Errorf("%w: empty credential", ErrExchangeRejected)
	}
	if token, ok := c.lookup(bearer, time.Now()); ok {
		return token, nil
	}
	v, err, _ := c.group.Do(bearer, func() (any, error) {
		if token, ok := c.lookup(bearer, time.Now()); ok {
			return token, nil
		}
		token, err := c.exchange(ctx, bearer)
		if err != nil {
			return "", err
		}
		c.store(bearer, token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Clear forgets the cached exchange.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func (c *Client) lookup(bearer string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil || c.cached.bearer != bearer {
		return "", false
	}
	if !c.cached.expiresAt.IsZero() && !now.Before(c.cached.expiresAt) {
		c.cached = nil
		return "", false
	}
	return c.cached.token, true
}

func (c *Client) store(bearer, token string) {
	entry := &cachedToken{bearer: bearer, token: token}
	if exp, ok := auth.ExpiresAt(bearer); ok {
		if !exp.After(time.Now()) {
			return
		}
		entry.expiresAt = exp
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = entry
}

func (c *Client) exchange(ctx context.Context, bearer string) (string, error) {
	if len(c.endpoints) == 0 {
		return "", fmt.Errorf("%w: auth provider endpoint is not configured", ErrExchangeTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+c.tokenPath, nil)
		if reqErr != nil {
			lastErr = fmt.Errorf("%w: endpoint=%s: %v", ErrExchangeTransport, endpoint, reqErr)
			c.onFailure(endpoint, time.Now())
			continue
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("%w: endpoint=%s: %v", ErrExchangeTransport, endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d endpoint=%s", ErrExchangeTransport, resp.StatusCode, endpoint)
			c.onFailure(endpoint, time.Now())
			continue
		case resp.StatusCode >= 300:
			return "", fmt.Errorf("%w: status %d endpoint=%s", ErrExchangeRejected, resp.StatusCode, endpoint)
		case readErr != nil:
			lastErr = fmt.Errorf("%w: endpoint=%s: %v", ErrExchangeTransport, endpoint, readErr)
			c.onFailure(endpoint, time.Now())
			continue
		}
		c.onSuccess(endpoint)
		return parseTokenResponse(body)
	}

	if lastErr == nil {
		return "", fmt.Errorf("%w: every endpoint is cooling down", ErrExchangeTransport)
	}
	return "", lastErr
}

func parseTokenResponse(body []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: expected an object, got %T", ErrInvalidTokenResponse, decoded)
	}
	token, ok := object["token"].(string)
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: token field missing or not a string", ErrInvalidTokenResponse)
	}
	return token, nil
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
