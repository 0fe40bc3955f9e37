// Package upstream talks to allow-listed upstream registries. It is used to
// validate that declared dependencies exist somewhere resolvable and to
// serve trusted re-exports.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

var (
	ErrNotFound     = errors.New("crate not found upstream")
	ErrUpstreamDown = errors.New("upstream registry unavailable")
)

// Client queries upstream registries with retry, per-registry circuit
// breaking and cached DNS resolution.
type Client struct {
	client *http.Client
	// registries maps a registry name to its API base URL.
	registries map[string]string
	userAgent  string

	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Client) {
		u.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(u *Client) {
		u.userAgent = ua
	}
}

// NewClient creates a client over the given name → API base URL allow-list.
func NewClient(registries map[string]string, timeout time.Duration, opts ...Option) *Client {
	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var dialer net.Dialer
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConnsPerHost: 4,
	}

	c := &Client{
		client:     &http.Client{Timeout: timeout, Transport: transport},
		registries: registries,
		userAgent:  "cratery",
		breakers:   make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasRegistry reports whether the named registry is allow-listed.
func (c *Client) HasRegistry(name string) bool {
	_, ok := c.registries[name]
	return ok
}

func (c *Client) getBreaker(registry string) *circuit.Breaker {
	c.mu.RLock()
	breaker, exists := c.breakers[registry]
	c.mu.RUnlock()
	if exists {
		return breaker
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if breaker, exists := c.breakers[registry]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	c.breakers[registry] = breaker
	return breaker
}

// CrateExists checks whether a crate exists in the named registry.
func (c *Client) CrateExists(ctx context.Context, registry, name string) (bool, error) {
	base, ok := c.registries[registry]
	if !ok {
		return false, fmt.Errorf("unknown upstream registry %q", registry)
	}

	endpoint, err := url.JoinPath(base, "api", "v1", "crates", name)
	if err != nil {
		return false, fmt.Errorf("failed to build upstream url: %w", err)
	}

	var exists bool
	breaker := c.getBreaker(registry)
	err = breaker.CallContext(ctx, func() error {
		var callErr error
		exists, callErr = c.head(ctx, endpoint)
		if errors.Is(callErr, ErrNotFound) {
			// A clean miss is a valid answer, not a breaker failure.
			exists = false
			return nil
		}
		return callErr
	}, 0)
	if err != nil {
		if errors.Is(err, circuit.ErrBreakerOpen) {
			return false, fmt.Errorf("%w: %s", ErrUpstreamDown, registry)
		}
		return false, err
	}
	return exists, nil
}

// HasCrate reports whether any allow-listed registry knows the crate.
func (c *Client) HasCrate(ctx context.Context, name string) (bool, error) {
	var lastErr error
	for registry := range c.registries {
		ok, err := c.CrateExists(ctx, registry, name)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, lastErr
}

// IndexFile fetches a package's sparse-index file from the named registry,
// used to serve trusted re-exports. shardPath is the sharded relative path
// of the package.
func (c *Client) IndexFile(ctx context.Context, registry, shardPath string) ([]byte, error) {
	base, ok := c.registries[registry]
	if !ok {
		return nil, fmt.Errorf("unknown upstream registry %q", registry)
	}
	endpoint, err := url.JoinPath(base, "index", shardPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upstream index: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream index: %w", err)
		}
		return raw, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
}

// DownloadCrate streams a crate tarball from the named registry, used for
// trusted re-exports.
func (c *Client) DownloadCrate(ctx context.Context, registry, name, version string) (io.ReadCloser, error) {
	base, ok := c.registries[registry]
	if !ok {
		return nil, fmt.Errorf("unknown upstream registry %q", registry)
	}
	endpoint, err := url.JoinPath(base, "api", "v1", "crates", name, version, "download")
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upstream crate: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
}

// head issues a GET and reports existence; retried with exponential backoff
// on transient failures.
func (c *Client) head(ctx context.Context, endpoint string) (bool, error) {
	var exists bool
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode == http.StatusOK:
			exists = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("upstream returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("upstream returned status %d", resp.StatusCode))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return false, err
	}
	return exists, nil
}
