// Package cloud repoints the cloud-side network bindings (route tables,
// floating IPs, load-balancer pool memberships) at the active member. All
// calls go through the provider's REST API; every write is read-verified
// before it counts as done.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"clusterha-go/pkg/config"
	"clusterha-go/pkg/securestore"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// APIError is a cloud API failure after any retries owed at this level. It
// escalates the reconciler to its Error phase once the updater's retry
// budget is spent.
type APIError struct {
	Op       string
	Resource string
	Status   int
	Err      error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud %s %s failed: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("cloud %s %s failed: status %d", e.Op, e.Resource, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// PermissionError is a 401/403 from the cloud API. Retrying cannot fix a
// credential problem, so it is never retried.
type PermissionError struct {
	Resource string
	Status   int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cloud permission denied on %s: status %d", e.Resource, e.Status)
}

// Client is a thin REST client for the cloud control plane. Requests pass
// through a rate limiter and a circuit breaker so a flapping control plane
// is not hammered during an outage.
type Client struct {
	endpoint string
	cred     *securestore.Secret
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewClient creates a client for the configured cloud API endpoint.
func NewClient(cfg *config.CloudConfig, logger zerolog.Logger) *Client {
	return &Client{
		endpoint: cfg.APIEndpoint,
		cred:     cfg.Credential,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "cloud-api",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 8
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  logger.With().Str("component", "cloud").Logger(),
	}
}

// Get reads the resource into out.
func (c *Client) Get(ctx context.Context, resourceID string, out interface{}) error {
	body, err := c.do(ctx, http.MethodGet, resourceID, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Op: "decode", Resource: resourceID, Err: err}
	}
	return nil
}

// Put writes the resource.
func (c *Client) Put(ctx context.Context, resourceID string, in interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &APIError{Op: "encode", Resource: resourceID, Err: err}
	}
	_, err = c.do(ctx, http.MethodPut, resourceID, payload)
	return err
}

func (c *Client) do(ctx context.Context, method, resourceID string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{Op: method, Resource: resourceID, Err: err}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+resourceID, bytes.NewReader(payload))
		if err != nil {
			return nil, &APIError{Op: method, Resource: resourceID, Err: err}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if err := c.cred.Access(func(token []byte) error {
			if len(token) > 0 {
				req.Header.Set("Authorization", "Bearer "+string(token))
			}
			return nil
		}); err != nil {
			return nil, &APIError{Op: method, Resource: resourceID, Err: fmt.Errorf("failed to access credential: %w", err)}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &APIError{Op: method, Resource: resourceID, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &APIError{Op: method, Resource: resourceID, Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &PermissionError{Resource: resourceID, Status: resp.StatusCode}
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, &APIError{Op: method, Resource: resourceID, Status: resp.StatusCode}
		}
		return body, nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("resource", resourceID).Msg("Cloud API call failed")
		switch err.(type) {
		case *APIError, *PermissionError:
			return nil, err
		default:
			// Breaker-open and similar wrapper errors.
			return nil, &APIError{Op: method, Resource: resourceID, Err: err}
		}
	}
	return res.([]byte), nil
}
