// Package auth implements the control-plane delegated authentication
// client, grounded on the original api/auth.py. Unlike the original's
// module-level global HTTP client with lazy initialization (flagged for
// re-architecture), this client is an explicit value a caller
// constructs once and passes around, with a bounded retry policy applied
// to transient control-plane timeouts, adapted from the exponential
// backoff used to wait for Kubernetes API readiness at manager startup.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/platlog"
)

// Principal identifies the caller an API key resolved to.
type Principal struct {
	UserID string
}

// Backoff configures the retry policy Authenticate applies whenever a
// control-plane call fails: a transport error, a 429 or 5xx status, an
// unexpected status, or an undecodable response. The wait starts at
// Duration and is multiplied by Factor after each attempt, with no
// jitter. Mirrors the five-step, factor-5 backoff used to wait out
// Kubernetes API readiness at process startup.
type Backoff struct {
	Steps    int
	Duration time.Duration
	Factor   float64
}

// DefaultBackoff matches the shape used elsewhere in the corpus for
// waiting out a dependency's transient unavailability.
func DefaultBackoff() Backoff {
	return Backoff{Steps: 5, Duration: 20 * time.Millisecond, Factor: 5.0}
}

// Client validates API keys against an external control-plane service.
type Client struct {
	baseURL     string
	timeout     time.Duration
	httpClient  *http.Client
	backoff     Backoff
	development bool
}

// New builds a Client. When development is true, Authenticate bypasses
// the control plane entirely and always returns a fixed "dev-user"
// principal, matching the ENVIRONMENT=development convenience the
// original provided for local iteration.
func New(baseURL string, timeout time.Duration, development bool) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
		backoff:     DefaultBackoff(),
		development: development,
	}
}

type validateRequest struct {
	APIKey string `json:"api_key"`
	Action string `json:"action"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Authenticate validates a bearer token (the "Bearer " prefix is
// stripped if present) for the given action, returning the resolved
// Principal or an apierr of KindUnauthorized/KindServiceUnavailable.
func (c *Client) Authenticate(ctx context.Context, rawToken, action string) (*Principal, error) {
	if c.development {
		return &Principal{UserID: "dev-user"}, nil
	}

	token := strings.TrimPrefix(rawToken, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apierr.Unauthorized("missing API key")
	}

	var resp *validateResponse
	var lastErr error

	delay := c.backoff.Duration
	for attempt := 0; attempt < c.backoff.Steps; attempt++ {
		resp, lastErr = c.callValidate(ctx, token, action)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			break
		}
		platlog.FromContext(ctx).Warning("control plane call failed, retrying", "attempt", attempt, "error", lastErr.Error())

		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindServiceUnavailable, ctx.Err(), "control plane call canceled")
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * c.backoff.Factor)
	}

	if lastErr != nil {
		return nil, apierr.Retryable(apierr.Wrap(apierr.KindServiceUnavailable, lastErr, "control plane validation failed"))
	}

	if !resp.Valid {
		reason := resp.Reason
		if reason == "" {
			reason = "invalid API key"
		}
		return nil, apierr.Unauthorized("%s", reason)
	}

	return &Principal{UserID: resp.UserID}, nil
}

func (c *Client) callValidate(ctx context.Context, token, action string) (*validateResponse, error) {
	body, err := json.Marshal(validateRequest{APIKey: token, Action: action})
	if err != nil {
		return nil, fmt.Errorf("while encoding control plane request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("while building control plane request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("while calling control plane: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out validateResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("while decoding control plane response: %w", err)
		}
		return &out, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &validateResponse{Valid: false, Reason: "unauthorized"}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("control plane returned status %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("control plane returned unexpected status %d", resp.StatusCode)
	}
}

func isRetryable(err error) bool {
	return err != nil
}
