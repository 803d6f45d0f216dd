package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNotFound maps 404/405 responses: the resource is absent and retrying
// will not change that. Callers usually treat this as "nothing there".
var ErrNotFound = errors.New("not found")

// ErrAmbiguous marks a retry-unsafe call whose outcome is unknown: the
// request may or may not have reached the gateway. Order submission callers
// must probe by external reference before assuming either way.
var ErrAmbiguous = errors.New("request outcome unknown")

// apiRequest is one gateway call plus its retry classification.
type apiRequest struct {
	method string
	path   string
	query  url.Values
	body   any
	result any

	// priceRequest selects the short-timeout client and caps retries at 2
	// attempts with no extra backoff; a stale quote is worse than no quote.
	priceRequest bool

	// retrySafe=false disables all retries on transport errors and 5xx:
	// used for POST /trade/v2/orders where a blind retry could double-fill.
	retrySafe bool
}

const maxAttempts = 3

// maxRateLimitWaits bounds how many Retry-After pauses one call absorbs; a
// persistently rate-limiting endpoint must fail, not spin until shutdown.
const maxRateLimitWaits = 3

// do executes one gateway request under the standard retry policy:
//
//	401      → one token refresh (full re-authorize if refresh fails), retry;
//	           a second 401 is reported as-is
//	429      → honor Retry-After, does not consume an attempt budget slot;
//	           at most maxRateLimitWaits pauses per call
//	5xx      → exponential backoff 1s, 2s, 4s (retry-safe only)
//	404/405  → ErrNotFound immediately, never retried
//	transport → linear backoff (retry-safe only), ErrAmbiguous otherwise
func (c *Client) do(ctx context.Context, req apiRequest) error {
	httpc := c.http
	attempts := maxAttempts
	if req.priceRequest {
		httpc = c.priceHTTP
		attempts = 2
	}
	if !req.retrySafe {
		attempts = 1
	}

	reauthorized := false
	rateLimited := 0
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			if req.priceRequest {
				wait = 0
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		resp, err := c.execute(ctx, httpc, req)
		if err != nil {
			if !req.retrySafe {
				return fmt.Errorf("%w: %s %s: %v", ErrAmbiguous, req.method, req.path, err)
			}
			lastErr = fmt.Errorf("%s %s: %w", req.method, req.path, err)
			continue
		}

		switch code := resp.StatusCode(); {
		case code >= 200 && code < 300:
			return nil

		case code == http.StatusNotFound || code == http.StatusMethodNotAllowed:
			return fmt.Errorf("%w: %s %s: status %d", ErrNotFound, req.method, req.path, code)

		case code == http.StatusUnauthorized:
			if reauthorized {
				return fmt.Errorf("%s %s: unauthorized after re-authentication", req.method, req.path)
			}
			reauthorized = true
			if err := c.RefreshAccessToken(ctx); err != nil {
				c.logger.Warn("token refresh failed on 401, re-running authorization flow", "error", err)
				if err := c.runAuthorizationFlow(ctx); err != nil {
					return fmt.Errorf("%s %s: re-authentication failed: %w", req.method, req.path, err)
				}
			}
			attempt-- // the auth round-trip does not consume the budget

		case code == http.StatusTooManyRequests:
			rateLimited++
			if rateLimited > maxRateLimitWaits {
				return fmt.Errorf("%s %s: still rate limited after %d waits", req.method, req.path, maxRateLimitWaits)
			}
			wait := retryAfter(resp)
			c.logger.Warn("rate limited", "path", req.path, "retry_after", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			attempt--

		case code >= 500:
			lastErr = fmt.Errorf("%s %s: status %d: %s", req.method, req.path, code, truncate(resp.String(), 200))
			if !req.retrySafe {
				return fmt.Errorf("%w: %v", ErrAmbiguous, lastErr)
			}

		default:
			return fmt.Errorf("%s %s: status %d: %s", req.method, req.path, code, truncate(resp.String(), 200))
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (c *Client) execute(ctx context.Context, httpc *resty.Client, req apiRequest) (*resty.Response, error) {
	r := httpc.R().
		SetContext(ctx).
		SetAuthToken(c.session.AccessToken())
	if len(req.query) > 0 {
		r.SetQueryParamsFromValues(req.query)
	}
	if req.body != nil {
		r.SetBody(req.body)
	}
	if req.result != nil {
		r.SetResult(req.result)
	}
	return r.Execute(req.method, req.path)
}

func retryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
