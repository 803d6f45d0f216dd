// Package broker implements the Saxo OpenAPI REST client and session
// management for the trade execution engine.
//
// The client (Client) talks to the OpenAPI gateway for account, price, order
// and position management, and owns the OAuth session:
//   - Authenticate:        code+PKCE flow via an AuthorizationCodeProvider
//   - RefreshAccessToken:  mutex-guarded refresh with linear backoff
//   - ValidateToken:       GET /port/v1/clients/me liveness probe
//
// auth.go holds the OAuth side: PKCE material, the localhost callback
// server for the redirect, token exchange and refresh, and the periodic
// refresher that re-authorizes the streaming context after each refresh.
package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// AuthorizationCodeProvider turns an authorization URL into an authorization
// code. Implementations range from "open a browser and wait for the localhost
// callback" to fully scripted logins; the client does not care which.
type AuthorizationCodeProvider interface {
	AuthorizationCode(ctx context.Context, authURL string) (string, error)
}

// pkcePair is the per-process PKCE verifier/challenge used for every
// authorization-code exchange.
type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCEPair() pkcePair {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("pkce entropy: %v", err))
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return pkcePair{
		verifier:  verifier,
		challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}
}

// tokenResponse is the /token endpoint payload for both grant types.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Authenticate establishes a working session. An existing access token that
// still validates against /port/v1/clients/me is reused; otherwise the full
// authorization-code flow runs through the configured code provider.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.session.AccessToken() != "" && c.ValidateToken(ctx) {
		c.logger.Info("existing access token is valid, reusing session")
		return nil
	}
	return c.runAuthorizationFlow(ctx)
}

func (c *Client) runAuthorizationFlow(ctx context.Context) error {
	state := uuid.NewString()
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.oauth.ClientID},
		"redirect_uri":          {c.oauth.RedirectURI},
		"code_challenge":        {c.pkce.challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"openid TradeAccess ReadTrading ReadAccount"},
		"state":                 {state},
	}
	authURL := c.oauth.AuthEndpoint + "?" + params.Encode()

	c.logger.Info("starting authorization-code flow")
	c.expectedState.Store(state)

	code, err := c.codeProvider.AuthorizationCode(ctx, authURL)
	if err != nil {
		return fmt.Errorf("authorization code: %w", err)
	}
	if err := c.exchangeCodeForToken(ctx, code); err != nil {
		return err
	}
	return c.FetchAccountKeys(ctx)
}

// exchangeCodeForToken trades the authorization code for a token pair.
// The token endpoint authenticates with HTTP Basic client credentials.
func (c *Client) exchangeCodeForToken(ctx context.Context, code string) error {
	var tok tokenResponse
	resp, err := c.tokenHTTP.R().
		SetContext(ctx).
		SetBasicAuth(c.oauth.ClientID, c.oauth.ClientSecret).
		SetFormData(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  c.oauth.RedirectURI,
			"client_id":     c.oauth.ClientID,
			"code_verifier": c.pkce.verifier,
		}).
		SetResult(&tok).
		Post(c.oauth.TokenEndpoint)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("token exchange: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token exchange: empty access token")
	}

	c.session.SetTokens(tok.AccessToken, tok.RefreshToken)
	c.logger.Info("access token acquired")
	return nil
}

// ErrRefreshUnauthorized marks a refresh rejected with 401: the refresh token
// is dead and only a full re-authorization can recover the session.
var ErrRefreshUnauthorized = fmt.Errorf("refresh token rejected")

// RefreshAccessToken refreshes the token pair with up to 3 attempts and
// linear backoff (5s, 10s). Concurrent callers serialize on the refresh
// mutex; the streaming context id survives a successful refresh untouched.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	refreshToken := c.session.RefreshToken()
	if refreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * 5 * time.Second
			c.logger.Info("retrying token refresh", "attempt", attempt+1, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		var tok tokenResponse
		resp, err := c.tokenHTTP.R().
			SetContext(ctx).
			SetBasicAuth(c.oauth.ClientID, c.oauth.ClientSecret).
			SetFormData(map[string]string{
				"grant_type":    "refresh_token",
				"refresh_token": refreshToken,
				"client_id":     c.oauth.ClientID,
			}).
			SetResult(&tok).
			Post(c.oauth.TokenEndpoint)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			c.logger.Error("refresh token rejected, full re-authorization required")
			return ErrRefreshUnauthorized
		}
		if resp.StatusCode() != http.StatusOK || tok.AccessToken == "" {
			lastErr = fmt.Errorf("token refresh: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
			continue
		}

		newRefresh := refreshToken
		if tok.RefreshToken != "" {
			newRefresh = tok.RefreshToken
		}
		c.session.SetTokens(tok.AccessToken, newRefresh)
		c.logger.Info("access token refreshed")
		return nil
	}
	return fmt.Errorf("token refresh failed after 3 attempts: %w", lastErr)
}

// RunTokenRefresher refreshes the access token every interval and
// re-authorizes the streaming context on success. Blocks until ctx is done.
func (c *Client) RunTokenRefresher(ctx context.Context, interval time.Duration, onRefresh func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.RefreshAccessToken(ctx); err != nil {
			c.logger.Warn("periodic token refresh failed", "error", err)
			continue
		}
		if onRefresh != nil {
			onRefresh()
		}
		if err := c.AuthorizeStreamingContext(ctx); err != nil {
			c.logger.Warn("streaming re-authorization failed", "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Localhost callback provider
// ————————————————————————————————————————————————————————————————————————

// CallbackProvider serves the OAuth redirect on localhost and hands the
// received code back to the client. The operator (or an external automation
// tool) is expected to complete the login in a browser; OpenURL is invoked
// with the authorization URL when the flow starts.
type CallbackProvider struct {
	RedirectURI string
	Timeout     time.Duration
	OpenURL     func(url string) error // nil = log only
	State       func() string          // expected state for CSRF validation
	Logger      *slog.Logger
}

type callbackResult struct {
	code string
	err  error
}

// AuthorizationCode blocks until the redirect arrives or the timeout fires.
func (p *CallbackProvider) AuthorizationCode(ctx context.Context, authURL string) (string, error) {
	parsed, err := url.Parse(p.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("redirect uri: %w", err)
	}
	host := parsed.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return "", fmt.Errorf("redirect uri host must be localhost, got %q", host)
	}
	port := parsed.Port()
	if port == "" {
		port = "80"
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	var once sync.Once
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			w.WriteHeader(http.StatusBadRequest)
			once.Do(func() { resultCh <- callbackResult{err: fmt.Errorf("oauth error: %s", errParam)} })
			return
		}
		if p.State != nil && q.Get("state") != p.State() {
			w.WriteHeader(http.StatusBadRequest)
			once.Do(func() { resultCh <- callbackResult{err: fmt.Errorf("oauth state mismatch")} })
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Authentication complete. You can close this window.</body></html>")
		once.Do(func() { resultCh <- callbackResult{code: q.Get("code")} })
	})

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return "", fmt.Errorf("callback listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	if p.OpenURL != nil {
		if err := p.OpenURL(authURL); err != nil && p.Logger != nil {
			p.Logger.Warn("could not open browser, visit the URL manually", "error", err)
		}
	}
	if p.Logger != nil {
		p.Logger.Info("waiting for OAuth callback", "redirect_uri", p.RedirectURI)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("oauth callback timed out after %s", timeout)
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		if res.code == "" {
			return "", fmt.Errorf("oauth callback carried no code")
		}
		return res.code, nil
	}
}

// StaticCodeProvider returns a pre-seeded code. Test helper.
type StaticCodeProvider string

func (s StaticCodeProvider) AuthorizationCode(context.Context, string) (string, error) {
	return string(s), nil
}

func newTokenHTTPClient() *resty.Client {
	return resty.New().
		SetTimeout(20 * time.Second).
		SetHeader("Accept", "application/json")
}
