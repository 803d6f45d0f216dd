package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"saxo-fx-bot/internal/config"
	"saxo-fx-bot/pkg/types"
)

// Session holds the mutable broker-side identity of this process: the token
// pair, the trading account, and the streaming context. All access goes
// through the accessor methods; fields are guarded by one RWMutex.
type Session struct {
	mu              sync.RWMutex
	accessToken     string
	refreshToken    string
	accountKey      string
	clientKey       string
	contextID       string
	subscriptionRef string
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

// SetTokens swaps in a new token pair. The streaming context id is
// deliberately untouched: after a refresh the existing ENS context is
// re-authorized, not replaced.
func (s *Session) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = access
	s.refreshToken = refresh
}

func (s *Session) AccountKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountKey
}

func (s *Session) ClientKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientKey
}

func (s *Session) SetAccount(accountKey, clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountKey = accountKey
	s.clientKey = clientKey
}

func (s *Session) ContextID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextID
}

func (s *Session) SubscriptionRef() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptionRef
}

func (s *Session) SetStreaming(contextID, subscriptionRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextID = contextID
	s.subscriptionRef = subscriptionRef
}

// Client is the Saxo OpenAPI gateway client.
type Client struct {
	http      *resty.Client // standard gateway calls
	priceHTTP *resty.Client // price requests, short read timeout
	tokenHTTP *resty.Client // token endpoint

	oauth        config.OAuthConfig
	api          config.APIConfig
	session      *Session
	codeProvider AuthorizationCodeProvider
	pkce         pkcePair

	refreshMu     sync.Mutex
	expectedState atomic.Value // string

	// streamingAuthDisabled is set after a 404 from /streamingws/authorize:
	// the environment does not support context re-authorization.
	streamingAuthDisabled atomic.Bool

	// memoized TP/SL order ids per uic, recorded at bracket placement and
	// consumed by the two-phase cancel at exit time.
	bracketMu    sync.Mutex
	bracketByUIC map[int][]string

	logger *slog.Logger
}

// New builds a Client against the configured environment. The code provider
// supplies authorization codes when the full OAuth flow is needed; pass nil
// to get the localhost callback provider.
func New(cfg *config.Config, provider AuthorizationCodeProvider, logger *slog.Logger) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.API.BaseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json"),
		priceHTTP: resty.New().
			SetBaseURL(cfg.API.BaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Accept", "application/json"),
		tokenHTTP:    newTokenHTTPClient(),
		oauth:        cfg.OAuth,
		api:          cfg.API,
		session:      &Session{},
		pkce:         newPKCEPair(),
		bracketByUIC: make(map[int][]string),
		logger:       logger.With("component", "broker"),
	}
	if provider == nil {
		provider = &CallbackProvider{
			RedirectURI: cfg.OAuth.RedirectURI,
			Timeout:     cfg.OAuth.CallbackTimeout,
			State:       func() string { s, _ := c.expectedState.Load().(string); return s },
			Logger:      c.logger,
		}
	}
	c.codeProvider = provider
	if !cfg.OAuth.StreamingAuthorize {
		c.streamingAuthDisabled.Store(true)
	}
	return c
}

// Session exposes the live session for the stream layer.
func (c *Client) Session() *Session { return c.session }

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// ValidateToken probes the access token against /port/v1/clients/me.
// Used both as a startup check and as the pre-entry token ping.
func (c *Client) ValidateToken(ctx context.Context) bool {
	var out struct {
		ClientKey string `json:"ClientKey"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.session.AccessToken()).
		SetResult(&out).
		Get("/port/v1/clients/me")
	if err != nil {
		c.logger.Warn("token validation request failed", "error", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK && out.ClientKey != ""
}

type accountEntry struct {
	AccountKey      string   `json:"AccountKey"`
	ClientKey       string   `json:"ClientKey"`
	AccountType     string   `json:"AccountType"`
	Active          bool     `json:"Active"`
	LegalAssetTypes []string `json:"LegalAssetTypes"`
}

// FetchAccountKeys resolves the trading account: the first active account
// that may trade FxSpot. Cash-only accounts are skipped.
func (c *Client) FetchAccountKeys(ctx context.Context) error {
	var out struct {
		Data []accountEntry `json:"Data"`
	}
	if err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		path:      "/port/v1/accounts/me",
		result:    &out,
		retrySafe: true,
	}); err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	for _, acc := range out.Data {
		if !acc.Active || acc.AccountType == "SaxoCash" {
			continue
		}
		for _, at := range acc.LegalAssetTypes {
			if at == "FxSpot" {
				c.session.SetAccount(acc.AccountKey, acc.ClientKey)
				c.logger.Info("trading account resolved", "account_key", acc.AccountKey)
				return nil
			}
		}
	}
	return fmt.Errorf("no active FxSpot-capable account found among %d accounts", len(out.Data))
}

// AccountBalance is the subset of /port/v1/balances/me used in notifications.
type AccountBalance struct {
	CashBalance               decimal.Decimal `json:"CashBalance"`
	Currency                  string          `json:"Currency"`
	MarginAvailableForTrading decimal.Decimal `json:"MarginAvailableForTrading"`
	TotalValue                decimal.Decimal `json:"TotalValue"`
	UnrealizedPositionsValue  decimal.Decimal `json:"UnrealizedPositionsValue"`
}

// FetchAccountBalance reads the account balance for the startup report and
// the end-of-day summary.
func (c *Client) FetchAccountBalance(ctx context.Context) (*AccountBalance, error) {
	var out AccountBalance
	q := url.Values{
		"AccountKey": {c.session.AccountKey()},
		"ClientKey":  {c.session.ClientKey()},
	}
	if err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		path:      "/port/v1/balances",
		query:     q,
		result:    &out,
		retrySafe: true,
	}); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	return &out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Instruments and prices
// ————————————————————————————————————————————————————————————————————————

// LookupInstrument resolves a normalized pair ("EUR/USD") to its uic and
// asset type via /ref/v1/instruments.
func (c *Client) LookupInstrument(ctx context.Context, pair string) (*types.InstrumentInfo, error) {
	symbol := strings.ReplaceAll(pair, "/", "")
	var out struct {
		Data []types.Instrument `json:"Data"`
	}
	q := url.Values{
		"Keywords":   {symbol},
		"AssetTypes": {"FxSpot"},
	}
	err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		path:      "/ref/v1/instruments",
		query:     q,
		result:    &out,
		retrySafe: true,
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("instrument lookup %s: %w", pair, err)
	}
	for _, inst := range out.Data {
		if strings.EqualFold(strings.ReplaceAll(inst.Symbol, "/", ""), symbol) {
			return &types.InstrumentInfo{
				UIC:       inst.Identifier,
				AssetType: inst.AssetType,
				Symbol:    inst.Symbol,
				Decimals:  inst.Format.Decimals,
			}, nil
		}
	}
	return nil, nil
}

// FetchPriceInfos reads bid/ask and display decimals for a set of uics in
// one /trade/v1/infoprices/list call. Uics with no usable quote are absent
// from the result map.
func (c *Client) FetchPriceInfos(ctx context.Context, uics []int) (map[int]types.PriceSnapshot, error) {
	if len(uics) == 0 {
		return map[int]types.PriceSnapshot{}, nil
	}
	strs := make([]string, len(uics))
	for i, u := range uics {
		strs[i] = strconv.Itoa(u)
	}
	var out struct {
		Data []types.PriceInfo `json:"Data"`
	}
	q := url.Values{
		"Uics":        {strings.Join(strs, ",")},
		"AssetType":   {"FxSpot"},
		"AccountKey":  {c.session.AccountKey()},
		"FieldGroups": {"Quote,DisplayAndFormat"},
	}
	if err := c.do(ctx, apiRequest{
		method:       http.MethodGet,
		path:         "/trade/v1/infoprices/list",
		query:        q,
		result:       &out,
		priceRequest: true,
		retrySafe:    true,
	}); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	snaps := make(map[int]types.PriceSnapshot, len(out.Data))
	for _, pi := range out.Data {
		if pi.Quote.Bid == nil || pi.Quote.Ask == nil {
			continue
		}
		decimals := 5
		if pi.DisplayAndFormat != nil && pi.DisplayAndFormat.Decimals > 0 {
			decimals = pi.DisplayAndFormat.Decimals
		}
		snaps[pi.UIC] = types.PriceSnapshot{
			Bid:      decimal.NewFromFloat(*pi.Quote.Bid),
			Ask:      decimal.NewFromFloat(*pi.Quote.Ask),
			Decimals: decimals,
		}
	}
	return snaps, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type positionRow struct {
	PositionID   string `json:"PositionId"`
	PositionBase struct {
		UIC               int             `json:"Uic"`
		Amount            decimal.Decimal `json:"Amount"`
		OpenPrice         decimal.Decimal `json:"OpenPrice"`
		SourceOrderID     string          `json:"SourceOrderId"`
		ExecutionTimeOpen string          `json:"ExecutionTimeOpen"`
		Status            string          `json:"Status"`
	} `json:"PositionBase"`
}

func (r positionRow) details() *types.PositionDetails {
	return &types.PositionDetails{
		PositionID:    r.PositionID,
		OpenPrice:     r.PositionBase.OpenPrice,
		Amount:        r.PositionBase.Amount,
		SourceOrderID: r.PositionBase.SourceOrderID,
		ExecutionTime: r.PositionBase.ExecutionTimeOpen,
	}
}

func (c *Client) listPositions(ctx context.Context) ([]positionRow, error) {
	var out struct {
		Data []positionRow `json:"Data"`
	}
	q := url.Values{
		"ClientKey":   {c.session.ClientKey()},
		"AccountKey":  {c.session.AccountKey()},
		"FieldGroups": {"PositionBase"},
	}
	err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		path:      "/port/v1/positions",
		query:     q,
		result:    &out,
		retrySafe: true,
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return out.Data, nil
}

// PositionByOrderID finds the open position created by a given order.
// Returns nil when no such position exists.
func (c *Client) PositionByOrderID(ctx context.Context, orderID string) (*types.PositionDetails, error) {
	rows, err := c.listPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.PositionBase.SourceOrderID == orderID && !r.PositionBase.Amount.IsZero() {
			return r.details(), nil
		}
	}
	return nil, nil
}

// PositionByUIC finds the open position on an instrument, if any.
func (c *Client) PositionByUIC(ctx context.Context, uic int) (*types.PositionDetails, error) {
	rows, err := c.listPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.PositionBase.UIC == uic && !r.PositionBase.Amount.IsZero() {
			return r.details(), nil
		}
	}
	return nil, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order audit fallback
// ————————————————————————————————————————————————————————————————————————

// AuditFill is the fill evidence recovered from the order audit trail.
type AuditFill struct {
	Status       string
	AveragePrice decimal.NullDecimal
	Amount       decimal.NullDecimal
	ActivityTime string
}

// CheckOrderStatusViaAudit polls /cs/v1/audit/orderactivities for fill
// evidence when the ENS confirmation never arrived: up to 3 reads, 5s apart.
// Returns nil when no fill activity is found.
func (c *Client) CheckOrderStatusViaAudit(ctx context.Context, orderID string) (*AuditFill, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}

		var out struct {
			Data []struct {
				Status       string           `json:"Status"`
				SubStatus    string           `json:"SubStatus"`
				AveragePrice *decimal.Decimal `json:"AveragePrice"`
				Amount       *decimal.Decimal `json:"Amount"`
				FillAmount   *decimal.Decimal `json:"FillAmount"`
				ActivityTime string           `json:"ActivityTime"`
			} `json:"Data"`
		}
		q := url.Values{
			"OrderId":    {orderID},
			"EntryType":  {"Last"},
			"AccountKey": {c.session.AccountKey()},
			"ClientKey":  {c.session.ClientKey()},
		}
		err := c.do(ctx, apiRequest{
			method:    http.MethodGet,
			path:      "/cs/v1/audit/orderactivities",
			query:     q,
			result:    &out,
			retrySafe: true,
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}

		for _, act := range out.Data {
			switch act.Status {
			case "Fill", "FinalFill":
				fill := &AuditFill{Status: strings.ToLower(act.Status), ActivityTime: act.ActivityTime}
				if act.AveragePrice != nil {
					fill.AveragePrice = decimal.NullDecimal{Decimal: *act.AveragePrice, Valid: true}
				}
				amt := act.FillAmount
				if amt == nil {
					amt = act.Amount
				}
				if amt != nil {
					fill.Amount = decimal.NullDecimal{Decimal: *amt, Valid: true}
				}
				return fill, nil
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("order audit %s: %w", orderID, lastErr)
	}
	return nil, nil
}

// ————————————————————————————————————————————————————————————————————————
// ENS subscription and streaming URL
// ————————————————————————————————————————————————————————————————————————

const contextIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewContextID builds a streaming context id: ctx-{last 10 digits of the
// millisecond timestamp}-{8 random lowercase alphanumerics}.
func NewContextID() string {
	ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if len(ms) > 10 {
		ms = ms[len(ms)-10:]
	}
	suffix := make([]byte, 8)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(contextIDAlphabet))))
		if err != nil {
			panic(fmt.Sprintf("context id entropy: %v", err))
		}
		suffix[i] = contextIDAlphabet[n.Int64()]
	}
	return fmt.Sprintf("ctx-%s-%s", ms, suffix)
}

// errSubscriptionLimit marks a create rejected with SubscriptionLimitExceeded.
var errSubscriptionLimit = errors.New("subscription limit exceeded")

// IsSubscriptionLimitExceeded reports whether err is the broker-side
// subscription quota rejection.
func IsSubscriptionLimitExceeded(err error) bool {
	return errors.Is(err, errSubscriptionLimit)
}

// CreateENSSubscription registers an ENS activities subscription under the
// given context id and records it on the session. Returns the reference id.
func (c *Client) CreateENSSubscription(ctx context.Context, contextID string) (string, error) {
	refID := uuid.NewString()
	body := map[string]any{
		"ContextId":   contextID,
		"ReferenceId": refID,
		"Format":      "application/json",
		"Arguments": map[string]any{
			"AccountKey": c.session.AccountKey(),
			"ClientKey":  c.session.ClientKey(),
			"Activities": []string{"Orders", "Positions"},
		},
	}
	var out struct {
		ContextID   string `json:"ContextId"`
		ReferenceID string `json:"ReferenceId"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.session.AccessToken()).
		SetBody(body).
		SetResult(&out).
		Post("/ens/v1/activities/subscriptions")
	if err != nil {
		return "", fmt.Errorf("create ens subscription: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusCreated || resp.StatusCode() == http.StatusOK:
		c.session.SetStreaming(contextID, refID)
		c.logger.Info("ens subscription created", "context_id", contextID, "reference_id", refID)
		return refID, nil
	case strings.Contains(resp.String(), "SubscriptionLimitExceeded"):
		return "", fmt.Errorf("create ens subscription: %w: %s", errSubscriptionLimit, truncate(resp.String(), 200))
	default:
		return "", fmt.Errorf("create ens subscription: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
}

// DeleteENSSubscription removes a subscription. Absence is not an error.
func (c *Client) DeleteENSSubscription(ctx context.Context, contextID, refID string) error {
	path := fmt.Sprintf("/ens/v1/activities/subscriptions/%s/%s", contextID, refID)
	err := c.do(ctx, apiRequest{
		method:    http.MethodDelete,
		path:      path,
		retrySafe: true,
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// AuthorizeStreamingContext re-binds the current access token to the live
// streaming context after a token refresh. A 404 means the environment does
// not implement the endpoint; further attempts are disabled.
func (c *Client) AuthorizeStreamingContext(ctx context.Context) error {
	if c.streamingAuthDisabled.Load() {
		return nil
	}
	contextID := c.session.ContextID()
	if contextID == "" {
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.session.AccessToken()).
		SetQueryParam("contextId", contextID).
		Post(c.oauth.StreamingAuthorizePath)
	if err != nil {
		return fmt.Errorf("streaming authorize: %w", err)
	}
	switch {
	case resp.StatusCode() >= 200 && resp.StatusCode() < 300:
		c.logger.Info("streaming context re-authorized", "context_id", contextID)
		return nil
	case resp.StatusCode() == http.StatusNotFound:
		c.streamingAuthDisabled.Store(true)
		c.logger.Info("streaming authorize endpoint absent, disabling re-authorization")
		return nil
	default:
		return fmt.Errorf("streaming authorize: status %d", resp.StatusCode())
	}
}

// StreamingAuthorizeSupported reports whether soft reconnects can reuse the
// existing context via /streamingws/authorize.
func (c *Client) StreamingAuthorizeSupported() bool {
	return !c.streamingAuthDisabled.Load()
}

// BuildStreamingURL assembles the websocket connect URL for the current
// session. lastMessageID > 0 asks the gateway to replay from that point.
func (c *Client) BuildStreamingURL(lastMessageID uint64) string {
	q := url.Values{
		"contextId":     {c.session.ContextID()},
		"authorization": {"BEARER " + c.session.AccessToken()},
	}
	if lastMessageID > 0 {
		q.Set("messageid", strconv.FormatUint(lastMessageID, 10))
	}
	return c.api.StreamingWSBase + "/connect?" + q.Encode()
}
