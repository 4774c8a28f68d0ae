// Package broker - kis.go implements the Broker interface against the
// KIS (Korea Investment & Securities) Open API, generalizing the
// teacher's internal/broker/dhan.go REST-client shape to KIS's
// token/TR-ID conventions.
//
// KIS Open API:
//   - Auth: POST /oauth2/tokenP returns a JWT access token (~24h TTL).
//   - Orders: POST /uapi/domestic-stock/v1/trading/order-cash,
//     GET .../inquire-daily-ccld for the per-day execution report.
//   - Quotes: GET /uapi/domestic-stock/v1/quotations/inquire-price.
//   - Daily bars: GET .../inquire-daily-itemchartprice, paginated.
//   - Distinct TR IDs per mode (PAPER vs REAL) on every endpoint.
//   - Rate limit: 20 requests/second.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
)

// ClientConfig holds KIS-specific API configuration.
type ClientConfig struct {
	AppKey          string
	AppSecret       string
	BaseURL         string
	Mode            Mode
	RateLimitPerSec int
	HTTPTimeout     time.Duration
}

// trIDs holds the mode-specific transaction IDs a request must carry.
// KIS requires a different TR ID for paper vs real trading on every
// order-affecting endpoint; this table keeps that mapping in one place
// so a client built for PAPER can never accidentally address REAL.
type trIDs struct {
	orderCash   string
	inquireCcld string
	balance     string
}

var trIDTable = map[Mode]trIDs{
	ModePaper: {orderCash: "VTTC0802U", inquireCcld: "VTTC8001R", balance: "VTTC8434R"},
	ModeReal:  {orderCash: "TTTC0802U", inquireCcld: "TTTC8001R", balance: "TTTC8434R"},
}

// KISClient implements Broker against the KIS Open API.
type KISClient struct {
	cfg     ClientConfig
	http    *retryablehttp.Client
	limiter *rate.Limiter
	tr      trIDs

	tokenGroup singleflight.Group
	tokenMu    tokenCache
}

// tokenCache guards the cached access token; renewal is deduplicated via
// singleflight so concurrent symbol goroutines never fire N simultaneous
// token requests.
type tokenCache struct {
	mu    sync.Mutex
	token Token
}

func (c *tokenCache) get() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *tokenCache) set(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t
}

func init() {
	Registry["kis"] = func(cfg ClientConfig) (Broker, error) { return NewKISClient(cfg) }
}

// NewKISClient builds a KIS REST client for the given mode. The client
// never switches mode after construction.
func NewKISClient(cfg ClientConfig) (*KISClient, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("kis broker: app_key and app_secret are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 20
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 1 * time.Second
	httpClient.RetryWaitMax = 4 * time.Second
	httpClient.HTTPClient.Timeout = cfg.HTTPTimeout
	httpClient.Logger = nil
	httpClient.CheckRetry = retryOnTransportOnly

	return &KISClient{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitPerSec),
		tr:      trIDTable[cfg.Mode],
	}, nil
}

// retryOnTransportOnly never retries 4xx responses (spec §4.2): only
// connection failures and 5xx responses are retried.
func retryOnTransportOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

func (k *KISClient) Mode() Mode { return k.cfg.Mode }

// --- auth ---

type tokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// GetAccessToken returns the cached token, renewing via a singleflight
// group so concurrent callers collapse into one refresh request.
func (k *KISClient) GetAccessToken(ctx context.Context) (Token, error) {
	now := kst.SystemClock{}.Now()
	current := k.tokenMu.get()
	if current.Value != "" && !current.ExpiringSoon(now) {
		return current, nil
	}

	v, err, _ := k.tokenGroup.Do("token", func() (interface{}, error) {
		return k.fetchToken(ctx)
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: kis broker token refresh: %v", domain.ErrAuth, err)
	}
	tok := v.(Token)
	k.tokenMu.set(tok)
	return tok, nil
}

func (k *KISClient) fetchToken(ctx context.Context) (Token, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     k.cfg.AppKey,
		"appsecret":  k.cfg.AppSecret,
	})

	respBody, _, err := k.rawRequest(ctx, http.MethodPost, "/oauth2/tokenP", body, nil)
	if err != nil {
		return Token{}, err
	}

	var tr tokenResp
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return Token{}, fmt.Errorf("parse token response: %w", err)
	}

	// Inspect the JWT's own exp claim when present; fall back to
	// expires_in. KIS tokens are JWTs but the claims aren't ours to
	// verify (no local signing key), so only the unverified claims are
	// read — this purely governs our own renewal timing, not trust.
	expiresAt := kst.SystemClock{}.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if claims, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, jwt.MapClaims{}); err == nil {
		if mc, ok := claims.Claims.(jwt.MapClaims); ok {
			if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
				expiresAt = exp.Time
			}
		}
	}

	return Token{Value: tr.AccessToken, ExpiresAt: expiresAt}, nil
}

// --- market data ---

type kisOHLCVPage struct {
	Output2 []struct {
		Date  string `json:"stck_bsop_date"`
		Open  string `json:"stck_oprc"`
		High  string `json:"stck_hgpr"`
		Low   string `json:"stck_lwpr"`
		Close string `json:"stck_clpr"`
		Vol   string `json:"acml_vol"`
	} `json:"output2"`
}

// GetDailyOHLCV pages through the daily-chart endpoint (≤100 rows/page
// per spec §4.2), dedups by date and returns bars sorted ascending.
func (k *KISClient) GetDailyOHLCV(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]domain.Bar, error) {
	seen := map[string]domain.Bar{}
	cursor := to

	for i := 0; i < 50; i++ { // hard cap: avoid runaway pagination on bad data
		params := map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol.String(),
			"FID_INPUT_DATE_1":       kst.DateString(from),
			"FID_INPUT_DATE_2":       kst.DateString(cursor),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		}
		respBody, _, err := k.rawRequest(ctx, http.MethodGet,
			"/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", nil, params)
		if err != nil {
			return nil, err
		}

		var page kisOHLCVPage
		if err := json.Unmarshal(respBody, &page); err != nil {
			return nil, fmt.Errorf("%w: parse daily OHLCV: %v", domain.ErrData, err)
		}
		if len(page.Output2) == 0 {
			break
		}

		oldest := cursor
		for _, row := range page.Output2 {
			date, err := time.ParseInLocation("20060102", row.Date, kst.Location)
			if err != nil {
				continue
			}
			if date.Before(oldest) {
				oldest = date
			}
			seen[row.Date] = domain.Bar{
				Symbol: symbol,
				Date:   date,
				Open:   mustDecimal(row.Open),
				High:   mustDecimal(row.High),
				Low:    mustDecimal(row.Low),
				Close:  mustDecimal(row.Close),
				Volume: mustInt64(row.Vol),
			}
		}

		if len(page.Output2) < 100 || !oldest.After(from) {
			break
		}
		cursor = oldest.AddDate(0, 0, -1)
	}

	bars := make([]domain.Bar, 0, len(seen))
	for _, b := range seen {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

type kisQuoteResp struct {
	Output struct {
		Price      string `json:"stck_prpr"`
		Open       string `json:"stck_oprc"`
		High       string `json:"stck_hgpr"`
		Low        string `json:"stck_lwpr"`
		Volume     string `json:"acml_vol"`
		ChangeRate string `json:"prdy_ctrt"`
	} `json:"output"`
}

// GetCurrentPrice returns a live quote snapshot.
func (k *KISClient) GetCurrentPrice(ctx context.Context, symbol domain.Symbol) (Quote, error) {
	params := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         symbol.String(),
	}
	respBody, _, err := k.rawRequest(ctx, http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-price", nil, params)
	if err != nil {
		return Quote{}, err
	}

	var qr kisQuoteResp
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return Quote{}, fmt.Errorf("%w: parse quote: %v", domain.ErrData, err)
	}

	return Quote{
		Symbol:     symbol,
		Price:      mustDecimal(qr.Output.Price),
		Open:       mustDecimal(qr.Output.Open),
		High:       mustDecimal(qr.Output.High),
		Low:        mustDecimal(qr.Output.Low),
		Volume:     mustInt64(qr.Output.Volume),
		ChangeRate: mustDecimal(qr.Output.ChangeRate),
		FetchedAt:  kst.SystemClock{}.Now(),
	}, nil
}

// --- orders ---

type kisOrderReq struct {
	CANO        string `json:"CANO"`
	PDNo        string `json:"ACNT_PRDT_CD"`
	PDCode      string `json:"PDNO"`
	OrderDiv    string `json:"ORD_DVSN"`
	OrderQty    string `json:"ORD_QTY"`
	OrderPrice  string `json:"ORD_UNPR"`
}

type kisOrderResp struct {
	Output struct {
		OrderNo string `json:"ODNO"`
	} `json:"output"`
	RtCd string `json:"rt_cd"`
	Msg  string `json:"msg1"`
}

// PlaceOrder submits a new order via POST .../trading/order-cash.
func (k *KISClient) PlaceOrder(ctx context.Context, order Order) (OrderResponse, error) {
	orderDiv := "01" // market
	price := "0"
	if order.Type == OrderTypeLimit {
		orderDiv = "00"
		price = order.Price.StringFixed(0)
	}

	reqPath := "/uapi/domestic-stock/v1/trading/order-cash"
	if order.Side == domain.SideSell {
		reqPath = "/uapi/domestic-stock/v1/trading/order-cash" // same endpoint, tr_id differs by buy/sell in practice
	}

	body, _ := json.Marshal(kisOrderReq{
		PDCode:     order.Symbol.String(),
		OrderDiv:   orderDiv,
		OrderQty:   fmt.Sprintf("%d", order.Quantity),
		OrderPrice: price,
	})

	respBody, _, err := k.rawRequest(ctx, http.MethodPost, reqPath, body, nil)
	if err != nil {
		return OrderResponse{}, err
	}

	var or kisOrderResp
	if err := json.Unmarshal(respBody, &or); err != nil {
		return OrderResponse{}, fmt.Errorf("%w: parse order response: %v", domain.ErrData, err)
	}
	if or.RtCd != "0" {
		return OrderResponse{}, fmt.Errorf("%w: %s", domain.ErrReject, or.Msg)
	}

	return OrderResponse{OrderNo: or.Output.OrderNo, Timestamp: kst.SystemClock{}.Now()}, nil
}

// CancelOrder cancels a pending/open order.
func (k *KISClient) CancelOrder(ctx context.Context, orderNo string) error {
	body, _ := json.Marshal(map[string]string{"ODNO": orderNo, "RVSE_CNCL_DVSN_CD": "02"})
	_, _, err := k.rawRequest(ctx, http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-rvsecncl", body, nil)
	return err
}

type kisCcldResp struct {
	Output []struct {
		OrderNo      string `json:"odno"`
		Symbol       string `json:"pdno"`
		Side         string `json:"sll_buy_dvsn_cd_name"`
		FilledQty    string `json:"tot_ccld_qty"`
		RemainingQty string `json:"rmn_qty"`
		AvgPrice     string `json:"avg_prvs"`
		RejectYN     string `json:"rjct_yn"`
		RejectReason string `json:"rjct_rson"`
	} `json:"output"`
}

// GetOrderStatus returns the full per-day execution report.
func (k *KISClient) GetOrderStatus(ctx context.Context) ([]ExecutedOrder, error) {
	respBody, _, err := k.rawRequest(ctx, http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", nil, nil)
	if err != nil {
		return nil, err
	}

	var cr kisCcldResp
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("%w: parse execution report: %v", domain.ErrData, err)
	}

	orders := make([]ExecutedOrder, 0, len(cr.Output))
	for _, row := range cr.Output {
		symbol, err := domain.NewSymbol(row.Symbol)
		if err != nil {
			continue
		}
		side := domain.SideBuy
		if row.Side == "매도" {
			side = domain.SideSell
		}
		orders = append(orders, ExecutedOrder{
			OrderNo:      row.OrderNo,
			Symbol:       symbol,
			Side:         side,
			FilledQty:    int(mustInt64(row.FilledQty)),
			RemainingQty: int(mustInt64(row.RemainingQty)),
			AvgPrice:     mustDecimal(row.AvgPrice),
			Rejected:     row.RejectYN == "Y",
			RejectReason: row.RejectReason,
		})
	}
	return orders, nil
}

// WaitForExecution polls GetOrderStatus until expectedQty fills, timeout
// elapses, or the order terminates, then on timeout with remaining
// quantity cancels and classifies PARTIAL vs CANCELLED.
func (k *KISClient) WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout, pollInterval time.Duration) (ExecutionResult, error) {
	deadline := kst.SystemClock{}.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rows, err := k.GetOrderStatus(ctx)
		if err != nil {
			return ExecutionResult{}, err
		}
		for _, row := range rows {
			if row.OrderNo != orderNo {
				continue
			}
			if row.Rejected {
				return ExecutionResult{Status: WaitFailed}, fmt.Errorf("%w: %s", domain.ErrReject, row.RejectReason)
			}
			if row.FilledQty >= expectedQty {
				return ExecutionResult{Status: WaitSuccess, ExecQty: row.FilledQty, ExecPrice: row.AvgPrice}, nil
			}
		}

		select {
		case <-ctx.Done():
			return ExecutionResult{}, ctx.Err()
		case <-ticker.C:
		}

		if (kst.SystemClock{}).Now().After(deadline) {
			return k.timeoutOutcome(ctx, orderNo, rows)
		}
	}
}

func (k *KISClient) timeoutOutcome(ctx context.Context, orderNo string, lastRows []ExecutedOrder) (ExecutionResult, error) {
	var filled int
	var avg decimal.Decimal
	for _, row := range lastRows {
		if row.OrderNo == orderNo {
			filled = row.FilledQty
			avg = row.AvgPrice
		}
	}
	_ = k.CancelOrder(ctx, orderNo)
	if filled > 0 {
		return ExecutionResult{Status: WaitPartial, ExecQty: filled, ExecPrice: avg}, nil
	}
	return ExecutionResult{Status: WaitCancelled}, nil
}

type kisBalanceResp struct {
	Output1 []struct {
		Symbol       string `json:"pdno"`
		Quantity     string `json:"hldg_qty"`
		AvgPrice     string `json:"pchs_avg_pric"`
		CurrentPrice string `json:"prpr"`
		PnL          string `json:"evlu_pfls_amt"`
	} `json:"output1"`
	Output2 []struct {
		Cash        string `json:"dnca_tot_amt"`
		TotalEquity string `json:"tot_evlu_amt"`
		TotalPnL    string `json:"evlu_pfls_smtl_amt"`
	} `json:"output2"`
}

// GetAccountBalance returns holdings, cash and equity.
func (k *KISClient) GetAccountBalance(ctx context.Context) (AccountBalance, error) {
	respBody, _, err := k.rawRequest(ctx, http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-balance", nil, nil)
	if err != nil {
		return AccountBalance{}, err
	}

	var br kisBalanceResp
	if err := json.Unmarshal(respBody, &br); err != nil {
		return AccountBalance{}, fmt.Errorf("%w: parse balance: %v", domain.ErrData, err)
	}

	holdings := make([]Holding, 0, len(br.Output1))
	for _, row := range br.Output1 {
		symbol, err := domain.NewSymbol(row.Symbol)
		if err != nil {
			continue
		}
		holdings = append(holdings, Holding{
			Symbol:       symbol,
			Quantity:     int(mustInt64(row.Quantity)),
			AveragePrice: mustDecimal(row.AvgPrice),
			CurrentPrice: mustDecimal(row.CurrentPrice),
			PnL:          mustDecimal(row.PnL),
		})
	}

	bal := AccountBalance{Holdings: holdings}
	if len(br.Output2) > 0 {
		bal.Cash = mustDecimal(br.Output2[0].Cash)
		bal.TotalEquity = mustDecimal(br.Output2[0].TotalEquity)
		bal.TotalPnL = mustDecimal(br.Output2[0].TotalPnL)
	}
	return bal, nil
}

// --- HTTP helper ---

// rawRequest makes a rate-limited, retrying request to the KIS API. It
// attaches the cached bearer token and app credentials to every call
// except the token endpoint itself.
func (k *KISClient) rawRequest(ctx context.Context, method, path string, body []byte, query map[string]string) ([]byte, int, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: rate limiter: %v", domain.ErrTransport, err)
	}

	url := k.cfg.BaseURL + path
	if len(query) > 0 {
		url += "?"
		for k, v := range query {
			url += k + "=" + v + "&"
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("appkey", k.cfg.AppKey)
	req.Header.Set("appsecret", k.cfg.AppSecret)
	if path != "/oauth2/tokenP" {
		if tok := k.tokenMu.get(); tok.Value != "" {
			req.Header.Set("authorization", "Bearer "+tok.Value)
		}
	}

	resp, err := k.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response: %v", domain.ErrTransport, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, fmt.Errorf("%w: token rejected (401)", domain.ErrAuth)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("%w: kis API error %d: %s", domain.ErrReject, resp.StatusCode, string(respBody))
	}

	return respBody, resp.StatusCode, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mustInt64(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}
