package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"greencandle-go/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL         = "https://api.binance.com"
	testnetBaseURL  = "https://testnet.binance.vision"
	recvWindow      = "5000" // How long a request is valid in milliseconds
	OrderTypeMarket = "MARKET"
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
)

// RestClientInterface defines the spot and margin capabilities the trade lifecycle needs.
type RestClientInterface interface {
	GetServerTime() (int64, error)
	GetTickerPrice(symbol string) (float64, error)
	GetAllTickerPrices() (map[string]string, error)
	GetExchangeInfo() (*ExchangeInfoResponse, error)
	GetSpotBalances() (map[string]float64, error)
	GetCrossMarginFree() (map[string]float64, error)
	GetIsolatedMarginFree(pair string) (map[string]float64, error)
	GetMaxBorrowable(asset, isolatedPair string) (float64, error)
	GetBorrowed(pair, asset string, isolated bool) (float64, error)
	Borrow(pair, asset string, amount float64, isolated bool) error
	Repay(pair, asset string, amount float64, isolated bool) error
	CreateSpotOrder(symbol, side string, quantity float64, test bool) (*CreateOrderResponse, error)
	CreateMarginOrder(symbol, side string, quantity float64, isolated bool) (*CreateOrderResponse, error)
}

// APIError is the error body Binance returns for rejected requests.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

// RestClient is a client for the Binance REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	backoff   time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().
		SetBaseURL(url).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger.Named("binance"),
		limiter:   limiter,
		backoff:   time.Second,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// GetServerTime fetches the current server time from Binance.
func (c *RestClient) GetServerTime() (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(context.Background(), http.MethodGet, "/api/v3/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Only GETs are retried on 5xx and transport errors: a failed POST may already have
// executed on the exchange, so it goes back to the caller. Rate limit rejections
// (429/418) are retried for every method since Binance never ran the request.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3
	idempotent := method == http.MethodGet

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 {
				shouldRetry = true
				if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = idempotent
			}
		} else if !idempotent {
			return nil, fmt.Errorf("%s %s: %w", method, url, err)
		} else {
			shouldRetry = true
		}

	if !shouldRetry {
			var apiErr APIError
			if jsonErr := json.Unmarshal(resp.Body(), &apiErr); jsonErr == nil && apiErr.Code != 0 {
				return nil, &apiErr
			}
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if i == maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// signed sends a request authenticated with the API key and an HMAC signature over the
// parameters. GET parameters travel in the query string, others in a form body.
func (c *RestClient) signed(method, path string, params url.Values, result interface{}) (*resty.Response, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	payload := params.Encode()
	payload += "&signature=" + c.sign(payload)

	req := c.client.R().SetHeader("X-MBX-APIKEY", c.apiKey)
	if result != nil {
		req.SetResult(result)
	}
	if method == http.MethodGet {
		// the query string is sent as signed, without re-encoding
		return c.doRequest(context.Background(), method, path+"?"+payload, req)
	}
	req.SetHeader("Content-Type", "application/x-www-form-urlencoded").SetBody(payload)
	return c.doRequest(context.Background(), method, path, req)
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetTickerPrice fetches the latest price of one symbol.
func (c *RestClient) GetTickerPrice(symbol string) (float64, error) {
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&TickerPrice{})

	resp, err := c.doRequest(context.Background(), http.MethodGet, "/api/v3/ticker/price", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker price for %s: %w", symbol, err)
	}
	return parseFloat(resp.Result().(*TickerPrice).Price)
}

// GetAllTickerPrices fetches the latest price for all symbols.
func (c *RestClient) GetAllTickerPrices() (map[string]string, error) {
	var prices []*TickerPrice

	req := c.client.R().
		SetResult(&prices).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(context.Background(), http.MethodGet, "/api/v3/ticker/price", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get all ticker prices: %w", err)
	}

	result := resp.Result().(*[]*TickerPrice)
	priceMap := make(map[string]string, len(*result))
	for _, p := range *result {
		priceMap[p.Symbol] = p.Price
	}

	return priceMap, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// The LOT_SIZE filter carries the stepSize orders must be rounded to.
type Filter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
}

// StepSize returns the LOT_SIZE step of the symbol, or 0 if it has none.
func (s *SymbolInfo) StepSize() float64 {
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" {
			step, err := parseFloat(f.StepSize)
			if err == nil {
				return step
			}
		}
	}
	return 0
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo() (*ExchangeInfoResponse, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetResult(&exchangeInfo).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(context.Background(), http.MethodGet, "/api/v3/exchangeInfo", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	return resp.Result().(*ExchangeInfoResponse), nil
}

type assetBalance struct {
	Asset    string `json:"asset"`
	Free     string `json:"free"`
	Locked   string `json:"locked"`
	Borrowed string `json:"borrowed"`
	Interest string `json:"interest"`
	NetAsset string `json:"netAsset"`
}

// GetSpotBalances returns the free amount of every asset in the spot account.
func (c *RestClient) GetSpotBalances() (map[string]float64, error) {
	var account struct {
		Balances []assetBalance `json:"balances"`
	}
	if _, err := c.signed(http.MethodGet, "/api/v3/account", url.Values{}, &account); err != nil {
		return nil, fmt.Errorf("failed to get spot balances: %w", err)
	}
	return freeAmounts(account.Balances)
}

type crossMarginAccount struct {
	UserAssets []assetBalance `json:"userAssets"`
}

func (c *RestClient) crossMarginAccount() (*crossMarginAccount, error) {
	var account crossMarginAccount
	if _, err := c.signed(http.MethodGet, "/sapi/v1/margin/account", url.Values{}, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetCrossMarginFree returns the free amount of every asset in the cross margin account.
func (c *RestClient) GetCrossMarginFree() (map[string]float64, error) {
	account, err := c.crossMarginAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to get cross margin balances: %w", err)
	}
	return freeAmounts(account.UserAssets)
}

type isolatedMarginAccount struct {
	Assets []struct {
		Symbol     string       `json:"symbol"`
		BaseAsset  assetBalance `json:"baseAsset"`
		QuoteAsset assetBalance `json:"quoteAsset"`
	} `json:"assets"`
}

func (c *RestClient) isolatedMarginAccount(pair string) (*isolatedMarginAccount, error) {
	var account isolatedMarginAccount
	params := url.Values{}
	params.Set("symbols", pair)
	if _, err := c.signed(http.MethodGet, "/sapi/v1/margin/isolated/account", params, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetIsolatedMarginFree returns the free base and quote amounts of an isolated pair.
func (c *RestClient) GetIsolatedMarginFree(pair string) (map[string]float64, error) {
	account, err := c.isolatedMarginAccount(pair)
	if err != nil {
		return nil, fmt.Errorf("failed to get isolated balances for %s: %w", pair, err)
	}
	var assets []assetBalance
	for _, a := range account.Assets {
		if a.Symbol == pair {
			assets = append(assets, a.BaseAsset, a.QuoteAsset)
		}
	}
	return freeAmounts(assets)
}

// GetMaxBorrowable returns how much of asset can still be borrowed. An empty isolatedPair
// queries the cross margin account.
func (c *RestClient) GetMaxBorrowable(asset, isolatedPair string) (float64, error) {
	params := url.Values{}
	params.Set("asset", asset)
	if isolatedPair != "" {
		params.Set("isolatedSymbol", isolatedPair)
	}

	var result struct {
		Amount string `json:"amount"`
	}
	if _, err := c.signed(http.MethodGet, "/sapi/v1/margin/maxBorrowable", params, &result); err != nil {
		return 0, fmt.Errorf("failed to get max borrowable %s: %w", asset, err)
	}
	return parseFloat(result.Amount)
}

// GetBorrowed returns the outstanding loan of asset, on the isolated pair or the cross account.
func (c *RestClient) GetBorrowed(pair, asset string, isolated bool) (float64, error) {
	var assets []assetBalance
	if isolated {
		account, err := c.isolatedMarginAccount(pair)
		if err != nil {
			return 0, fmt.Errorf("failed to get borrowed %s on %s: %w", asset, pair, err)
		}
		for _, a := range account.Assets {
			assets = append(assets, a.BaseAsset, a.QuoteAsset)
		}
	} else {
		account, err := c.crossMarginAccount()
		if err != nil {
			return 0, fmt.Errorf("failed to get borrowed %s: %w", asset, err)
		}
		assets = account.UserAssets
	}

	for _, a := range assets {
		if a.Asset == asset {
			return parseFloat(a.Borrowed)
		}
	}
	return 0, nil
}

func (c *RestClient) marginTransfer(path, pair, asset string, amount float64, isolated bool) error {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("amount", formatQuantity(amount))
	if isolated {
		params.Set("isIsolated", "TRUE")
		params.Set("symbol", pair)
	}

	var result struct {
		TranID int64 `json:"tranId"`
	}
	if _, err := c.signed(http.MethodPost, path, params, &result); err != nil {
		return err
	}
	c.logger.Info("Margin transfer", zap.String("path", path), zap.String("asset", asset),
		zap.Float64("amount", amount), zap.Int64("tran_id", result.TranID))
	return nil
}

// Borrow takes a margin loan of amount of asset.
func (c *RestClient) Borrow(pair, asset string, amount float64, isolated bool) error {
	if err := c.marginTransfer("/sapi/v1/margin/loan", pair, asset, amount, isolated); err != nil {
		return fmt.Errorf("failed to borrow %s: %w", asset, err)
	}
	return nil
}

// Repay returns amount of a margin loan of asset.
func (c *RestClient) Repay(pair, asset string, amount float64, isolated bool) error {
	if err := c.marginTransfer("/sapi/v1/margin/repay", pair, asset, amount, isolated); err != nil {
		return fmt.Errorf("failed to repay %s: %w", asset, err)
	}
	return nil
}

// Fill is one partial execution of an order.
type Fill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	IsIsolated          bool   `json:"isIsolated"`
	Fills               []Fill `json:"fills"`
}

// Executed returns the filled base quantity and the quote amount spent or received.
func (r *CreateOrderResponse) Executed() (base, quote float64) {
	base, _ = parseFloat(r.ExecutedQuantity)
	quote, _ = parseFloat(r.CummulativeQuoteQty)
	return base, quote
}

// FillPrice is the average execution price; zero when nothing was filled.
func (r *CreateOrderResponse) FillPrice() float64 {
	base, quote := r.Executed()
	if base == 0 {
		return 0
	}
	return quote / base
}

func (c *RestClient) orderParams(symbol, side string, quantity float64) url.Values {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", OrderTypeMarket)
	params.Set("quantity", formatQuantity(quantity))
	params.Set("newClientOrderId", "gc"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	params.Set("newOrderRespType", "FULL")
	return params
}

// CreateSpotOrder places a MARKET order on the spot account. With test set the order is
// validated by the exchange but never executed, and an empty response is returned.
func (c *RestClient) CreateSpotOrder(symbol, side string, quantity float64, test bool) (*CreateOrderResponse, error) {
	path := "/api/v3/order"
	if test {
		path = "/api/v3/order/test"
	}

	result := &CreateOrderResponse{}
	if _, err := c.signed(http.MethodPost, path, c.orderParams(symbol, side, quantity), result); err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	c.logger.Info("Successfully created order", zap.Any("order", result), zap.Bool("test", test))
	return result, nil
}

// CreateMarginOrder places a MARKET order on the cross or isolated margin account.
func (c *RestClient) CreateMarginOrder(symbol, side string, quantity float64, isolated bool) (*CreateOrderResponse, error) {
	params := c.orderParams(symbol, side, quantity)
	if isolated {
		params.Set("isIsolated", "TRUE")
	}

	result := &CreateOrderResponse{}
	if _, err := c.signed(http.MethodPost, "/sapi/v1/margin/order", params, result); err != nil {
		c.logger.Error("Failed to create margin order",
			zap.Error(err),
			zap.String("symbol", symbol),
		)
		return nil, fmt.Errorf("failed to create margin order: %w", err)
	}

	c.logger.Info("Successfully created margin order", zap.Any("order", result))
	return result, nil
}

func freeAmounts(assets []assetBalance) (map[string]float64, error) {
	out := make(map[string]float64, len(assets))
	for _, a := range assets {
		free, err := parseFloat(a.Free)
		if err != nil {
			return nil, fmt.Errorf("invalid free amount for %s: %w", a.Asset, err)
		}
		out[a.Asset] = free
	}
	return out, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func formatQuantity(q float64) string {
	return decimal.NewFromFloat(q).String()
}
