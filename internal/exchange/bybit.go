package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbitrage/pkg/ratelimit"
	"go.uber.org/zap"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSPublic   = "wss://stream.bybit.com/v5/public/linear"
	bybitRecvWindow = "5000"
)

// Bybit implements Exchange for the Bybit v5 unified-account API.
type Bybit struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	log        *zap.Logger

	wsPublicManager *WSReconnectManager

	marketsMu sync.RWMutex
	markets   map[string]*Market // keyed by normalized symbol

	tickerMu   sync.RWMutex
	tickerSubs map[string]chan *Ticker
}

// NewBybit builds an adapter over the shared pooled HTTP client.
func NewBybit(log *zap.Logger) *Bybit {
	return &Bybit{
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 20),
		log:        log,
		markets:    make(map[string]*Market),
		tickerSubs: make(map[string]chan *Ticker),
	}
}

func (b *Bybit) sign(timestamp, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, newTransient("bybit", "rate limiter wait cancelled", err)
	}

	var reqBody, reqURL string
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = bybitBaseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = bybitBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, newTransient("bybit", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := b.sign(timestamp, reqBody)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, newTransient("bybit", "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient("bybit", "read response body", err)
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, newTransient("bybit", "decode response envelope", err)
	}

	if baseResp.RetCode != 0 {
		if isPermanentBybitCode(baseResp.RetCode) {
			return nil, newPermanent("bybit", baseResp.RetMsg, nil)
		}
		return nil, newMarketState("bybit", baseResp.RetMsg, nil)
	}

	return body, nil
}

// isPermanentBybitCode reports whether a non-zero retCode is an
// authentication/authorization failure rather than a market-state one.
func isPermanentBybitCode(code int) bool {
	switch code {
	case 10003, 10004, 10005, 33004: // invalid api key, signature, permission, expired key
		return true
	default:
		return false
	}
}

func (b *Bybit) Connect(apiKey, secret, _ string) error {
	b.apiKey = apiKey
	b.secretKey = secret

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.FetchBalance(ctx); err != nil {
		return fmt.Errorf("connect to bybit: %w", err)
	}
	return nil
}

func (b *Bybit) GetName() string { return "bybit" }

func (b *Bybit) LoadMarkets(ctx context.Context) error {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{"category": "linear"}, false)
	if err != nil {
		return err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LeverageFilter struct {
					MaxLeverage string `json:"maxLeverage"`
				} `json:"leverageFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransient("bybit", "decode instruments-info", err)
	}

	markets := make(map[string]*Market, len(resp.Result.List))
	for _, info := range resp.Result.List {
		if !strings.HasSuffix(info.Symbol, "USDT") {
			continue
		}
		minQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
		lotStep, _ := strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
		tick, _ := strconv.ParseFloat(info.PriceFilter.TickSize, 64)
		maxLev, _ := strconv.Atoi(info.LeverageFilter.MaxLeverage)
		markets[info.Symbol] = &Market{
			Venue:        "bybit",
			Symbol:       info.Symbol,
			NativeSymbol: info.Symbol,
			TickSize:     tick,
			LotStep:      lotStep,
			MinQty:       minQty,
			MinNotional:  5.0,
			TakerFee:     0.00055,
			MaxLeverage:  maxLev,
		}
	}

	b.marketsMu.Lock()
	b.markets = markets
	b.marketsMu.Unlock()
	return nil
}

func (b *Bybit) Market(symbol string) (*Market, error) {
	b.marketsMu.RLock()
	defer b.marketsMu.RUnlock()
	m, ok := b.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// ResolveSymbol tries ordered USDT-perpetual variants, preferring the
// plain concatenated form Bybit actually lists under.
func (b *Bybit) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	base := strings.ToUpper(baseTicker)
	candidates := []string{base + "USDT"}

	b.marketsMu.RLock()
	empty := len(b.markets) == 0
	b.marketsMu.RUnlock()
	if empty {
		if err := b.LoadMarkets(ctx); err != nil {
			return "", err
		}
	}

	b.marketsMu.RLock()
	defer b.marketsMu.RUnlock()
	for _, c := range candidates {
		if _, ok := b.markets[c]; ok {
			return c, nil
		}
	}
	return "", ErrSymbolUnresolved
}

func (b *Bybit) FetchBalance(ctx context.Context) (Balance, error) {
	params := map[string]string{"accountType": "UNIFIED", "coin": "USDT"}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					Equity        string `json:"equity"`
					WalletBalance string `json:"walletBalance"`
					Locked        string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, newTransient("bybit", "decode wallet-balance", err)
	}

	if len(resp.Result.List) > 0 {
		for _, coin := range resp.Result.List[0].Coin {
			if coin.Coin != "USDT" {
				continue
			}
			total, _ := strconv.ParseFloat(coin.Equity, 64)
			locked, _ := strconv.ParseFloat(coin.Locked, 64)
			return Balance{Free: total - locked, Used: locked, Total: total}, nil
		}
	}

	// No USDT pool found in the payload: zero free balance, not a fabricated value.
	return Balance{}, nil
}

func (b *Bybit) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"category": "linear", "symbol": symbol}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bybit", "decode tickers", err)
	}
	if len(resp.Result.List) == 0 {
		return nil, newMarketState("bybit", "ticker not found for "+symbol, nil)
	}

	t := resp.Result.List[0]
	bid, _ := strconv.ParseFloat(t.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(t.Ask1Price, 64)
	last, _ := strconv.ParseFloat(t.LastPrice, 64)

	return &Ticker{Symbol: t.Symbol, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: time.Now()}, nil
}

// WatchTicker opens the public WebSocket stream once per adapter instance
// and fans individual tickers out to per-symbol channels. Reconnection
// with 2s→16s exponential backoff is handled by WSReconnectManager; on
// each reconnect the manager resubscribes every channel it was told
// about via AddSubscription.
func (b *Bybit) WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error) {
	b.tickerMu.Lock()
	if ch, ok := b.tickerSubs[symbol]; ok {
		b.tickerMu.Unlock()
		return ch, nil
	}
	ch := make(chan *Ticker, 16)
	b.tickerSubs[symbol] = ch
	b.tickerMu.Unlock()

	if err := b.ensurePublicWS(); err != nil {
		return nil, err
	}

	subMsg := map[string]interface{}{"op": "subscribe", "args": []string{"tickers." + symbol}}
	b.wsPublicManager.AddSubscription(subMsg)
	if err := b.wsPublicManager.Send(subMsg); err != nil {
		return nil, newTransient("bybit", "send ticker subscription", err)
	}

	go func() {
		<-ctx.Done()
		b.tickerMu.Lock()
		if existing, ok := b.tickerSubs[symbol]; ok && existing == ch {
			delete(b.tickerSubs, symbol)
			close(ch)
		}
		b.tickerMu.Unlock()
	}()

	return ch, nil
}

func (b *Bybit) ensurePublicWS() error {
	b.tickerMu.Lock()
	defer b.tickerMu.Unlock()
	if b.wsPublicManager != nil {
		return nil
	}

	mgr := NewWSReconnectManager("bybit-public", bybitWSPublic, DefaultWSReconnectConfig())
	mgr.SetOnMessage(b.handlePublicMessage)
	mgr.SetOnConnect(func() {
		if b.log != nil {
			b.log.Info("bybit public websocket connected")
		}
	})
	mgr.SetOnDisconnect(func(err error) {
		if b.log != nil && err != nil {
			b.log.Warn("bybit public websocket disconnected", zap.Error(err))
		}
	})
	if err := mgr.Connect(); err != nil {
		return newTransient("bybit", "connect public websocket", err)
	}
	b.wsPublicManager = mgr
	return nil
}

func (b *Bybit) handlePublicMessage(message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}

	b.tickerMu.RLock()
	ch, ok := b.tickerSubs[msg.Data.Symbol]
	b.tickerMu.RUnlock()
	if !ok {
		return
	}

	bid, _ := strconv.ParseFloat(msg.Data.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(msg.Data.Ask1Price, 64)
	last, _ := strconv.ParseFloat(msg.Data.LastPrice, 64)
	tick := &Ticker{Symbol: msg.Data.Symbol, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: time.Now()}

	select {
	case ch <- tick:
	default: // slow consumer: drop the tick, keep the stream alive
	}
}

func (b *Bybit) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth > 500 {
		depth = 500
	}
	params := map[string]string{"category": "linear", "symbol": symbol, "limit": strconv.Itoa(depth)}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/orderbook", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
			Ts   int64      `json:"ts"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bybit", "decode orderbook", err)
	}

	ob := &OrderBook{
		Symbol:    symbol,
		Bids:      make([]PriceLevel, len(resp.Result.Bids)),
		Asks:      make([]PriceLevel, len(resp.Result.Asks)),
		Timestamp: time.UnixMilli(resp.Result.Ts),
	}
	for i, level := range resp.Result.Bids {
		price, _ := strconv.ParseFloat(level[0], 64)
		vol, _ := strconv.ParseFloat(level[1], 64)
		ob.Bids[i] = PriceLevel{Price: price, Volume: vol}
	}
	for i, level := range resp.Result.Asks {
		price, _ := strconv.ParseFloat(level[0], 64)
		vol, _ := strconv.ParseFloat(level[1], 64)
		ob.Asks[i] = PriceLevel{Price: price, Volume: vol}
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

func (b *Bybit) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", params, true)
	if err != nil && strings.Contains(err.Error(), "leverage not modified") {
		return nil
	}
	return err
}

func (b *Bybit) SetMarginMode(ctx context.Context, symbol, mode string) error {
	tradeMode := "0" // cross
	if mode == "isolated" {
		tradeMode = "1"
	}
	params := map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  "10",
		"sellLeverage": "10",
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/switch-isolated", params, true)
	if err != nil && strings.Contains(err.Error(), "not modified") {
		return nil
	}
	return err
}

func (b *Bybit) SetPositionMode(ctx context.Context, hedged bool) error {
	mode := "0" // one-way
	if hedged {
		mode = "3" // hedge
	}
	params := map[string]string{"category": "linear", "coin": "USDT", "mode": mode}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/switch-mode", params, true)
	if err != nil && strings.Contains(err.Error(), "not modified") {
		return nil
	}
	return err
}

func (b *Bybit) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error) {
	bybitSide := "Buy"
	if side == SideSell {
		bybitSide = "Sell"
	}

	params := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide,
		"orderType":   "Limit",
		"qty":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
		"timeInForce": "GTC",
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderId string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bybit", "decode order/create", err)
	}

	return &Order{
		ID:        resp.Result.OrderId,
		Symbol:    symbol,
		Side:      side,
		Type:      "limit",
		Quantity:  quantity,
		Price:     price,
		Status:    OrderStatusOpen,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"category": "linear", "symbol": symbol, "orderId": orderID}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true)
	return err
}

func (b *Bybit) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := map[string]string{"category": "linear", "symbol": symbol, "orderId": orderID}
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderId     string `json:"orderId"`
				Side        string `json:"side"`
				Qty         string `json:"qty"`
				Price       string `json:"price"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bybit", "decode order/realtime", err)
	}
	if len(resp.Result.List) == 0 {
		return nil, newMarketState("bybit", "order not found", nil)
	}

	o := resp.Result.List[0]
	qty, _ := strconv.ParseFloat(o.Qty, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)
	filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)

	side := SideBuy
	if o.Side == "Sell" {
		side = SideSell
	}

	return &Order{
		ID: o.OrderId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: qty, Price: price, FilledQty: filled, AvgFillPrice: avg,
		Status: bybitOrderStatus(o.OrderStatus), UpdatedAt: time.Now(),
	}, nil
}

func bybitOrderStatus(s string) string {
	switch s {
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled":
		return OrderStatusPartial
	case "Cancelled", "Deactivated":
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}

func (b *Bybit) FetchPositions(ctx context.Context, symbols []string) ([]*Position, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if len(symbols) == 1 {
		params["symbol"] = symbols[0]
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol         string `json:"symbol"`
				Side           string `json:"side"`
				Size           string `json:"size"`
				AvgPrice       string `json:"avgPrice"`
				MarkPrice      string `json:"markPrice"`
				Leverage       string `json:"leverage"`
				UnrealisedPnl  string `json:"unrealisedPnl"`
				UpdatedTime    string `json:"updatedTime"`
				PositionStatus string `json:"positionStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bybit", "decode position/list", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]*Position, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		if len(wanted) > 0 && !wanted[p.Symbol] {
			continue
		}

		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		upnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		updated, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

		side := SideLong
		if p.Side == "Sell" {
			side = SideShort
		}

		positions = append(positions, &Position{
			Symbol: p.Symbol, Side: side, Size: size, EntryPrice: entry,
			MarkPrice: mark, Leverage: leverage, UnrealizedPnl: upnl,
			Liquidated: p.PositionStatus == "Liq", UpdatedAt: time.UnixMilli(updated),
		})
	}
	return positions, nil
}

func (b *Bybit) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"category": "linear", "symbol": symbol}
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/fee-rate", params, true)
	if err != nil {
		return 0.00055, nil // standard Bybit taker fee fallback
	}

	var resp struct {
		Result struct {
			List []struct {
				TakerFeeRate string `json:"takerFeeRate"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.List) == 0 {
		return 0.00055, nil
	}
	fee, _ := strconv.ParseFloat(resp.Result.List[0].TakerFeeRate, 64)
	return fee, nil
}

func (b *Bybit) Close() error {
	b.tickerMu.Lock()
	if b.wsPublicManager != nil {
		b.wsPublicManager.Close()
		b.wsPublicManager = nil
	}
	for symbol, ch := range b.tickerSubs {
		delete(b.tickerSubs, symbol)
		close(ch)
	}
	b.tickerMu.Unlock()
	return nil
}
