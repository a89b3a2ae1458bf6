package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

// decompressHTXMessage распаковывает сообщение HTX, которое приходит
// в виде gzip-потока поверх WebSocket-кадра.
func decompressHTXMessage(message []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

const (
	htxBaseURL = "https://api.hbdm.com"
	htxWSURL   = "wss://api.hbdm.com/linear-swap-ws"
)

// HTX implements Exchange for HTX's (Huobi) linear-swap API.
type HTX struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	log        *zap.Logger

	wsMu      sync.Mutex
	wsManager *WSReconnectManager

	marketsMu sync.RWMutex
	markets   map[string]*Market

	tickerMu   sync.RWMutex
	tickerSubs map[string]chan *Ticker
}

func NewHTX(log *zap.Logger) *HTX {
	return &HTX{
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 20),
		log:        log,
		markets:    make(map[string]*Market),
		tickerSubs: make(map[string]chan *Ticker),
	}
}

func (h *HTX) sign(method, host, path string, params url.Values) string {
	sortedQuery := params.Encode()
	signStr := fmt.Sprintf("%s\n%s\n%s\n%s", method, host, path, sortedQuery)
	mac := hmac.New(sha256.New, []byte(h.secretKey))
	mac.Write([]byte(signStr))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (h *HTX) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, newTransient("htx", "rate limiter wait cancelled", err)
	}

	var reqBody string
	reqURL := htxBaseURL + endpoint
	query := url.Values{}

	if signed {
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05")
		query.Set("AccessKeyId", h.apiKey)
		query.Set("SignatureMethod", "HmacSHA256")
		query.Set("SignatureVersion", "2")
		query.Set("Timestamp", timestamp)
	}

	if method == http.MethodGet {
		for k, v := range params {
			query.Set(k, v)
		}
		if signed {
			signature := h.sign(method, "api.hbdm.com", endpoint, query)
			query.Set("Signature", signature)
		}
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}
	} else {
		if signed {
			signature := h.sign(method, "api.hbdm.com", endpoint, query)
			query.Set("Signature", signature)
			reqURL += "?" + query.Encode()
		}
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, newTransient("htx", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, newTransient("htx", "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient("htx", "read response body", err)
	}

	var baseResp struct {
		Status  string `json:"status"`
		ErrCode int    `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, newTransient("htx", "decode response envelope", err)
	}

	if baseResp.Status == "error" {
		if isPermanentHTXCode(baseResp.ErrCode) {
			return nil, newPermanent("htx", baseResp.ErrMsg, nil)
		}
		return nil, newMarketState("htx", baseResp.ErrMsg, nil)
	}

	return body, nil
}

func isPermanentHTXCode(code int) bool {
	switch code {
	case 1002, 1003, 1010: // auth failure, signature error, api key not exist
		return true
	default:
		return false
	}
}

func (h *HTX) Connect(apiKey, secret, _ string) error {
	h.apiKey = apiKey
	h.secretKey = secret

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.FetchBalance(ctx); err != nil {
		return fmt.Errorf("connect to htx: %w", err)
	}
	return nil
}

func (h *HTX) GetName() string { return "htx" }

func (h *HTX) toHTXSymbol(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "-USDT"
}

func (h *HTX) fromHTXSymbol(contract string) string {
	return strings.ReplaceAll(contract, "-", "")
}

func (h *HTX) LoadMarkets(ctx context.Context) error {
	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-api/v1/swap_contract_info", nil, false)
	if err != nil {
		return err
	}

	var resp struct {
		Data []struct {
			ContractCode string  `json:"contract_code"`
			ContractSize float64 `json:"contract_size"`
			PriceTick    float64 `json:"price_tick"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransient("htx", "decode contract info", err)
	}

	markets := make(map[string]*Market, len(resp.Data))
	for _, info := range resp.Data {
		if !strings.HasSuffix(info.ContractCode, "-USDT") {
			continue
		}
		normalized := h.fromHTXSymbol(info.ContractCode)
		markets[normalized] = &Market{
			Venue: "htx", Symbol: normalized, NativeSymbol: info.ContractCode,
			TickSize: info.PriceTick, LotStep: 1, MinQty: 1,
			MinNotional: 5.0, TakerFee: 0.0004, MaxLeverage: 125,
		}
	}

	h.marketsMu.Lock()
	h.markets = markets
	h.marketsMu.Unlock()
	return nil
}

func (h *HTX) Market(symbol string) (*Market, error) {
	h.marketsMu.RLock()
	defer h.marketsMu.RUnlock()
	m, ok := h.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

func (h *HTX) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	base := strings.ToUpper(baseTicker)
	candidate := base + "USDT"

	h.marketsMu.RLock()
	empty := len(h.markets) == 0
	h.marketsMu.RUnlock()
	if empty {
		if err := h.LoadMarkets(ctx); err != nil {
			return "", err
		}
	}

	h.marketsMu.RLock()
	defer h.marketsMu.RUnlock()
	if _, ok := h.markets[candidate]; ok {
		return candidate, nil
	}
	return "", ErrSymbolUnresolved
}

func (h *HTX) FetchBalance(ctx context.Context) (Balance, error) {
	params := map[string]string{"margin_account": "USDT"}
	body, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_account_info", params, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Data []struct {
			MarginAsset    string  `json:"margin_asset"`
			MarginBalance  float64 `json:"margin_balance"`
			MarginFrozen   float64 `json:"margin_frozen"`
			MarginAvailable float64 `json:"margin_available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, newTransient("htx", "decode account info", err)
	}

	if len(resp.Data) > 0 {
		d := resp.Data[0]
		return Balance{Free: d.MarginAvailable, Used: d.MarginFrozen, Total: d.MarginBalance}, nil
	}
	return Balance{}, nil
}

func (h *HTX) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	contract := h.toHTXSymbol(symbol)
	params := map[string]string{"contract_code": contract}

	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-ex/market/detail/merged", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Tick struct {
			Bid   []float64 `json:"bid"`
			Ask   []float64 `json:"ask"`
			Close float64   `json:"close"`
		} `json:"tick"`
		Ts int64 `json:"ts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("htx", "decode ticker", err)
	}

	var bid, ask float64
	if len(resp.Tick.Bid) > 0 {
		bid = resp.Tick.Bid[0]
	}
	if len(resp.Tick.Ask) > 0 {
		ask = resp.Tick.Ask[0]
	}

	return &Ticker{Symbol: symbol, BidPrice: bid, AskPrice: ask, LastPrice: resp.Tick.Close, Timestamp: time.UnixMilli(resp.Ts)}, nil
}

func (h *HTX) WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error) {
	h.tickerMu.Lock()
	if ch, ok := h.tickerSubs[symbol]; ok {
		h.tickerMu.Unlock()
		return ch, nil
	}
	ch := make(chan *Ticker, 16)
	h.tickerSubs[symbol] = ch
	h.tickerMu.Unlock()

	wsManager, err := h.ensureWS()
	if err != nil {
		return nil, err
	}

	contract := h.toHTXSymbol(symbol)
	subMsg := map[string]interface{}{
		"sub": fmt.Sprintf("market.%s.detail", contract),
		"id":  fmt.Sprintf("ticker_%s", contract),
	}
	wsManager.AddSubscription(subMsg)
	if err := wsManager.Send(subMsg); err != nil {
		return nil, newTransient("htx", "send ticker subscription", err)
	}

	go func() {
		<-ctx.Done()
		h.tickerMu.Lock()
		if existing, ok := h.tickerSubs[symbol]; ok && existing == ch {
			delete(h.tickerSubs, symbol)
			close(ch)
		}
		h.tickerMu.Unlock()
	}()

	return ch, nil
}

func (h *HTX) ensureWS() (*WSReconnectManager, error) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	if h.wsManager != nil {
		return h.wsManager, nil
	}

	mgr := NewWSReconnectManager("htx", htxWSURL, DefaultWSReconnectConfig())
	mgr.SetOnMessage(h.handleMessage)
	mgr.SetOnConnect(func() {
		if h.log != nil {
			h.log.Info("htx websocket connected")
		}
	})
	mgr.SetOnDisconnect(func(err error) {
		if h.log != nil && err != nil {
			h.log.Warn("htx websocket disconnected", zap.Error(err))
		}
	})
	if err := mgr.Connect(); err != nil {
		return nil, newTransient("htx", "connect websocket", err)
	}
	h.wsManager = mgr
	return mgr, nil
}

func (h *HTX) handleMessage(message []byte) {
	raw, err := decompressHTXMessage(message)
	if err != nil {
		return
	}

	var ping struct {
		Ping int64 `json:"ping"`
	}
	if err := json.Unmarshal(raw, &ping); err == nil && ping.Ping != 0 {
		h.wsMu.Lock()
		mgr := h.wsManager
		h.wsMu.Unlock()
		if mgr != nil {
			mgr.Send(map[string]interface{}{"pong": ping.Ping})
		}
		return
	}

	var msg struct {
		Ch   string `json:"ch"`
		Tick struct {
			Bid   []float64 `json:"bid"`
			Ask   []float64 `json:"ask"`
			Close float64   `json:"close"`
		} `json:"tick"`
		Ts int64 `json:"ts"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if !strings.Contains(msg.Ch, ".detail") {
		return
	}

	parts := strings.Split(msg.Ch, ".")
	if len(parts) < 2 {
		return
	}
	symbol := h.fromHTXSymbol(parts[1])

	h.tickerMu.RLock()
	ch, ok := h.tickerSubs[symbol]
	h.tickerMu.RUnlock()
	if !ok {
		return
	}

	var bid, ask float64
	if len(msg.Tick.Bid) > 0 {
		bid = msg.Tick.Bid[0]
	}
	if len(msg.Tick.Ask) > 0 {
		ask = msg.Tick.Ask[0]
	}
	tick := &Ticker{Symbol: symbol, BidPrice: bid, AskPrice: ask, LastPrice: msg.Tick.Close, Timestamp: time.UnixMilli(msg.Ts)}

	select {
	case ch <- tick:
	default:
	}
}

func (h *HTX) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	contract := h.toHTXSymbol(symbol)
	depthType := "step0"
	if depth <= 20 {
		depthType = "step6"
	}
	params := map[string]string{"contract_code": contract, "type": depthType}

	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-ex/market/depth", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Tick struct {
			Bids [][]float64 `json:"bids"`
			Asks [][]float64 `json:"asks"`
		} `json:"tick"`
		Ts int64 `json:"ts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("htx", "decode depth", err)
	}

	ob := &OrderBook{
		Symbol: symbol, Bids: make([]PriceLevel, len(resp.Tick.Bids)),
		Asks: make([]PriceLevel, len(resp.Tick.Asks)), Timestamp: time.UnixMilli(resp.Ts),
	}
	for i, bid := range resp.Tick.Bids {
		if len(bid) >= 2 {
			ob.Bids[i] = PriceLevel{Price: bid[0], Volume: bid[1]}
		}
	}
	for i, ask := range resp.Tick.Asks {
		if len(ask) >= 2 {
			ob.Asks[i] = PriceLevel{Price: ask[0], Volume: ask[1]}
		}
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

func (h *HTX) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	contract := h.toHTXSymbol(symbol)
	params := map[string]string{"contract_code": contract, "lever_rate": strconv.Itoa(leverage)}
	_, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cross_switch_lever_rate", params, true)
	return err
}

func (h *HTX) SetMarginMode(ctx context.Context, symbol, mode string) error {
	marginMode := "cross"
	if mode == "isolated" {
		marginMode = "isolated"
	}
	params := map[string]string{"margin_account": "USDT", "margin_mode": marginMode}
	_, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cross_switch_account_type", params, true)
	return err
}

func (h *HTX) SetPositionMode(ctx context.Context, hedged bool) error {
	posMode := "single_side"
	if hedged {
		posMode = "dual_side"
	}
	params := map[string]string{"margin_account": "USDT", "position_mode": posMode}
	_, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cross_position_mode_switch", params, true)
	return err
}

func (h *HTX) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error) {
	contract := h.toHTXSymbol(symbol)

	direction := "buy"
	if side == SideSell {
		direction = "sell"
	}

	params := map[string]string{
		"contract_code": contract, "volume": strconv.FormatFloat(quantity, 'f', 0, 64),
		"direction": direction, "offset": "open", "order_price_type": "limit",
		"price": strconv.FormatFloat(price, 'f', -1, 64), "lever_rate": "10",
	}

	body, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderIdStr string `json:"order_id_str"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("htx", "decode order response", err)
	}

	return &Order{
		ID: resp.Data.OrderIdStr, Symbol: symbol, Side: side, Type: "limit",
		Quantity: quantity, Price: price, Status: OrderStatusOpen,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}, nil
}

func (h *HTX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	contract := h.toHTXSymbol(symbol)
	params := map[string]string{"contract_code": contract, "order_id": orderID}
	_, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cancel", params, true)
	return err
}

func (h *HTX) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	contract := h.toHTXSymbol(symbol)
	params := map[string]string{"contract_code": contract, "order_id": orderID}

	body, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_order_info", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			OrderIdStr    string  `json:"order_id_str"`
			Direction     string  `json:"direction"`
			Volume        float64 `json:"volume"`
			Price         float64 `json:"price"`
			TradeVolume   float64 `json:"trade_volume"`
			TradeAvgPrice float64 `json:"trade_avg_price"`
			Status        int     `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("htx", "decode order info", err)
	}
	if len(resp.Data) == 0 {
		return nil, newMarketState("htx", "order not found", nil)
	}

	d := resp.Data[0]
	side := SideBuy
	if d.Direction == "sell" {
		side = SideSell
	}

	return &Order{
		ID: d.OrderIdStr, Symbol: symbol, Side: side, Type: "limit",
		Quantity: d.Volume, Price: d.Price, FilledQty: d.TradeVolume,
		AvgFillPrice: d.TradeAvgPrice, Status: htxOrderStatus(d.Status), UpdatedAt: time.Now(),
	}, nil
}

func htxOrderStatus(status int) string {
	switch status {
	case 6:
		return OrderStatusFilled
	case 4, 5:
		return OrderStatusPartial
	case 7:
		return OrderStatusCancelled
	default:
		return OrderStatusOpen
	}
}

func (h *HTX) FetchPositions(ctx context.Context, symbols []string) ([]*Position, error) {
	params := map[string]string{"margin_account": "USDT"}
	body, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_position_info", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			ContractCode string  `json:"contract_code"`
			Direction    string  `json:"direction"`
			Volume       float64 `json:"volume"`
			CostOpen     float64 `json:"cost_open"`
			LastPrice    float64 `json:"last_price"`
			LeverRate    int     `json:"lever_rate"`
			Profit       float64 `json:"profit"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("htx", "decode position info", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]*Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		if p.Volume == 0 {
			continue
		}
		symbol := h.fromHTXSymbol(p.ContractCode)
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}

		side := SideLong
		if p.Direction == "sell" {
			side = SideShort
		}

		positions = append(positions, &Position{
			Symbol: symbol, Side: side, Size: p.Volume, EntryPrice: p.CostOpen,
			MarkPrice: p.LastPrice, Leverage: p.LeverRate, UnrealizedPnl: p.Profit,
			UpdatedAt: time.Now(),
		})
	}
	return positions, nil
}

func (h *HTX) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return 0.0004, nil
}

func (h *HTX) Close() error {
	h.tickerMu.Lock()
	for symbol, ch := range h.tickerSubs {
		delete(h.tickerSubs, symbol)
		close(ch)
	}
	h.tickerMu.Unlock()

	h.wsMu.Lock()
	if h.wsManager != nil {
		h.wsManager.Close()
		h.wsManager = nil
	}
	h.wsMu.Unlock()
	return nil
}
