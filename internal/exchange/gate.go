package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbitrage/pkg/ratelimit"
	"go.uber.org/zap"
)

const (
	gateBaseURL = "https://api.gateio.ws/api/v4"
	gateWSURL   = "wss://fx-ws.gateio.ws/v4/ws/usdt"
)

// Gate implements Exchange for Gate.io's USDT-settled futures API.
// Gate expresses quantity in whole contracts, not base-asset units;
// QuantoMultiplier (folded into Market.LotStep) is the contract's
// underlying size, matching Gate's own "quanto_multiplier" naming.
type Gate struct {
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

func NewGate(log *zap.Logger) *Gate {
	return &Gate{
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 20),
		log:        log,
		markets:    make(map[string]*Market),
		tickerSubs: make(map[string]chan *Ticker),
	}
}

func (g *Gate) sign(method, url, queryString, body string, timestamp int64) string {
	bodyHash := sha512.Sum512([]byte(body))
	bodyHashHex := hex.EncodeToString(bodyHash[:])
	signStr := fmt.Sprintf("%s\n%s\n%s\n%s\n%d", method, url, queryString, bodyHashHex, timestamp)
	h := hmac.New(sha512.New, []byte(g.secretKey))
	h.Write([]byte(signStr))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Gate) parseFloat(value string) float64 {
	result, _ := strconv.ParseFloat(value, 64)
	return result
}

func (g *Gate) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, newTransient("gate", "rate limiter wait cancelled", err)
	}

	var reqBody, queryString string
	reqURL := gateBaseURL + endpoint

	if method == http.MethodGet {
		if len(params) > 0 {
			query := make([]string, 0, len(params))
			for k, v := range params {
				query = append(query, k+"="+v)
			}
			queryString = strings.Join(query, "&")
			reqURL += "?" + queryString
		}
	} else if len(params) > 0 {
		jsonBytes, _ := json.Marshal(params)
		reqBody = string(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, newTransient("gate", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		timestamp := time.Now().Unix()
		signature := g.sign(method, endpoint, queryString, reqBody, timestamp)
		req.Header.Set("KEY", g.apiKey)
		req.Header.Set("SIGN", signature)
		req.Header.Set("Timestamp", strconv.FormatInt(timestamp, 10))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, newTransient("gate", "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient("gate", "read response body", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Label   string `json:"label"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &errResp)
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return nil, newPermanent("gate", errResp.Message, nil)
		}
		return nil, newMarketState("gate", errResp.Message, nil)
	}

	return body, nil
}

func (g *Gate) Connect(apiKey, secret, _ string) error {
	g.apiKey = apiKey
	g.secretKey = secret

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := g.FetchBalance(ctx); err != nil {
		return fmt.Errorf("connect to gate: %w", err)
	}
	return nil
}

func (g *Gate) GetName() string { return "gate" }

func (g *Gate) toGateSymbol(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "_USDT"
}

func (g *Gate) fromGateSymbol(contract string) string {
	return strings.ReplaceAll(contract, "_", "")
}

func (g *Gate) LoadMarkets(ctx context.Context) error {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/contracts", nil, false)
	if err != nil {
		return err
	}

	var resp []struct {
		Name              string `json:"name"`
		OrderSizeMin      int64  `json:"order_size_min"`
		OrderSizeMax      int64  `json:"order_size_max"`
		QuantoMultiplier  string `json:"quanto_multiplier"`
		OrderPriceRound   string `json:"order_price_round"`
		LeverageMax       int    `json:"leverage_max"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransient("gate", "decode contracts", err)
	}

	markets := make(map[string]*Market, len(resp))
	for _, info := range resp {
		if !strings.HasSuffix(info.Name, "_USDT") {
			continue
		}
		normalized := g.fromGateSymbol(info.Name)
		markets[normalized] = &Market{
			Venue: "gate", Symbol: normalized, NativeSymbol: info.Name,
			TickSize: g.parseFloat(info.OrderPriceRound), LotStep: g.parseFloat(info.QuantoMultiplier),
			MinQty: float64(info.OrderSizeMin) * g.parseFloat(info.QuantoMultiplier),
			MinNotional: 5.0, TakerFee: 0.0005, MaxLeverage: info.LeverageMax,
		}
	}

	g.marketsMu.Lock()
	g.markets = markets
	g.marketsMu.Unlock()
	return nil
}

func (g *Gate) Market(symbol string) (*Market, error) {
	g.marketsMu.RLock()
	defer g.marketsMu.RUnlock()
	m, ok := g.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

func (g *Gate) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	base := strings.ToUpper(baseTicker)
	candidate := base + "USDT"

	g.marketsMu.RLock()
	empty := len(g.markets) == 0
	g.marketsMu.RUnlock()
	if empty {
		if err := g.LoadMarkets(ctx); err != nil {
			return "", err
		}
	}

	g.marketsMu.RLock()
	defer g.marketsMu.RUnlock()
	if _, ok := g.markets[candidate]; ok {
		return candidate, nil
	}
	return "", ErrSymbolUnresolved
}

func (g *Gate) FetchBalance(ctx context.Context) (Balance, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/accounts", nil, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Total     string `json:"total"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, newTransient("gate", "decode accounts", err)
	}

	total := g.parseFloat(resp.Total)
	free := g.parseFloat(resp.Available)
	return Balance{Free: free, Used: total - free, Total: total}, nil
}

func (g *Gate) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	contract := g.toGateSymbol(symbol)
	params := map[string]string{"contract": contract}

	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Contract   string `json:"contract"`
		Last       string `json:"last"`
		LowestAsk  string `json:"lowest_ask"`
		HighestBid string `json:"highest_bid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("gate", "decode tickers", err)
	}
	if len(resp) == 0 {
		return nil, newMarketState("gate", "ticker not found for "+symbol, nil)
	}

	t := resp[0]
	return &Ticker{
		Symbol: symbol, BidPrice: g.parseFloat(t.HighestBid), AskPrice: g.parseFloat(t.LowestAsk),
		LastPrice: g.parseFloat(t.Last), Timestamp: time.Now(),
	}, nil
}

func (g *Gate) WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error) {
	g.tickerMu.Lock()
	if ch, ok := g.tickerSubs[symbol]; ok {
		g.tickerMu.Unlock()
		return ch, nil
	}
	ch := make(chan *Ticker, 16)
	g.tickerSubs[symbol] = ch
	g.tickerMu.Unlock()

	wsManager, err := g.ensureWS()
	if err != nil {
		return nil, err
	}

	contract := g.toGateSymbol(symbol)
	subMsg := map[string]interface{}{
		"time": time.Now().Unix(), "channel": "futures.tickers",
		"event": "subscribe", "payload": []string{contract},
	}
	wsManager.AddSubscription(subMsg)
	if err := wsManager.Send(subMsg); err != nil {
		return nil, newTransient("gate", "send ticker subscription", err)
	}

	go func() {
		<-ctx.Done()
		g.tickerMu.Lock()
		if existing, ok := g.tickerSubs[symbol]; ok && existing == ch {
			delete(g.tickerSubs, symbol)
			close(ch)
		}
		g.tickerMu.Unlock()
	}()

	return ch, nil
}

func (g *Gate) ensureWS() (*WSReconnectManager, error) {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	if g.wsManager != nil {
		return g.wsManager, nil
	}

	mgr := NewWSReconnectManager("gate", gateWSURL, DefaultWSReconnectConfig())
	mgr.SetOnMessage(g.handleMessage)
	mgr.SetOnConnect(func() {
		if g.log != nil {
			g.log.Info("gate websocket connected")
		}
	})
	mgr.SetOnDisconnect(func(err error) {
		if g.log != nil && err != nil {
			g.log.Warn("gate websocket disconnected", zap.Error(err))
		}
	})
	if err := mgr.Connect(); err != nil {
		return nil, newTransient("gate", "connect websocket", err)
	}
	g.wsManager = mgr
	return mgr, nil
}

func (g *Gate) handleMessage(message []byte) {
	var baseMsg struct {
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		return
	}
	if baseMsg.Channel == "futures.tickers" && baseMsg.Event == "update" {
		g.handleTickerUpdate(baseMsg.Result)
	}
}

func (g *Gate) handleTickerUpdate(data []byte) {
	var tickers []struct {
		Contract   string `json:"contract"`
		Last       string `json:"last"`
		LowestAsk  string `json:"lowest_ask"`
		HighestBid string `json:"highest_bid"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return
	}

	for _, t := range tickers {
		symbol := g.fromGateSymbol(t.Contract)
		g.tickerMu.RLock()
		ch, ok := g.tickerSubs[symbol]
		g.tickerMu.RUnlock()
		if !ok {
			continue
		}

		tick := &Ticker{
			Symbol: symbol, BidPrice: g.parseFloat(t.HighestBid), AskPrice: g.parseFloat(t.LowestAsk),
			LastPrice: g.parseFloat(t.Last), Timestamp: time.Now(),
		}
		select {
		case ch <- tick:
		default:
		}
	}
}

func (g *Gate) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth > 100 {
		depth = 100
	}
	contract := g.toGateSymbol(symbol)
	params := map[string]string{"contract": contract, "limit": strconv.Itoa(depth)}

	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/order_book", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Asks []struct {
			P string `json:"p"`
			S int64  `json:"s"`
		} `json:"asks"`
		Bids []struct {
			P string `json:"p"`
			S int64  `json:"s"`
		} `json:"bids"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("gate", "decode order_book", err)
	}

	ob := &OrderBook{
		Symbol: symbol, Bids: make([]PriceLevel, len(resp.Bids)),
		Asks: make([]PriceLevel, len(resp.Asks)), Timestamp: time.Now(),
	}
	for i, bid := range resp.Bids {
		ob.Bids[i] = PriceLevel{Price: g.parseFloat(bid.P), Volume: float64(bid.S)}
	}
	for i, ask := range resp.Asks {
		ob.Asks[i] = PriceLevel{Price: g.parseFloat(ask.P), Volume: float64(ask.S)}
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

func (g *Gate) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	contract := g.toGateSymbol(symbol)
	params := map[string]string{"leverage": strconv.Itoa(leverage)}
	_, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/positions/"+contract+"/leverage", params, true)
	return err
}

func (g *Gate) SetMarginMode(ctx context.Context, symbol, mode string) error {
	contract := g.toGateSymbol(symbol)
	// Gate.io controls isolated margin via the leverage call itself:
	// a non-zero leverage with cross_leverage_limit=0 selects isolated.
	params := map[string]string{"leverage": "0"}
	if mode == "isolated" {
		params = map[string]string{"leverage": "10", "cross_leverage_limit": "0"}
	}
	_, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/positions/"+contract+"/leverage", params, true)
	return err
}

func (g *Gate) SetPositionMode(ctx context.Context, hedged bool) error {
	params := map[string]string{"dual_mode": strconv.FormatBool(hedged)}
	_, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/dual_mode", params, true)
	return err
}

func (g *Gate) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error) {
	contract := g.toGateSymbol(symbol)

	size := int64(quantity)
	if side == SideSell {
		size = -size
	}

	params := map[string]string{
		"contract": contract, "size": strconv.FormatInt(size, 10),
		"price": strconv.FormatFloat(price, 'f', -1, 64), "tif": "gtc",
	}

	body, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/orders", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Id int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("gate", "decode order response", err)
	}

	return &Order{
		ID: strconv.FormatInt(resp.Id, 10), Symbol: symbol, Side: side, Type: "limit",
		Quantity: quantity, Price: price, Status: OrderStatusOpen,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}, nil
}

func (g *Gate) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := g.doRequest(ctx, http.MethodDelete, "/futures/usdt/orders/"+orderID, nil, true)
	return err
}

func (g *Gate) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/orders/"+orderID, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Id        int64  `json:"id"`
		Contract  string `json:"contract"`
		Size      int64  `json:"size"`
		Price     string `json:"price"`
		Left      int64  `json:"left"`
		FillPrice string `json:"fill_price"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("gate", "decode order", err)
	}

	side := SideBuy
	qty := float64(resp.Size)
	if resp.Size < 0 {
		side = SideSell
		qty = -qty
	}
	filled := qty - float64(resp.Left)
	if filled < 0 {
		filled = -filled
	}

	return &Order{
		ID: strconv.FormatInt(resp.Id, 10), Symbol: symbol, Side: side, Type: "limit",
		Quantity: qty, Price: g.parseFloat(resp.Price), FilledQty: filled,
		AvgFillPrice: g.parseFloat(resp.FillPrice), Status: gateOrderStatus(resp.Status),
		UpdatedAt: time.Now(),
	}, nil
}

func gateOrderStatus(s string) string {
	switch s {
	case "finished":
		return OrderStatusFilled
	case "cancelled":
		return OrderStatusCancelled
	default:
		return OrderStatusOpen
	}
}

func (g *Gate) FetchPositions(ctx context.Context, symbols []string) ([]*Position, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/positions", nil, true)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Contract      string `json:"contract"`
		Size          int64  `json:"size"`
		EntryPrice    string `json:"entry_price"`
		MarkPrice     string `json:"mark_price"`
		Leverage      string `json:"leverage"`
		UnrealisedPnl string `json:"unrealised_pnl"`
		UpdateTime    int64  `json:"update_time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("gate", "decode positions", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]*Position, 0, len(resp))
	for _, p := range resp {
		if p.Size == 0 {
			continue
		}
		symbol := g.fromGateSymbol(p.Contract)
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}

		side := SideLong
		size := float64(p.Size)
		if p.Size < 0 {
			side = SideShort
			size = -size
		}
		leverage, _ := strconv.Atoi(p.Leverage)

		positions = append(positions, &Position{
			Symbol: symbol, Side: side, Size: size, EntryPrice: g.parseFloat(p.EntryPrice),
			MarkPrice: g.parseFloat(p.MarkPrice), Leverage: leverage,
			UnrealizedPnl: g.parseFloat(p.UnrealisedPnl), UpdatedAt: time.Unix(p.UpdateTime, 0),
		})
	}
	return positions, nil
}

func (g *Gate) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return 0.0005, nil
}

func (g *Gate) Close() error {
	g.tickerMu.Lock()
	for symbol, ch := range g.tickerSubs {
		delete(g.tickerSubs, symbol)
		close(ch)
	}
	g.tickerMu.Unlock()

	g.wsMu.Lock()
	if g.wsManager != nil {
		g.wsManager.Close()
		g.wsManager = nil
	}
	g.wsMu.Unlock()
	return nil
}
