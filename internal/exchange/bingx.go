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
	bingxBaseURL = "https://open-api.bingx.com"
	bingxWSURL   = "wss://open-api-swap.bingx.com/swap-market"
)

// BingX implements Exchange for BingX's perpetual swap API. Unlike the
// other venues, leverage is set per side (long/short independently)
// rather than once per symbol.
type BingX struct {
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

func NewBingX(log *zap.Logger) *BingX {
	return &BingX{
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 20),
		log:        log,
		markets:    make(map[string]*Market),
		tickerSubs: make(map[string]chan *Ticker),
	}
}

func (b *BingX) sign(params string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(params))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BingX) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, newTransient("bingx", "rate limiter wait cancelled", err)
	}

	var reqBody string
	reqURL := bingxBaseURL + endpoint

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		query.Set("timestamp", timestamp)
		signature := b.sign(query.Encode())
		query.Set("signature", signature)
	}

	if method == http.MethodGet {
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}
	} else {
		reqBody = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, newTransient("bingx", "build request", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-BX-APIKEY", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, newTransient("bingx", "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient("bingx", "read response body", err)
	}

	var baseResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, newTransient("bingx", "decode response envelope", err)
	}

	if baseResp.Code != 0 {
		if isPermanentBingXCode(baseResp.Code) {
			return nil, newPermanent("bingx", baseResp.Msg, nil)
		}
		return nil, newMarketState("bingx", baseResp.Msg, nil)
	}

	return body, nil
}

func isPermanentBingXCode(code int) bool {
	switch code {
	case 100001, 100412, 100413: // signature error, api key invalid, permission denied
		return true
	default:
		return false
	}
}

func (b *BingX) Connect(apiKey, secret, _ string) error {
	b.apiKey = apiKey
	b.secretKey = secret

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.FetchBalance(ctx); err != nil {
		return fmt.Errorf("connect to bingx: %w", err)
	}
	return nil
}

func (b *BingX) GetName() string { return "bingx" }

func (b *BingX) toBingXSymbol(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "-USDT"
}

func (b *BingX) fromBingXSymbol(contract string) string {
	return strings.ReplaceAll(contract, "-", "")
}

func (b *BingX) LoadMarkets(ctx context.Context) error {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/contracts", nil, false)
	if err != nil {
		return err
	}

	var resp struct {
		Data []struct {
			Symbol          string `json:"symbol"`
			Size            string `json:"size"`
			TickSize        string `json:"tickSize"`
			MaxLongLeverage int    `json:"maxLongLeverage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransient("bingx", "decode contracts", err)
	}

	markets := make(map[string]*Market, len(resp.Data))
	for _, info := range resp.Data {
		if !strings.HasSuffix(info.Symbol, "-USDT") {
			continue
		}
		normalized := b.fromBingXSymbol(info.Symbol)
		minSize, _ := strconv.ParseFloat(info.Size, 64)
		tickSize, _ := strconv.ParseFloat(info.TickSize, 64)
		markets[normalized] = &Market{
			Venue: "bingx", Symbol: normalized, NativeSymbol: info.Symbol,
			TickSize: tickSize, LotStep: minSize, MinQty: minSize,
			MinNotional: 5.0, TakerFee: 0.0005, MaxLeverage: info.MaxLongLeverage,
		}
	}

	b.marketsMu.Lock()
	b.markets = markets
	b.marketsMu.Unlock()
	return nil
}

func (b *BingX) Market(symbol string) (*Market, error) {
	b.marketsMu.RLock()
	defer b.marketsMu.RUnlock()
	m, ok := b.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

func (b *BingX) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	base := strings.ToUpper(baseTicker)
	candidate := base + "USDT"

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
	if _, ok := b.markets[candidate]; ok {
		return candidate, nil
	}
	return "", ErrSymbolUnresolved
}

func (b *BingX) FetchBalance(ctx context.Context) (Balance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Data struct {
			Balance struct {
				Equity         string `json:"equity"`
				AvailableMargin string `json:"availableMargin"`
				UsedMargin     string `json:"usedMargin"`
			} `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, newTransient("bingx", "decode balance", err)
	}

	equity, _ := strconv.ParseFloat(resp.Data.Balance.Equity, 64)
	free, _ := strconv.ParseFloat(resp.Data.Balance.AvailableMargin, 64)
	used, _ := strconv.ParseFloat(resp.Data.Balance.UsedMargin, 64)

	return Balance{Free: free, Used: used, Total: equity}, nil
}

func (b *BingX) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	bingxSymbol := b.toBingXSymbol(symbol)
	params := map[string]string{"symbol": bingxSymbol}

	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/ticker", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			LastPrice string `json:"lastPrice"`
			BidPrice  string `json:"bidPrice"`
			AskPrice  string `json:"askPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bingx", "decode ticker", err)
	}

	bid, _ := strconv.ParseFloat(resp.Data.BidPrice, 64)
	ask, _ := strconv.ParseFloat(resp.Data.AskPrice, 64)
	last, _ := strconv.ParseFloat(resp.Data.LastPrice, 64)

	return &Ticker{Symbol: symbol, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: time.Now()}, nil
}

func (b *BingX) WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error) {
	b.tickerMu.Lock()
	if ch, ok := b.tickerSubs[symbol]; ok {
		b.tickerMu.Unlock()
		return ch, nil
	}
	ch := make(chan *Ticker, 16)
	b.tickerSubs[symbol] = ch
	b.tickerMu.Unlock()

	wsManager, err := b.ensureWS()
	if err != nil {
		return nil, err
	}

	bingxSymbol := b.toBingXSymbol(symbol)
	subMsg := map[string]interface{}{
		"id":       fmt.Sprintf("ticker_%s", symbol),
		"reqType":  "sub",
		"dataType": fmt.Sprintf("%s@ticker", bingxSymbol),
	}
	wsManager.AddSubscription(subMsg)
	if err := wsManager.Send(subMsg); err != nil {
		return nil, newTransient("bingx", "send ticker subscription", err)
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

func (b *BingX) ensureWS() (*WSReconnectManager, error) {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	if b.wsManager != nil {
		return b.wsManager, nil
	}

	mgr := NewWSReconnectManager("bingx", bingxWSURL, DefaultWSReconnectConfig())
	mgr.SetOnMessage(b.handleMessage)
	mgr.SetOnConnect(func() {
		if b.log != nil {
			b.log.Info("bingx websocket connected")
		}
	})
	mgr.SetOnDisconnect(func(err error) {
		if b.log != nil && err != nil {
			b.log.Warn("bingx websocket disconnected", zap.Error(err))
		}
	})
	if err := mgr.Connect(); err != nil {
		return nil, newTransient("bingx", "connect websocket", err)
	}
	b.wsManager = mgr
	return mgr, nil
}

func (b *BingX) handleMessage(message []byte) {
	var msg struct {
		DataType string `json:"dataType"`
		Data     struct {
			Symbol    string `json:"s"`
			LastPrice string `json:"c"`
			BidPrice  string `json:"b"`
			AskPrice  string `json:"a"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.Contains(msg.DataType, "@ticker") {
		return
	}

	symbol := b.fromBingXSymbol(msg.Data.Symbol)

	b.tickerMu.RLock()
	ch, ok := b.tickerSubs[symbol]
	b.tickerMu.RUnlock()
	if !ok {
		return
	}

	bid, _ := strconv.ParseFloat(msg.Data.BidPrice, 64)
	ask, _ := strconv.ParseFloat(msg.Data.AskPrice, 64)
	last, _ := strconv.ParseFloat(msg.Data.LastPrice, 64)
	tick := &Ticker{Symbol: symbol, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: time.Now()}

	select {
	case ch <- tick:
	default:
	}
}

func (b *BingX) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth > 1000 {
		depth = 1000
	}
	bingxSymbol := b.toBingXSymbol(symbol)
	params := map[string]string{"symbol": bingxSymbol, "limit": strconv.Itoa(depth)}

	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/depth", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			T    int64      `json:"T"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bingx", "decode order book", err)
	}

	ob := &OrderBook{
		Symbol: symbol, Bids: make([]PriceLevel, len(resp.Data.Bids)),
		Asks: make([]PriceLevel, len(resp.Data.Asks)), Timestamp: time.UnixMilli(resp.Data.T),
	}
	for i, bid := range resp.Data.Bids {
		if len(bid) >= 2 {
			price, _ := strconv.ParseFloat(bid[0], 64)
			volume, _ := strconv.ParseFloat(bid[1], 64)
			ob.Bids[i] = PriceLevel{Price: price, Volume: volume}
		}
	}
	for i, ask := range resp.Data.Asks {
		if len(ask) >= 2 {
			price, _ := strconv.ParseFloat(ask[0], 64)
			volume, _ := strconv.ParseFloat(ask[1], 64)
			ob.Asks[i] = PriceLevel{Price: price, Volume: volume}
		}
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

// SetLeverage sets leverage for both the long and short side independently,
// since BingX's leverage endpoint is scoped per position side rather than
// per symbol.
func (b *BingX) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	bingxSymbol := b.toBingXSymbol(symbol)

	for _, side := range []string{"LONG", "SHORT"} {
		params := map[string]string{
			"symbol": bingxSymbol, "side": side, "leverage": strconv.Itoa(leverage),
		}
		if _, err := b.doRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *BingX) SetMarginMode(ctx context.Context, symbol, mode string) error {
	bingxSymbol := b.toBingXSymbol(symbol)
	marginType := "CROSSED"
	if mode == "isolated" {
		marginType = "ISOLATED"
	}
	params := map[string]string{"symbol": bingxSymbol, "marginType": marginType}
	_, err := b.doRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/marginType", params, true)
	return err
}

func (b *BingX) SetPositionMode(ctx context.Context, hedged bool) error {
	dualSide := "false"
	if hedged {
		dualSide = "true"
	}
	params := map[string]string{"dualSidePosition": dualSide}
	_, err := b.doRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/positionSide/dual", params, true)
	return err
}

func (b *BingX) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error) {
	bingxSymbol := b.toBingXSymbol(symbol)

	bingxSide := "BUY"
	positionSide := "LONG"
	if side == SideSell {
		bingxSide = "SELL"
		positionSide = "SHORT"
	}

	params := map[string]string{
		"symbol": bingxSymbol, "side": bingxSide, "positionSide": positionSide,
		"type": "LIMIT", "quantity": strconv.FormatFloat(quantity, 'f', -1, 64),
		"price": strconv.FormatFloat(price, 'f', -1, 64), "timeInForce": "GTC",
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Order struct {
				OrderId string `json:"orderId"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bingx", "decode order response", err)
	}

	return &Order{
		ID: resp.Data.Order.OrderId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: quantity, Price: price, Status: OrderStatusOpen,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}, nil
}

func (b *BingX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	bingxSymbol := b.toBingXSymbol(symbol)
	params := map[string]string{"symbol": bingxSymbol, "orderId": orderID}
	_, err := b.doRequest(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", params, true)
	return err
}

func (b *BingX) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	bingxSymbol := b.toBingXSymbol(symbol)
	params := map[string]string{"symbol": bingxSymbol, "orderId": orderID}

	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Order struct {
				OrderId     string `json:"orderId"`
				Side        string `json:"side"`
				Price       string `json:"price"`
				Quantity    string `json:"origQty"`
				ExecutedQty string `json:"executedQty"`
				AvgPrice    string `json:"avgPrice"`
				Status      string `json:"status"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bingx", "decode order detail", err)
	}

	o := resp.Data.Order
	side := SideBuy
	if o.Side == "SELL" {
		side = SideSell
	}
	qty, _ := strconv.ParseFloat(o.Quantity, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return &Order{
		ID: o.OrderId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: qty, Price: price, FilledQty: filled, AvgFillPrice: avgPrice,
		Status: bingxOrderStatus(o.Status), UpdatedAt: time.Now(),
	}, nil
}

func bingxOrderStatus(status string) string {
	switch status {
	case "FILLED":
		return OrderStatusFilled
	case "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "CANCELED":
		return OrderStatusCancelled
	case "REJECTED", "EXPIRED":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}

func (b *BingX) FetchPositions(ctx context.Context, symbols []string) ([]*Position, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Symbol           string `json:"symbol"`
			PositionSide     string `json:"positionSide"`
			PositionAmt      string `json:"positionAmt"`
			AvgPrice         string `json:"avgPrice"`
			MarkPrice        string `json:"markPrice"`
			Leverage         int    `json:"leverage"`
			UnrealizedProfit string `json:"unrealizedProfit"`
			UpdateTime       int64  `json:"updateTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bingx", "decode positions", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]*Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		posAmt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if posAmt == 0 {
			continue
		}
		symbol := b.fromBingXSymbol(p.Symbol)
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(p.AvgPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		unrealizedPnl, _ := strconv.ParseFloat(p.UnrealizedProfit, 64)

		side := SideLong
		size := posAmt
		if p.PositionSide == "SHORT" || posAmt < 0 {
			side = SideShort
			if size < 0 {
				size = -size
			}
		}

		positions = append(positions, &Position{
			Symbol: symbol, Side: side, Size: size, EntryPrice: entryPrice,
			MarkPrice: markPrice, Leverage: p.Leverage, UnrealizedPnl: unrealizedPnl,
			UpdatedAt: time.UnixMilli(p.UpdateTime),
		})
	}
	return positions, nil
}

func (b *BingX) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return 0.0005, nil
}

func (b *BingX) Close() error {
	b.tickerMu.Lock()
	for symbol, ch := range b.tickerSubs {
		delete(b.tickerSubs, symbol)
		close(ch)
	}
	b.tickerMu.Unlock()

	b.wsMu.Lock()
	if b.wsManager != nil {
		b.wsManager.Close()
		b.wsManager = nil
	}
	b.wsMu.Unlock()
	return nil
}
