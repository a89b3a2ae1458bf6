package exchange

import (
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

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetWSPublic    = "wss://ws.bitget.com/v2/ws/public"
	bitgetProductType = "USDT-FUTURES"
)

// Bitget implements Exchange for Bitget's v2 USDT-futures API.
type Bitget struct {
	apiKey     string
	secretKey  string
	passphrase string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	log        *zap.Logger

	wsPublicManager *WSReconnectManager

	marketsMu sync.RWMutex
	markets   map[string]*Market

	tickerMu   sync.RWMutex
	tickerSubs map[string]chan *Ticker
}

func NewBitget(log *zap.Logger) *Bitget {
	return &Bitget{
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 20),
		log:        log,
		markets:    make(map[string]*Market),
		tickerSubs: make(map[string]chan *Ticker),
	}
}

func (b *Bitget) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (b *Bitget) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, newTransient("bitget", "rate limiter wait cancelled", err)
	}

	var reqBody, reqURL string
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		queryStr := query.Encode()
		reqURL = bitgetBaseURL + endpoint
		if queryStr != "" {
			reqURL += "?" + queryStr
		}
	} else {
		reqURL = bitgetBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, newTransient("bitget", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		var signPath string
		if method == http.MethodGet && len(params) > 0 {
			query := url.Values{}
			for k, v := range params {
				query.Set(k, v)
			}
			signPath = endpoint + "?" + query.Encode()
		} else {
			signPath = endpoint
		}
		signature := b.sign(timestamp, method, signPath, reqBody)

		req.Header.Set("ACCESS-KEY", b.apiKey)
		req.Header.Set("ACCESS-SIGN", signature)
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-PASSPHRASE", b.passphrase)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, newTransient("bitget", "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient("bitget", "read response body", err)
	}

	var baseResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, newTransient("bitget", "decode response envelope", err)
	}

	if baseResp.Code != "00000" {
		if isPermanentBitgetCode(baseResp.Code) {
			return nil, newPermanent("bitget", baseResp.Msg, nil)
		}
		return nil, newMarketState("bitget", baseResp.Msg, nil)
	}

	return body, nil
}

func isPermanentBitgetCode(code string) bool {
	switch code {
	case "40001", "40006", "40009", "40037": // bad sign, invalid key, no permission, key not exist
		return true
	default:
		return false
	}
}

func (b *Bitget) Connect(apiKey, secret, passphrase string) error {
	b.apiKey = apiKey
	b.secretKey = secret
	b.passphrase = passphrase

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.FetchBalance(ctx); err != nil {
		return fmt.Errorf("connect to bitget: %w", err)
	}
	return nil
}

func (b *Bitget) GetName() string { return "bitget" }

func (b *Bitget) LoadMarkets(ctx context.Context) error {
	params := map[string]string{"productType": bitgetProductType}
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", params, false)
	if err != nil {
		return err
	}

	var resp struct {
		Data []struct {
			Symbol         string `json:"symbol"`
			MinTradeNum    string `json:"minTradeNum"`
			SizeMultiplier string `json:"sizeMultiplier"`
			PricePlace     string `json:"pricePlace"`
			VolPlace       string `json:"volPlace"`
			MaxLever       string `json:"maxLever"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransient("bitget", "decode contracts", err)
	}

	markets := make(map[string]*Market, len(resp.Data))
	for _, info := range resp.Data {
		if !strings.HasSuffix(info.Symbol, "USDT") {
			continue
		}
		minQty, _ := strconv.ParseFloat(info.MinTradeNum, 64)
		sizeMult, _ := strconv.ParseFloat(info.SizeMultiplier, 64)
		pricePlace, _ := strconv.Atoi(info.PricePlace)
		volPlace, _ := strconv.Atoi(info.VolPlace)
		maxLev, _ := strconv.Atoi(info.MaxLever)

		lotStep := 1.0
		for i := 0; i < volPlace; i++ {
			lotStep /= 10
		}
		tick := 1.0
		for i := 0; i < pricePlace; i++ {
			tick /= 10
		}

		markets[info.Symbol] = &Market{
			Venue: "bitget", Symbol: info.Symbol, NativeSymbol: info.Symbol,
			TickSize: tick, LotStep: lotStep, MinQty: minQty * sizeMult,
			MinNotional: 5.0, TakerFee: 0.0006, MaxLeverage: maxLev,
		}
	}

	b.marketsMu.Lock()
	b.markets = markets
	b.marketsMu.Unlock()
	return nil
}

func (b *Bitget) Market(symbol string) (*Market, error) {
	b.marketsMu.RLock()
	defer b.marketsMu.RUnlock()
	m, ok := b.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

func (b *Bitget) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
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

func (b *Bitget) FetchBalance(ctx context.Context) (Balance, error) {
	params := map[string]string{"productType": bitgetProductType}
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/account/accounts", params, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Data []struct {
			MarginCoin    string `json:"marginCoin"`
			Available     string `json:"available"`
			Locked        string `json:"locked"`
			AccountEquity string `json:"accountEquity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, newTransient("bitget", "decode accounts", err)
	}

	for _, acc := range resp.Data {
		if acc.MarginCoin != "USDT" {
			continue
		}
		total, _ := strconv.ParseFloat(acc.AccountEquity, 64)
		free, _ := strconv.ParseFloat(acc.Available, 64)
		locked, _ := strconv.ParseFloat(acc.Locked, 64)
		return Balance{Free: free, Used: locked, Total: total}, nil
	}
	return Balance{}, nil
}

func (b *Bitget) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"productType": bitgetProductType, "symbol": symbol}
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Symbol    string `json:"symbol"`
			BidPr     string `json:"bidPr"`
			AskPr     string `json:"askPr"`
			LastPr    string `json:"lastPr"`
			Timestamp string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bitget", "decode ticker", err)
	}
	if len(resp.Data) == 0 {
		return nil, newMarketState("bitget", "ticker not found for "+symbol, nil)
	}

	t := resp.Data[0]
	bid, _ := strconv.ParseFloat(t.BidPr, 64)
	ask, _ := strconv.ParseFloat(t.AskPr, 64)
	last, _ := strconv.ParseFloat(t.LastPr, 64)
	ts, _ := strconv.ParseInt(t.Timestamp, 10, 64)

	return &Ticker{Symbol: t.Symbol, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: time.UnixMilli(ts)}, nil
}

func (b *Bitget) WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error) {
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

	subMsg := map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{
			{"instType": "USDT-FUTURES", "channel": "ticker", "instId": symbol},
		},
	}
	b.wsPublicManager.AddSubscription(subMsg)
	if err := b.wsPublicManager.Send(subMsg); err != nil {
		return nil, newTransient("bitget", "send ticker subscription", err)
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

func (b *Bitget) ensurePublicWS() error {
	b.tickerMu.Lock()
	defer b.tickerMu.Unlock()
	if b.wsPublicManager != nil {
		return nil
	}

	mgr := NewWSReconnectManager("bitget-public", bitgetWSPublic, DefaultWSReconnectConfig())
	mgr.SetOnMessage(b.handlePublicMessage)
	mgr.SetOnConnect(func() {
		if b.log != nil {
			b.log.Info("bitget public websocket connected")
		}
	})
	mgr.SetOnDisconnect(func(err error) {
		if b.log != nil && err != nil {
			b.log.Warn("bitget public websocket disconnected", zap.Error(err))
		}
	})
	if err := mgr.Connect(); err != nil {
		return newTransient("bitget", "connect public websocket", err)
	}
	b.wsPublicManager = mgr
	return nil
}

func (b *Bitget) handlePublicMessage(message []byte) {
	var msg struct {
		Arg struct {
			Channel string `json:"channel"`
			InstId  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			BidPr  string `json:"bidPr"`
			AskPr  string `json:"askPr"`
			LastPr string `json:"lastPr"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Arg.Channel != "ticker" || len(msg.Data) == 0 {
		return
	}

	b.tickerMu.RLock()
	ch, ok := b.tickerSubs[msg.Arg.InstId]
	b.tickerMu.RUnlock()
	if !ok {
		return
	}

	d := msg.Data[0]
	bid, _ := strconv.ParseFloat(d.BidPr, 64)
	ask, _ := strconv.ParseFloat(d.AskPr, 64)
	last, _ := strconv.ParseFloat(d.LastPr, 64)
	ts, _ := strconv.ParseInt(d.Ts, 10, 64)
	tick := &Ticker{Symbol: msg.Arg.InstId, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: time.UnixMilli(ts)}

	select {
	case ch <- tick:
	default:
	}
}

func (b *Bitget) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth > 100 {
		depth = 100
	}
	params := map[string]string{"productType": bitgetProductType, "symbol": symbol, "limit": strconv.Itoa(depth)}

	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/merge-depth", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bitget", "decode merge-depth", err)
	}

	ts, _ := strconv.ParseInt(resp.Data.Ts, 10, 64)
	ob := &OrderBook{
		Symbol: symbol, Bids: make([]PriceLevel, len(resp.Data.Bids)),
		Asks: make([]PriceLevel, len(resp.Data.Asks)), Timestamp: time.UnixMilli(ts),
	}
	for i, lvl := range resp.Data.Bids {
		price, _ := strconv.ParseFloat(lvl[0], 64)
		vol, _ := strconv.ParseFloat(lvl[1], 64)
		ob.Bids[i] = PriceLevel{Price: price, Volume: vol}
	}
	for i, lvl := range resp.Data.Asks {
		price, _ := strconv.ParseFloat(lvl[0], 64)
		vol, _ := strconv.ParseFloat(lvl[1], 64)
		ob.Asks[i] = PriceLevel{Price: price, Volume: vol}
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

func (b *Bitget) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"productType": bitgetProductType, "symbol": symbol, "marginCoin": "USDT",
		"leverage": strconv.Itoa(leverage),
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", params, true)
	return err
}

func (b *Bitget) SetMarginMode(ctx context.Context, symbol, mode string) error {
	marginMode := "crossed"
	if mode == "isolated" {
		marginMode = "isolated"
	}
	params := map[string]string{
		"productType": bitgetProductType, "symbol": symbol, "marginCoin": "USDT",
		"marginMode": marginMode,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-margin-mode", params, true)
	return err
}

func (b *Bitget) SetPositionMode(ctx context.Context, hedged bool) error {
	posMode := "one_way_mode"
	if hedged {
		posMode = "hedge_mode"
	}
	params := map[string]string{"productType": bitgetProductType, "posMode": posMode}
	_, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-position-mode", params, true)
	return err
}

func (b *Bitget) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error) {
	bitgetSide := "buy"
	if side == SideSell {
		bitgetSide = "sell"
	}

	params := map[string]string{
		"productType": bitgetProductType, "symbol": symbol, "marginMode": "crossed",
		"marginCoin": "USDT", "side": bitgetSide, "tradeSide": "open",
		"orderType": "limit", "force": "gtc",
		"size":  strconv.FormatFloat(quantity, 'f', -1, 64),
		"price": strconv.FormatFloat(price, 'f', -1, 64),
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderId string `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bitget", "decode place-order", err)
	}

	return &Order{
		ID: resp.Data.OrderId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: quantity, Price: price, Status: OrderStatusOpen,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}, nil
}

func (b *Bitget) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"productType": bitgetProductType, "symbol": symbol, "orderId": orderID}
	_, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", params, true)
	return err
}

func (b *Bitget) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := map[string]string{"productType": bitgetProductType, "symbol": symbol, "orderId": orderID}
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/detail", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderId    string `json:"orderId"`
			Side       string `json:"side"`
			Size       string `json:"size"`
			Price      string `json:"price"`
			BaseVolume string `json:"baseVolume"`
			PriceAvg   string `json:"priceAvg"`
			State      string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bitget", "decode order detail", err)
	}

	d := resp.Data
	qty, _ := strconv.ParseFloat(d.Size, 64)
	price, _ := strconv.ParseFloat(d.Price, 64)
	filled, _ := strconv.ParseFloat(d.BaseVolume, 64)
	avg, _ := strconv.ParseFloat(d.PriceAvg, 64)

	side := SideBuy
	if d.Side == "sell" {
		side = SideSell
	}

	return &Order{
		ID: d.OrderId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: qty, Price: price, FilledQty: filled, AvgFillPrice: avg,
		Status: bitgetOrderStatus(d.State), UpdatedAt: time.Now(),
	}, nil
}

func bitgetOrderStatus(s string) string {
	switch s {
	case "filled":
		return OrderStatusFilled
	case "partially_filled":
		return OrderStatusPartial
	case "cancelled":
		return OrderStatusCancelled
	default:
		return OrderStatusOpen
	}
}

func (b *Bitget) FetchPositions(ctx context.Context, symbols []string) ([]*Position, error) {
	params := map[string]string{"productType": bitgetProductType, "marginCoin": "USDT"}
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/position/all-position", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Symbol       string `json:"symbol"`
			HoldSide     string `json:"holdSide"`
			Total        string `json:"total"`
			OpenPriceAvg string `json:"openPriceAvg"`
			MarkPrice    string `json:"markPrice"`
			Leverage     string `json:"leverage"`
			UnrealizedPL string `json:"unrealizedPL"`
			UTime        string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("bitget", "decode all-position", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]*Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		size, _ := strconv.ParseFloat(p.Total, 64)
		if size == 0 {
			continue
		}
		if len(wanted) > 0 && !wanted[p.Symbol] {
			continue
		}

		entry, _ := strconv.ParseFloat(p.OpenPriceAvg, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		upnl, _ := strconv.ParseFloat(p.UnrealizedPL, 64)
		uTime, _ := strconv.ParseInt(p.UTime, 10, 64)

		side := SideLong
		if p.HoldSide == "short" {
			side = SideShort
		}

		positions = append(positions, &Position{
			Symbol: p.Symbol, Side: side, Size: size, EntryPrice: entry,
			MarkPrice: mark, Leverage: leverage, UnrealizedPnl: upnl,
			UpdatedAt: time.UnixMilli(uTime),
		})
	}
	return positions, nil
}

func (b *Bitget) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return 0.0006, nil
}

func (b *Bitget) Close() error {
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
