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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbitrage/pkg/ratelimit"
	"go.uber.org/zap"
)

const (
	okxBaseURL  = "https://www.okx.com"
	okxWSPublic = "wss://ws.okx.com:8443/ws/v5/public"
)

// OKX implements Exchange for OKX's v5 SWAP API. Native instrument IDs
// (BTC-USDT-SWAP) differ from the normalized symbol (BTCUSDT) used
// everywhere else; Market.NativeSymbol carries the mapping.
type OKX struct {
	apiKey     string
	secretKey  string
	passphrase string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	log        *zap.Logger

	wsMu            sync.Mutex
	wsPublicManager *WSReconnectManager

	marketsMu sync.RWMutex
	markets   map[string]*Market

	tickerMu   sync.RWMutex
	tickerSubs map[string]chan *Ticker
}

func NewOKX(log *zap.Logger) *OKX {
	return &OKX{
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 20),
		log:        log,
		markets:    make(map[string]*Market),
		tickerSubs: make(map[string]chan *Ticker),
	}
}

func (o *OKX) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(o.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (o *OKX) parseFloat(value string) float64 {
	result, _ := strconv.ParseFloat(value, 64)
	return result
}

func (o *OKX) parseInt(value string) int {
	result, _ := strconv.Atoi(value)
	return result
}

func (o *OKX) parseInt64(value string) int64 {
	result, _ := strconv.ParseInt(value, 10, 64)
	return result
}

func (o *OKX) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, newTransient("okx", "rate limiter wait cancelled", err)
	}

	var reqBody, reqURL string
	if method == http.MethodGet {
		reqURL = okxBaseURL + endpoint
		if len(params) > 0 {
			query := make([]string, 0, len(params))
			for k, v := range params {
				query = append(query, k+"="+v)
			}
			reqURL += "?" + strings.Join(query, "&")
		}
	} else {
		reqURL = okxBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, newTransient("okx", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		var signPath string
		if method == http.MethodGet && len(params) > 0 {
			query := make([]string, 0, len(params))
			for k, v := range params {
				query = append(query, k+"="+v)
			}
			signPath = endpoint + "?" + strings.Join(query, "&")
		} else {
			signPath = endpoint
		}
		signature := o.sign(timestamp, method, signPath, reqBody)

		req.Header.Set("OK-ACCESS-KEY", o.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", signature)
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, newTransient("okx", "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransient("okx", "read response body", err)
	}

	var baseResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, newTransient("okx", "decode response envelope", err)
	}

	if baseResp.Code != "0" {
		if isPermanentOKXCode(baseResp.Code) {
			return nil, newPermanent("okx", baseResp.Msg, nil)
		}
		return nil, newMarketState("okx", baseResp.Msg, nil)
	}

	return body, nil
}

func isPermanentOKXCode(code string) bool {
	switch code {
	case "50111", "50113", "50114", "50102": // invalid key/sign/passphrase, timestamp expired
		return true
	default:
		return false
	}
}

func (o *OKX) Connect(apiKey, secret, passphrase string) error {
	o.apiKey = apiKey
	o.secretKey = secret
	o.passphrase = passphrase

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := o.FetchBalance(ctx); err != nil {
		return fmt.Errorf("connect to okx: %w", err)
	}
	return nil
}

func (o *OKX) GetName() string { return "okx" }

func (o *OKX) LoadMarkets(ctx context.Context) error {
	params := map[string]string{"instType": "SWAP"}
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/instruments", params, false)
	if err != nil {
		return err
	}

	var resp struct {
		Data []struct {
			InstId   string `json:"instId"`
			MinSz    string `json:"minSz"`
			LotSz    string `json:"lotSz"`
			TickSz   string `json:"tickSz"`
			Lever    string `json:"lever"`
			SettleCcy string `json:"settleCcy"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransient("okx", "decode instruments", err)
	}

	markets := make(map[string]*Market, len(resp.Data))
	for _, info := range resp.Data {
		if info.SettleCcy != "USDT" {
			continue
		}
		normalized := o.fromOKXSymbol(info.InstId)
		markets[normalized] = &Market{
			Venue: "okx", Symbol: normalized, NativeSymbol: info.InstId,
			TickSize: o.parseFloat(info.TickSz), LotStep: o.parseFloat(info.LotSz),
			MinQty: o.parseFloat(info.MinSz), MinNotional: 5.0,
			TakerFee: 0.0005, MaxLeverage: o.parseInt(info.Lever),
		}
	}

	o.marketsMu.Lock()
	o.markets = markets
	o.marketsMu.Unlock()
	return nil
}

func (o *OKX) Market(symbol string) (*Market, error) {
	o.marketsMu.RLock()
	defer o.marketsMu.RUnlock()
	m, ok := o.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

func (o *OKX) ResolveSymbol(ctx context.Context, baseTicker string) (string, error) {
	base := strings.ToUpper(baseTicker)
	candidate := base + "USDT"

	o.marketsMu.RLock()
	empty := len(o.markets) == 0
	o.marketsMu.RUnlock()
	if empty {
		if err := o.LoadMarkets(ctx); err != nil {
			return "", err
		}
	}

	o.marketsMu.RLock()
	defer o.marketsMu.RUnlock()
	if _, ok := o.markets[candidate]; ok {
		return candidate, nil
	}
	return "", ErrSymbolUnresolved
}

// toOKXSymbol converts a normalized symbol (BTCUSDT) to OKX's wire form
// (BTC-USDT-SWAP). Falls back to this derivation when Market hasn't
// cached the exact native ID yet.
func (o *OKX) toOKXSymbol(symbol string) string {
	if m, err := o.Market(symbol); err == nil && m.NativeSymbol != "" {
		return m.NativeSymbol
	}
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "-USDT-SWAP"
}

func (o *OKX) fromOKXSymbol(instId string) string {
	parts := strings.Split(instId, "-")
	if len(parts) >= 2 {
		return parts[0] + parts[1]
	}
	return instId
}

func (o *OKX) FetchBalance(ctx context.Context) (Balance, error) {
	params := map[string]string{"ccy": "USDT"}
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/balance", params, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Data []struct {
			Details []struct {
				Ccy     string `json:"ccy"`
				Eq      string `json:"eq"`
				AvailEq string `json:"availEq"`
				FrozenBal string `json:"frozenBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, newTransient("okx", "decode balance", err)
	}

	if len(resp.Data) > 0 {
		for _, d := range resp.Data[0].Details {
			if d.Ccy != "USDT" {
				continue
			}
			total := o.parseFloat(d.Eq)
			free := o.parseFloat(d.AvailEq)
			locked := o.parseFloat(d.FrozenBal)
			return Balance{Free: free, Used: locked, Total: total}, nil
		}
	}
	return Balance{}, nil
}

func (o *OKX) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	instId := o.toOKXSymbol(symbol)
	params := map[string]string{"instId": instId}

	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/ticker", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			BidPx string `json:"bidPx"`
			AskPx string `json:"askPx"`
			Last  string `json:"last"`
			Ts    string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("okx", "decode ticker", err)
	}
	if len(resp.Data) == 0 {
		return nil, newMarketState("okx", "ticker not found for "+symbol, nil)
	}

	t := resp.Data[0]
	return &Ticker{
		Symbol: symbol, BidPrice: o.parseFloat(t.BidPx), AskPrice: o.parseFloat(t.AskPx),
		LastPrice: o.parseFloat(t.Last), Timestamp: time.UnixMilli(o.parseInt64(t.Ts)),
	}, nil
}

func (o *OKX) WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error) {
	o.tickerMu.Lock()
	if ch, ok := o.tickerSubs[symbol]; ok {
		o.tickerMu.Unlock()
		return ch, nil
	}
	ch := make(chan *Ticker, 16)
	o.tickerSubs[symbol] = ch
	o.tickerMu.Unlock()

	wsManager, err := o.ensurePublicWS()
	if err != nil {
		return nil, err
	}

	instId := o.toOKXSymbol(symbol)
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": "tickers", "instId": instId}},
	}
	wsManager.AddSubscription(subMsg)
	if err := wsManager.Send(subMsg); err != nil {
		return nil, newTransient("okx", "send ticker subscription", err)
	}

	go func() {
		<-ctx.Done()
		o.tickerMu.Lock()
		if existing, ok := o.tickerSubs[symbol]; ok && existing == ch {
			delete(o.tickerSubs, symbol)
			close(ch)
		}
		o.tickerMu.Unlock()
	}()

	return ch, nil
}

func (o *OKX) ensurePublicWS() (*WSReconnectManager, error) {
	o.wsMu.Lock()
	defer o.wsMu.Unlock()
	if o.wsPublicManager != nil {
		return o.wsPublicManager, nil
	}

	mgr := NewWSReconnectManager("okx-public", okxWSPublic, DefaultWSReconnectConfig())
	mgr.SetOnMessage(o.handlePublicMessage)
	mgr.SetOnConnect(func() {
		if o.log != nil {
			o.log.Info("okx public websocket connected")
		}
	})
	mgr.SetOnDisconnect(func(err error) {
		if o.log != nil && err != nil {
			o.log.Warn("okx public websocket disconnected", zap.Error(err))
		}
	})
	if err := mgr.Connect(); err != nil {
		return nil, newTransient("okx", "connect public websocket", err)
	}
	o.wsPublicManager = mgr
	return mgr, nil
}

func (o *OKX) handlePublicMessage(message []byte) {
	var msg struct {
		Arg struct {
			Channel string `json:"channel"`
			InstId  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			BidPx string `json:"bidPx"`
			AskPx string `json:"askPx"`
			Last  string `json:"last"`
			Ts    string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
		return
	}

	symbol := o.fromOKXSymbol(msg.Arg.InstId)
	o.tickerMu.RLock()
	ch, ok := o.tickerSubs[symbol]
	o.tickerMu.RUnlock()
	if !ok {
		return
	}

	d := msg.Data[0]
	tick := &Ticker{
		Symbol: symbol, BidPrice: o.parseFloat(d.BidPx), AskPrice: o.parseFloat(d.AskPx),
		LastPrice: o.parseFloat(d.Last), Timestamp: time.UnixMilli(o.parseInt64(d.Ts)),
	}

	select {
	case ch <- tick:
	default:
	}
}

func (o *OKX) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth > 400 {
		depth = 400
	}
	instId := o.toOKXSymbol(symbol)
	params := map[string]string{"instId": instId, "sz": strconv.Itoa(depth)}

	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/books", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("okx", "decode books", err)
	}
	if len(resp.Data) == 0 {
		return nil, newMarketState("okx", "orderbook not found for "+symbol, nil)
	}

	data := resp.Data[0]
	ob := &OrderBook{
		Symbol: symbol, Bids: make([]PriceLevel, len(data.Bids)),
		Asks: make([]PriceLevel, len(data.Asks)), Timestamp: time.UnixMilli(o.parseInt64(data.Ts)),
	}
	for i, lvl := range data.Bids {
		ob.Bids[i] = PriceLevel{Price: o.parseFloat(lvl[0]), Volume: o.parseFloat(lvl[1])}
	}
	for i, lvl := range data.Asks {
		ob.Asks[i] = PriceLevel{Price: o.parseFloat(lvl[0]), Volume: o.parseFloat(lvl[1])}
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob, nil
}

func (o *OKX) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	instId := o.toOKXSymbol(symbol)
	params := map[string]string{"instId": instId, "lever": strconv.Itoa(leverage), "mgnMode": "cross"}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", params, true)
	return err
}

func (o *OKX) SetMarginMode(ctx context.Context, symbol, mode string) error {
	acctLv := "2" // single-currency margin
	params := map[string]string{"acctLv": acctLv}
	if mode == "isolated" {
		instId := o.toOKXSymbol(symbol)
		params = map[string]string{"instId": instId, "lever": "10", "mgnMode": "isolated"}
		_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", params, true)
		return err
	}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-account-level", params, true)
	return err
}

func (o *OKX) SetPositionMode(ctx context.Context, hedged bool) error {
	mode := "net_mode"
	if hedged {
		mode = "long_short_mode"
	}
	params := map[string]string{"posMode": mode}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-position-mode", params, true)
	return err
}

func (o *OKX) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Order, error) {
	instId := o.toOKXSymbol(symbol)

	okxSide := "buy"
	posSide := "long"
	if side == SideSell {
		okxSide = "sell"
		posSide = "short"
	}

	params := map[string]string{
		"instId": instId, "tdMode": "cross", "side": okxSide, "posSide": posSide,
		"ordType": "limit", "sz": strconv.FormatFloat(quantity, 'f', -1, 64),
		"px": strconv.FormatFloat(price, 'f', -1, 64),
	}

	body, err := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			OrdId string `json:"ordId"`
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("okx", "decode order response", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].SCode != "0" {
		msg := "unknown error"
		if len(resp.Data) > 0 {
			msg = resp.Data[0].SMsg
		}
		return nil, newMarketState("okx", msg, nil)
	}

	return &Order{
		ID: resp.Data[0].OrdId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: quantity, Price: price, Status: OrderStatusOpen,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}, nil
}

func (o *OKX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	instId := o.toOKXSymbol(symbol)
	params := map[string]string{"instId": instId, "ordId": orderID}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/cancel-order", params, true)
	return err
}

func (o *OKX) FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	instId := o.toOKXSymbol(symbol)
	params := map[string]string{"instId": instId, "ordId": orderID}

	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/trade/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			OrdId     string `json:"ordId"`
			Side      string `json:"side"`
			Sz        string `json:"sz"`
			Px        string `json:"px"`
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
			State     string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("okx", "decode order", err)
	}
	if len(resp.Data) == 0 {
		return nil, newMarketState("okx", "order not found", nil)
	}

	d := resp.Data[0]
	side := SideBuy
	if d.Side == "sell" {
		side = SideSell
	}

	return &Order{
		ID: d.OrdId, Symbol: symbol, Side: side, Type: "limit",
		Quantity: o.parseFloat(d.Sz), Price: o.parseFloat(d.Px),
		FilledQty: o.parseFloat(d.AccFillSz), AvgFillPrice: o.parseFloat(d.AvgPx),
		Status: okxOrderStatus(d.State), UpdatedAt: time.Now(),
	}, nil
}

func okxOrderStatus(s string) string {
	switch s {
	case "filled":
		return OrderStatusFilled
	case "partially_filled":
		return OrderStatusPartial
	case "canceled":
		return OrderStatusCancelled
	default:
		return OrderStatusOpen
	}
}

func (o *OKX) FetchPositions(ctx context.Context, symbols []string) ([]*Position, error) {
	params := map[string]string{"instType": "SWAP"}
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/positions", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			InstId  string `json:"instId"`
			PosSide string `json:"posSide"`
			Pos     string `json:"pos"`
			AvgPx   string `json:"avgPx"`
			MarkPx  string `json:"markPx"`
			Lever   string `json:"lever"`
			Upl     string `json:"upl"`
			UTime   string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransient("okx", "decode positions", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]*Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		pos := o.parseFloat(p.Pos)
		if pos == 0 {
			continue
		}
		symbol := o.fromOKXSymbol(p.InstId)
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}

		side := SideLong
		if p.PosSide == "short" {
			side = SideShort
			pos = -pos
		}

		positions = append(positions, &Position{
			Symbol: symbol, Side: side, Size: pos, EntryPrice: o.parseFloat(p.AvgPx),
			MarkPrice: o.parseFloat(p.MarkPx), Leverage: o.parseInt(p.Lever),
			UnrealizedPnl: o.parseFloat(p.Upl), UpdatedAt: time.UnixMilli(o.parseInt64(p.UTime)),
		})
	}
	return positions, nil
}

func (o *OKX) GetTradingFee(ctx context.Context, symbol string) (float64, error) {
	return 0.0005, nil
}

func (o *OKX) Close() error {
	o.tickerMu.Lock()
	for symbol, ch := range o.tickerSubs {
		delete(o.tickerSubs, symbol)
		close(ch)
	}
	o.tickerMu.Unlock()

	o.wsMu.Lock()
	if o.wsPublicManager != nil {
		o.wsPublicManager.Close()
		o.wsPublicManager = nil
	}
	o.wsMu.Unlock()
	return nil
}
