package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
)

// closePosition submits both closing orders in parallel at a slight
// concession off the current quote (so they rest executably against a
// deep book rather than chasing the market), widening the concession on
// retry, closing both venues with limit orders at a widening offset
// rather than market orders, per the stated closing-price rule.
func (c *Coordinator) closePosition(ctx context.Context, trade *ActiveTrade, longExch, shortExch exchange.Exchange) bool {
	trade.setState(StateClosing)

	maxRetries := c.cfg.MaxCloseRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	longOffset := 0.998
	shortOffset := 1.002

	for attempt := 0; attempt < maxRetries; attempt++ {
		longQuote, longOK := c.prices.GetQuote(trade.Symbol, trade.LongVenue)
		shortQuote, shortOK := c.prices.GetQuote(trade.Symbol, trade.ShortVenue)
		if !longOK || !shortOK {
			time.Sleep(backoffDelay(attempt))
			continue
		}

		longPrice := longQuote.Price * longOffset
		shortPrice := shortQuote.Price * shortOffset

		longCh := make(chan legResult, 1)
		shortCh := make(chan legResult, 1)
		go func() {
			order, err := longExch.CreateLimitOrder(ctx, trade.Symbol, exchange.SideSell, trade.Quantity, longPrice)
			longCh <- legResult{order: order, err: err}
		}()
		go func() {
			order, err := shortExch.CreateLimitOrder(ctx, trade.Symbol, exchange.SideBuy, trade.Quantity, shortPrice)
			shortCh <- legResult{order: order, err: err}
		}()
		longRes, shortRes := <-longCh, <-shortCh
		longOrder, longErr := longRes.order, longRes.err
		shortOrder, shortErr := shortRes.order, shortRes.err

		if longErr == nil && shortErr == nil {
			trade.ExitLong = longOrder.Price
			trade.ExitShort = shortOrder.Price
			trade.CloseLongOrderID = longOrder.ID
			trade.CloseShortOrderID = shortOrder.ID
			trade.setState(StateSettling)
			return true
		}

		if c.log != nil {
			c.log.Warn("closing attempt failed, widening offset",
				zap.String("symbol", trade.Symbol), zap.Int("attempt", attempt),
				zap.NamedError("long_err", longErr), zap.NamedError("short_err", shortErr))
		}

		// Widen the concession so the next attempt is more likely to clear.
		longOffset -= 0.008  // 0.998 -> 0.99 after widening once
		shortOffset += 0.008 // 1.002 -> 1.01
		time.Sleep(backoffDelay(attempt))
	}

	return false
}

// closeLiquidatedTrade handles the LiquidationAsymmetry exit: one leg's
// position was already closed by the venue, so only the surviving leg is
// unwound; the liquidated leg's exit is taken from its last known mark
// rather than a fixed percentage estimate: a real fill on the survivor,
// no fabricated mark on the other leg.
func (c *Coordinator) closeLiquidatedTrade(ctx context.Context, trade *ActiveTrade, longExch, shortExch exchange.Exchange) {
	trade.setState(StateClosing)

	longPositions, _ := longExch.FetchPositions(ctx, []string{trade.Symbol})
	longAlive := hasOpenPosition(longPositions, trade.Symbol)

	if longAlive {
		// Short leg was liquidated; unwind the long leg for real, mark the
		// short leg's exit from its last known quote.
		if quote, ok := c.prices.GetQuote(trade.Symbol, trade.LongVenue); ok {
			order, err := longExch.CreateLimitOrder(ctx, trade.Symbol, exchange.SideSell, trade.Quantity, quote.Price*0.995)
			if err == nil {
				trade.CloseLongOrderID = order.ID
			}
		}
		if quote, ok := c.prices.GetQuote(trade.Symbol, trade.ShortVenue); ok {
			trade.ExitShort = quote.Price
		}
	} else {
		// Long leg was liquidated; unwind the short leg for real, mark the
		// long leg's exit from its last known quote.
		if quote, ok := c.prices.GetQuote(trade.Symbol, trade.ShortVenue); ok {
			order, err := shortExch.CreateLimitOrder(ctx, trade.Symbol, exchange.SideBuy, trade.Quantity, quote.Price*1.005)
			if err == nil {
				trade.CloseShortOrderID = order.ID
			}
		}
		if quote, ok := c.prices.GetQuote(trade.Symbol, trade.LongVenue); ok {
			trade.ExitLong = quote.Price
		}
	}

	if trade.CloseLongOrderID != "" {
		if order := pollOrder(ctx, trade.CloseLongOrderID, trade.Symbol, longExch); order != nil && order.AvgFillPrice > 0 {
			trade.ExitLong = order.AvgFillPrice
		}
	}
	if trade.CloseShortOrderID != "" {
		if order := pollOrder(ctx, trade.CloseShortOrderID, trade.Symbol, shortExch); order != nil && order.AvgFillPrice > 0 {
			trade.ExitShort = order.AvgFillPrice
		}
	}

	feeLong, _ := longExch.GetTradingFee(ctx, trade.Symbol)
	feeShort, _ := shortExch.GetTradingFee(ctx, trade.Symbol)
	grossLong := (trade.ExitLong - trade.EntryLong) * trade.Quantity
	grossShort := (trade.EntryShort - trade.ExitShort) * trade.Quantity
	fees := trade.Quantity*(trade.EntryLong+trade.ExitLong)*feeLong + trade.Quantity*(trade.EntryShort+trade.ExitShort)*feeShort
	trade.RealizedPnl = grossLong + grossShort - fees
	trade.ClosedAt = time.Now()
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 200 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

// settle polls both closing orders until they report a terminal status,
// then computes realized P&L. Grounded on original_source/order_manager.py
// _calculate_and_record_pnl's gross-minus-fees structure, generalized to
// charge each leg its own venue's taker fee rather than assuming a single
// shared rate.
func (c *Coordinator) settle(trade *ActiveTrade, longFee, shortFee feeGetter, ctx context.Context) {
	if order := pollOrder(ctx, trade.CloseLongOrderID, trade.Symbol, c.exchangeFor(trade.LongVenue)); order != nil && order.AvgFillPrice > 0 {
		trade.ExitLong = order.AvgFillPrice
	}
	if order := pollOrder(ctx, trade.CloseShortOrderID, trade.Symbol, c.exchangeFor(trade.ShortVenue)); order != nil && order.AvgFillPrice > 0 {
		trade.ExitShort = order.AvgFillPrice
	}

	feeLong, _ := longFee(ctx, trade.Symbol)
	feeShort, _ := shortFee(ctx, trade.Symbol)

	grossLong := (trade.ExitLong - trade.EntryLong) * trade.Quantity
	grossShort := (trade.EntryShort - trade.ExitShort) * trade.Quantity
	fees := trade.Quantity*(trade.EntryLong+trade.ExitLong)*feeLong + trade.Quantity*(trade.EntryShort+trade.ExitShort)*feeShort

	trade.RealizedPnl = grossLong + grossShort - fees
	trade.ClosedAt = time.Now()
}

type feeGetter func(ctx context.Context, symbol string) (float64, error)

func (c *Coordinator) exchangeFor(venue string) exchange.Exchange {
	return c.exchanges[venue]
}

// pollOrder waits for a resting order to reach a terminal status. Partial
// fills are treated as fills for unwinding purposes, per the stated
// failure semantics; any residual is left for the caller to report.
func pollOrder(ctx context.Context, orderID, symbol string, exch exchange.Exchange) *exchange.Order {
	if exch == nil || orderID == "" {
		return nil
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		order, err := exch.FetchOrder(ctx, symbol, orderID)
		if err == nil && order != nil {
			switch order.Status {
			case exchange.OrderStatusFilled, exchange.OrderStatusPartial, exchange.OrderStatusCancelled, exchange.OrderStatusRejected:
				return order
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}
