package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
)

// legResult is one leg's outcome delivered over a channel so both legs
// can be awaited in parallel.
type legResult struct {
	order *exchange.Order
	err   error
}

// openPosition sets leverage/margin mode best-effort on both venues, then
// submits both entry limit orders in parallel, with single-leg rollback
// if one side fails. Uses postable limit orders at the live quoted
// prices rather than marketable orders, per the admission policy's
// live-quote pricing.
func (c *Coordinator) openPosition(ctx context.Context, trade *ActiveTrade, longExch, shortExch exchange.Exchange, longPrice, shortPrice float64) bool {
	// Best-effort leverage/margin setup: failures here are logged, not fatal,
	// mirroring the interface contract that "already set" counts as success.
	c.prepareVenue(ctx, longExch, trade.Symbol)
	c.prepareVenue(ctx, shortExch, trade.Symbol)

	longCh := make(chan legResult, 1)
	shortCh := make(chan legResult, 1)

	go func() {
		order, err := longExch.CreateLimitOrder(ctx, trade.Symbol, exchange.SideBuy, trade.Quantity, longPrice)
		longCh <- legResult{order: order, err: err}
	}()
	go func() {
		order, err := shortExch.CreateLimitOrder(ctx, trade.Symbol, exchange.SideSell, trade.Quantity, shortPrice)
		shortCh <- legResult{order: order, err: err}
	}()

	var longRes, shortRes legResult
	var longDone, shortDone bool
	for !longDone || !shortDone {
		select {
		case longRes = <-longCh:
			longDone = true
		case shortRes = <-shortCh:
			shortDone = true
		case <-ctx.Done():
			if longDone && longRes.err == nil {
				c.cancelSurvivor(longExch, trade.Symbol, longRes.order)
			}
			if shortDone && shortRes.err == nil {
				c.cancelSurvivor(shortExch, trade.Symbol, shortRes.order)
			}
			return false
		}
	}

	if longRes.err == nil && shortRes.err == nil {
		trade.EntryLong = longRes.order.Price
		trade.EntryShort = shortRes.order.Price
		trade.LongOrderID = longRes.order.ID
		trade.ShortOrderID = shortRes.order.ID
		trade.EnteredAt = time.Now()
		trade.MaxSpreadSeen = spreadPct(longPrice, shortPrice)
		trade.setState(StateOpen)
		return true
	}

	// Exactly one leg succeeded: cancel the survivor and abort.
	if longRes.err == nil {
		c.cancelSurvivor(longExch, trade.Symbol, longRes.order)
	}
	if shortRes.err == nil {
		c.cancelSurvivor(shortExch, trade.Symbol, shortRes.order)
	}
	if c.log != nil {
		c.log.Warn("opening failed, aborting trade",
			zap.String("symbol", trade.Symbol),
			zap.NamedError("long_err", longRes.err), zap.NamedError("short_err", shortRes.err))
	}
	return false
}

func (c *Coordinator) prepareVenue(ctx context.Context, exch exchange.Exchange, symbol string) {
	leverage := c.cfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if err := exch.SetMarginMode(ctx, symbol, "isolated"); err != nil && c.log != nil {
		c.log.Debug("set margin mode failed (non-fatal)", zap.String("venue", exch.GetName()), zap.Error(err))
	}
	if err := exch.SetLeverage(ctx, symbol, leverage); err != nil && c.log != nil {
		c.log.Debug("set leverage failed (non-fatal)", zap.String("venue", exch.GetName()), zap.Error(err))
	}
	// Hedge mode lets both legs of the same symbol carry opposing
	// positions; a venue defaulting to one-way mode would otherwise
	// reject the second (opposite-side) order this strategy places.
	if err := exch.SetPositionMode(ctx, true); err != nil && c.log != nil {
		c.log.Debug("set position mode failed (non-fatal)", zap.String("venue", exch.GetName()), zap.Error(err))
	}
}

func (c *Coordinator) cancelSurvivor(exch exchange.Exchange, symbol string, order *exchange.Order) {
	if order == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exch.CancelOrder(ctx, symbol, order.ID); err != nil && c.log != nil {
		c.log.Warn("rollback cancel failed", zap.String("venue", exch.GetName()), zap.String("order_id", order.ID), zap.Error(err))
	}
}

func spreadPct(longPrice, shortPrice float64) float64 {
	if longPrice == 0 {
		return 0
	}
	return (shortPrice - longPrice) / longPrice * 100
}
