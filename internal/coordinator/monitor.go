package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
)

// monitorOpen runs the Open-state tick loop until an exit predicate fires
// or ctx is cancelled. Evaluates exit predicates in order and acts on the
// first match, owning a single ActiveTrade rather than polling a shared
// table; an asymmetric position close (one leg liquidated) is treated as
// its own reason to unwind, not just a stop-loss trigger.
func (c *Coordinator) monitorOpen(ctx context.Context, trade *ActiveTrade, longExch, shortExch exchange.Exchange) (CloseReason, error) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	var maxPnlSeen float64

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case <-ticker.C:
		}

		longQuote, longOK := c.prices.GetQuote(trade.Symbol, trade.LongVenue)
		shortQuote, shortOK := c.prices.GetQuote(trade.Symbol, trade.ShortVenue)
		if !longOK || !shortOK || longQuote.Age() > c.cfg.QuoteMaxAge || shortQuote.Age() > c.cfg.QuoteMaxAge {
			continue // stale or missing tick: skip this evaluation, stay Open
		}

		currentSpread := spreadPct(longQuote.Price, shortQuote.Price)
		if currentSpread > trade.MaxSpreadSeen {
			trade.MaxSpreadSeen = currentSpread
		}

		unrealizedPnl := (longQuote.Price-trade.EntryLong)*trade.Quantity + (trade.EntryShort-shortQuote.Price)*trade.Quantity
		if unrealizedPnl > maxPnlSeen {
			maxPnlSeen = unrealizedPnl
		}

		elapsed := time.Since(trade.EnteredAt)

		// 1. TargetSpread.
		if currentSpread <= c.cfg.CloseSpread {
			return ReasonTargetSpread, nil
		}

		// 2. Timeout.
		if c.cfg.MaxHoldTime > 0 && elapsed > c.cfg.MaxHoldTime {
			return ReasonTimeout, nil
		}

		// 3. TrailingStop.
		if c.cfg.TrailingEnabled && unrealizedPnl >= c.cfg.TrailingStart {
			if unrealizedPnl <= maxPnlSeen*keepRatio(elapsed) {
				return ReasonTrailingStop, nil
			}
		}

		// 4. LiquidationAsymmetry.
		if reason, asym := c.checkLiquidationAsymmetry(ctx, trade, longExch, shortExch); asym {
			return reason, nil
		}
	}
}

// checkLiquidationAsymmetry polls both venues' open positions via
// FetchPositions. If one leg's position has vanished (closed by the
// venue, i.e. liquidated) while the other remains open, the trade must
// unwind the survivor immediately.
func (c *Coordinator) checkLiquidationAsymmetry(ctx context.Context, trade *ActiveTrade, longExch, shortExch exchange.Exchange) (CloseReason, bool) {
	longPositions, err := longExch.FetchPositions(ctx, []string{trade.Symbol})
	if err != nil {
		if c.log != nil {
			c.log.Debug("fetch positions failed", zap.String("venue", trade.LongVenue), zap.Error(err))
		}
		return ReasonNone, false
	}
	shortPositions, err := shortExch.FetchPositions(ctx, []string{trade.Symbol})
	if err != nil {
		if c.log != nil {
			c.log.Debug("fetch positions failed", zap.String("venue", trade.ShortVenue), zap.Error(err))
		}
		return ReasonNone, false
	}

	longOpen := hasOpenPosition(longPositions, trade.Symbol)
	shortOpen := hasOpenPosition(shortPositions, trade.Symbol)

	if longOpen != shortOpen {
		return ReasonLiquidationAsymmetry, true
	}
	return ReasonNone, false
}

func hasOpenPosition(positions []*exchange.Position, symbol string) bool {
	for _, p := range positions {
		if p.Symbol == symbol && p.Size > 0 && !p.Liquidated {
			return true
		}
	}
	return false
}
