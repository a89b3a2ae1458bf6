package main

import (
	"context"
	"fmt"

	"arbitrage/internal/exchange"
	"arbitrage/internal/repository"
)

// blacklistAdapter narrows *repository.BlacklistRepository down to
// filter.Blacklist. A lookup error fails open (not blacklisted) rather
// than blocking every trade on a blacklist-table hiccup; the opportunity
// filter has ten further checks downstream of this one.
type blacklistAdapter struct {
	repo *repository.BlacklistRepository
}

func newBlacklistAdapter(repo *repository.BlacklistRepository) *blacklistAdapter {
	return &blacklistAdapter{repo: repo}
}

func (a *blacklistAdapter) IsBlacklisted(symbol string) bool {
	blacklisted, err := a.repo.Exists(symbol)
	if err != nil {
		return false
	}
	return blacklisted
}

// venueMarketInfo narrows the connected exchange adapters down to
// filter.MarketInfo, resolving per-venue lot step/min quantity without
// the filter importing the exchange package directly.
type venueMarketInfo struct {
	venues map[string]exchange.Exchange
}

func newVenueMarketInfo(venues map[string]exchange.Exchange) *venueMarketInfo {
	return &venueMarketInfo{venues: venues}
}

func (m *venueMarketInfo) Market(venue, symbol string) (minQty, lotStep float64, ok bool) {
	exch, present := m.venues[venue]
	if !present {
		return 0, 0, false
	}
	market, err := exch.Market(symbol)
	if err != nil || market == nil {
		return 0, 0, false
	}
	return market.MinQty, market.LotStep, true
}

// liquiditySource narrows the connected exchange adapters down to
// filter.Liquidity, resolving order-book depth per venue.
type liquiditySource struct {
	venues map[string]exchange.Exchange
}

func newLiquiditySource(venues map[string]exchange.Exchange) *liquiditySource {
	return &liquiditySource{venues: venues}
}

func (s *liquiditySource) OrderBook(ctx context.Context, venue, symbol string, depth int) (*exchange.OrderBook, error) {
	exch, present := s.venues[venue]
	if !present {
		return nil, fmt.Errorf("unknown venue: %s", venue)
	}
	return exch.GetOrderBook(ctx, symbol, depth)
}
