package signal

import (
	"testing"
	"time"
)

func TestParseMessage_AcceptsWellFormedSignal(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantSymbol string
		wantSpread float64
		wantPrices map[string]float64
	}{
		{
			name:       "hash symbol before spread token",
			text:       "#WOJAK | Spread: 1.25% | Long Bybit: $0.0123 | Short Okx: $0.0125",
			wantSymbol: "WOJAK",
			wantSpread: 1.25,
			wantPrices: map[string]float64{"bybit": 0.0123, "okx": 0.0125},
		},
		{
			name:       "copy parenthetical overrides when no hash symbol precedes spread",
			text:       "Spread: 2.00% (COPY:PEPE2) Long Gate: $1.50 Short Htx: $1.53",
			wantSymbol: "PEPE2",
			wantSpread: 2.00,
			wantPrices: map[string]float64{"gate": 1.50, "htx": 1.53},
		},
		{
			name:       "usdt suffix stripped",
			text:       "NEWCOIN_USDT Spread:0.80% Long Bitget: $3.10 Short Bingx: $3.12",
			wantSymbol: "NEWCOIN",
			wantSpread: 0.80,
			wantPrices: map[string]float64{"bitget": 3.10, "bingx": 3.12},
		},
		{
			name:       "single digit ticker is valid",
			text:       "#1 | Spread: 3.5% | Long Bybit: $9.0 | Short Gate: $9.3",
			wantSymbol: "1",
			wantSpread: 3.5,
			wantPrices: map[string]float64{"bybit": 9.0, "gate": 9.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := ParseMessage(tt.text)
			if event == nil {
				t.Fatalf("expected a signal, got nil")
			}
			if event.Symbol != tt.wantSymbol {
				t.Errorf("symbol = %q, want %q", event.Symbol, tt.wantSymbol)
			}
			if event.Spread != tt.wantSpread {
				t.Errorf("spread = %v, want %v", event.Spread, tt.wantSpread)
			}
			for venue, price := range tt.wantPrices {
				if event.Prices[venue] != price {
					t.Errorf("prices[%s] = %v, want %v", venue, event.Prices[venue], price)
				}
			}
		})
	}
}

func TestParseMessage_RejectsNonSignals(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"alignment notice", "#BTC Spread: 0.01% Long Bybit: $60000 Short Okx: $60001 prices ALIGNED, no action taken"},
		{"missing spread token", "#BTC Long Bybit: $60000 Short Okx: $60100"},
		{"missing one venue side", "#BTC Spread: 1.0% Long Bybit: $60000"},
		{"plain chatter", "gm everyone, market looking spicy today"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if event := ParseMessage(tt.text); event != nil {
				t.Errorf("expected rejection, got %+v", event)
			}
		})
	}
}

func TestParseMessage_RefPriceIsMedianOfDollarAmounts(t *testing.T) {
	text := "#BTC Spread: 1.0% Long Bybit: $100 Short Okx: $110 (ref seen at $105)"
	event := ParseMessage(text)
	if event == nil {
		t.Fatalf("expected a signal, got nil")
	}
	if event.RefPrice != 105 {
		t.Errorf("refPrice = %v, want 105", event.RefPrice)
	}
}

func TestRouter_DedupesWithinTTL(t *testing.T) {
	router := NewRouter(16, 50*time.Millisecond)
	text := "#BTC Spread: 1.0% Long Bybit: $100 Short Okx: $101"

	if event := router.Route(text); event == nil {
		t.Fatalf("first message should be accepted")
	}
	if event := router.Route(text); event != nil {
		t.Fatalf("duplicate within TTL should be dropped, got %+v", event)
	}

	time.Sleep(60 * time.Millisecond)
	if event := router.Route(text); event == nil {
		t.Fatalf("message after TTL expiry should be accepted again")
	}
}

func TestDedupCache_EvictsOldestBeyondCapacity(t *testing.T) {
	cache := newDedupCache(2, time.Minute)

	if cache.seenBefore("a") {
		t.Fatalf("a should be new")
	}
	if cache.seenBefore("b") {
		t.Fatalf("b should be new")
	}
	if cache.seenBefore("c") {
		t.Fatalf("c should be new")
	}

	// "a" should have been evicted to make room for "c".
	if cache.seenBefore("a") {
		t.Fatalf("a should have been evicted and treated as new again")
	}
}
