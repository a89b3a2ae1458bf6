// Package signal turns raw chat text into SignalEvent arbitrage signals,
// rejecting everything else cheaply and deduplicating repeats.
package signal

import (
	"container/list"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	reSpreadToken  = regexp.MustCompile(`(?i)spread[:\s]*([\d.]+)%`)
	reHashSymbol   = regexp.MustCompile(`#([A-Z0-9]+)`)
	reCopySymbol   = regexp.MustCompile(`\(COPY[:\s]*([A-Z0-9]+)\)`)
	reUsdtSuffix   = regexp.MustCompile(`([A-Z0-9]+)[_-]USDT`)
	reCapNearSpread = regexp.MustCompile(`([A-Z][A-Z0-9]{0,14})\s*[:\-]?\s*SPREAD`)
	reLongVenue    = regexp.MustCompile(`(?i)long[\s_]*([A-Za-z]+)[:\s]*\$([\d.]+)`)
	reShortVenue   = regexp.MustCompile(`(?i)short[\s_]*([A-Za-z]+)[:\s]*\$([\d.]+)`)
	reDollarAmount = regexp.MustCompile(`\$([\d.]+)`)
)

// SignalEvent is the normalized output of a successfully parsed message.
type SignalEvent struct {
	Symbol   string             // uppercased base ticker, 1-15 chars
	Spread   float64            // reported spread, percent
	Prices   map[string]float64 // venue (lowercase) -> price
	RefPrice float64            // median of all dollar-prefixed numbers
}

// Router parses chat messages into SignalEvents and drops duplicates.
type Router struct {
	dedup *dedupCache
}

func NewRouter(dedupCapacity int, dedupTTL time.Duration) *Router {
	return &Router{dedup: newDedupCache(dedupCapacity, dedupTTL)}
}

// Route parses text and returns a SignalEvent, or nil if the message is
// not an arbitrage signal or is a duplicate of one recently seen.
func (r *Router) Route(text string) *SignalEvent {
	event := ParseMessage(text)
	if event == nil {
		return nil
	}
	if r.dedup.seenBefore(text) {
		return nil
	}
	return event
}

// ParseMessage applies the acceptance predicate and, if it holds,
// extracts a SignalEvent. It does not deduplicate.
func ParseMessage(text string) *SignalEvent {
	upper := strings.ToUpper(text)

	if strings.Contains(upper, "ALIGNED") {
		return nil
	}

	spreadMatch := reSpreadToken.FindStringSubmatchIndex(upper)
	if spreadMatch == nil {
		return nil
	}
	spread, err := strconv.ParseFloat(upper[spreadMatch[2]:spreadMatch[3]], 64)
	if err != nil {
		return nil
	}

	longMatch := reLongVenue.FindStringSubmatch(text)
	shortMatch := reShortVenue.FindStringSubmatch(text)
	if longMatch == nil || shortMatch == nil {
		return nil
	}

	longPrice, err1 := strconv.ParseFloat(longMatch[2], 64)
	shortPrice, err2 := strconv.ParseFloat(shortMatch[2], 64)
	if err1 != nil || err2 != nil {
		return nil
	}

	prices := map[string]float64{
		strings.ToLower(longMatch[1]):  longPrice,
		strings.ToLower(shortMatch[1]): shortPrice,
	}
	if len(prices) != 2 {
		return nil
	}

	symbol := extractSymbol(upper, spreadMatch[0])
	if symbol == "" || len(symbol) > 15 {
		return nil
	}

	return &SignalEvent{
		Symbol:   symbol,
		Spread:   spread,
		Prices:   prices,
		RefPrice: medianDollarAmount(text),
	}
}

// extractSymbol tries the four priority-ordered extraction rules against
// the already-uppercased message text. spreadIdx is where the matched
// spread token begins, used by rule 1 ("#TOKEN preceding the spread token")
// and rule 4 ("capitalized token adjacent to the spread keyword").
func extractSymbol(upper string, spreadIdx int) string {
	// 1. #<TOKEN> preceding the spread token.
	if loc := reHashSymbol.FindStringSubmatchIndex(upper[:spreadIdx]); loc != nil {
		return upper[loc[2]:loc[3]]
	}

	// 2. (COPY: <TOKEN>) parenthetical.
	if m := reCopySymbol.FindStringSubmatch(upper); m != nil {
		return m[1]
	}

	// 3. <TOKEN>_USDT or <TOKEN>-USDT occurrence; strip the suffix.
	if m := reUsdtSuffix.FindStringSubmatch(upper); m != nil {
		return m[1]
	}

	// 4. Capitalized token adjacent to the spread keyword.
	if m := reCapNearSpread.FindStringSubmatch(upper); m != nil {
		return m[1]
	}

	return ""
}

func medianDollarAmount(text string) float64 {
	matches := reDollarAmount.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0
	}
	values := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// dedupCache is a small fixed-capacity LRU of message-hash -> seen-at,
// used to absorb duplicate forwards of the same signal within a short
// window. Bounded by both size and TTL, unlike a plain sync.Map keyed by
// hash, since unbounded dedup storage would grow without limit under a
// steady stream of unique signals.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[uint64]*list.Element
}

type dedupEntry struct {
	key    uint64
	seenAt time.Time
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &dedupCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element),
	}
}

func hashMessage(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(text)))
	return h.Sum64()
}

// seenBefore reports whether text was seen within the TTL, and records it
// as seen either way.
func (c *dedupCache) seenBefore(text string) bool {
	key := hashMessage(text)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupEntry)
		fresh := now.Sub(entry.seenAt) < c.ttl
		entry.seenAt = now
		c.order.MoveToFront(el)
		return fresh
	}

	el := c.order.PushFront(&dedupEntry{key: key, seenAt: now})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupEntry).key)
	}

	return false
}
