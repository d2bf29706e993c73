package bridge

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raykavin/sarbridge/core"
)

// positionTTL bounds how long a position stays visible without the EA
// re-sending it. The EA streams position frames continuously, so an
// entry aging out means the broker closed it.
const positionTTL = 30 * time.Second

type positionEntry struct {
	pos    core.Position
	seenAt time.Time
}

type barsEntry struct {
	bars   []core.Bar
	seenAt time.Time
}

// Cache is the latest-wins market view written by the bridge read loop
// and read by the trading goroutines. It implements core.MarketView.
type Cache struct {
	mu sync.RWMutex

	tick    core.Tick
	hasTick bool

	account    core.AccountSnapshot
	hasAccount bool

	positions map[int64]positionEntry
	bars      map[string]barsEntry

	tickCh chan struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		positions: make(map[int64]positionEntry),
		bars:      make(map[string]barsEntry),
		tickCh:    make(chan struct{}, 1),
	}
}

// SetMarketData stores the tick and the account snapshot it carries.
func (c *Cache) SetMarketData(tick core.Tick, account core.AccountSnapshot) {
	c.mu.Lock()
	c.tick = tick
	c.hasTick = true
	c.account = account
	c.hasAccount = true
	c.mu.Unlock()

	// Non-blocking edge signal; a slow consumer coalesces bursts.
	select {
	case c.tickCh <- struct{}{}:
	default:
	}
}

// TickNotify returns a channel signalled after each market_data frame,
// so price-sensitive loops can react before their next poll.
func (c *Cache) TickNotify() <-chan struct{} {
	return c.tickCh
}

// UpsertPosition records or refreshes a streamed position.
func (c *Cache) UpsertPosition(pos core.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[pos.Ticket] = positionEntry{pos: pos, seenAt: time.Now()}
}

// RemovePosition drops a ticket, called after a confirmed close so the
// monitor does not mistake it for a broker-side exit.
func (c *Cache) RemovePosition(ticket int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, ticket)
}

// SetBars stores the latest rates response for (symbol, timeframe).
func (c *Cache) SetBars(symbol string, timeframeMinutes int, bars []core.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars[barsKey(symbol, timeframeMinutes)] = barsEntry{bars: bars, seenAt: time.Now()}
}

// LatestTick implements core.MarketView.
func (c *Cache) LatestTick() (core.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tick, c.hasTick
}

// LatestAccount implements core.MarketView.
func (c *Cache) LatestAccount() (core.AccountSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account, c.hasAccount
}

// Position implements core.MarketView. Entries older than positionTTL
// are treated as gone.
func (c *Cache) Position(ticket int64) (core.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.positions[ticket]
	if !ok || time.Since(entry.seenAt) > positionTTL {
		return core.Position{}, false
	}
	return entry.pos, true
}

// Positions implements core.MarketView, sorted by ticket for stable
// iteration.
func (c *Cache) Positions() []core.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]core.Position, 0, len(c.positions))
	for _, entry := range c.positions {
		if time.Since(entry.seenAt) > positionTTL {
			continue
		}
		out = append(out, entry.pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Bars implements core.MarketView.
func (c *Cache) Bars(symbol string, timeframeMinutes int) ([]core.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.bars[barsKey(symbol, timeframeMinutes)]
	if !ok {
		return nil, false
	}
	return entry.bars, true
}

// BarsAge reports how long ago the (symbol, timeframe) series was last
// refreshed; ok is false when it was never fetched.
func (c *Cache) BarsAge(symbol string, timeframeMinutes int) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.bars[barsKey(symbol, timeframeMinutes)]
	if !ok {
		return 0, false
	}
	return time.Since(entry.seenAt), true
}

// FreshWithin implements core.MarketView: true when the latest tick
// arrived within ttl.
func (c *Cache) FreshWithin(ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasTick && time.Since(c.tick.ReceivedAt) <= ttl
}

func barsKey(symbol string, timeframeMinutes int) string {
	return fmt.Sprintf("%s/%d", symbol, timeframeMinutes)
}
