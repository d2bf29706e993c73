package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/core"
)

func TestCache_EmptyReads(t *testing.T) {
	c := NewCache()

	_, ok := c.LatestTick()
	require.False(t, ok)
	_, ok = c.LatestAccount()
	require.False(t, ok)
	_, ok = c.Position(1)
	require.False(t, ok)
	require.Empty(t, c.Positions())
	_, ok = c.Bars("XAUUSD", 15)
	require.False(t, ok)
	require.False(t, c.FreshWithin(time.Minute))
}

func TestCache_MarketDataLatestWins(t *testing.T) {
	c := NewCache()

	c.SetMarketData(core.Tick{Symbol: "XAUUSD", Bid: 2223.37, ReceivedAt: time.Now()}, core.AccountSnapshot{Balance: 10000})
	c.SetMarketData(core.Tick{Symbol: "XAUUSD", Bid: 2224.10, ReceivedAt: time.Now()}, core.AccountSnapshot{Balance: 10050})

	tick, ok := c.LatestTick()
	require.True(t, ok)
	require.InDelta(t, 2224.10, tick.Bid, 1e-9)

	account, ok := c.LatestAccount()
	require.True(t, ok)
	require.InDelta(t, 10050, account.Balance, 1e-9)
}

func TestCache_Freshness(t *testing.T) {
	c := NewCache()

	c.SetMarketData(core.Tick{Symbol: "XAUUSD", ReceivedAt: time.Now().Add(-30 * time.Second)}, core.AccountSnapshot{})
	require.False(t, c.FreshWithin(10*time.Second))
	require.True(t, c.FreshWithin(time.Minute))
}

func TestCache_PositionsUpsertAndRemove(t *testing.T) {
	c := NewCache()

	c.UpsertPosition(core.Position{Ticket: 2, Symbol: "XAUUSD", Side: core.SideTypeBuy})
	c.UpsertPosition(core.Position{Ticket: 1, Symbol: "XAUUSD", Side: core.SideTypeSell})
	c.UpsertPosition(core.Position{Ticket: 2, Symbol: "XAUUSD", Side: core.SideTypeBuy, Profit: 12.5})

	positions := c.Positions()
	require.Len(t, positions, 2)
	require.Equal(t, int64(1), positions[0].Ticket)
	require.Equal(t, int64(2), positions[1].Ticket)

	pos, ok := c.Position(2)
	require.True(t, ok)
	require.InDelta(t, 12.5, pos.Profit, 1e-9)

	c.RemovePosition(2)
	_, ok = c.Position(2)
	require.False(t, ok)
	require.Len(t, c.Positions(), 1)
}

func TestCache_TickNotifyCoalesces(t *testing.T) {
	c := NewCache()

	select {
	case <-c.TickNotify():
		t.Fatal("signal before any tick")
	default:
	}

	c.SetMarketData(core.Tick{Symbol: "XAUUSD", ReceivedAt: time.Now()}, core.AccountSnapshot{})
	c.SetMarketData(core.Tick{Symbol: "XAUUSD", ReceivedAt: time.Now()}, core.AccountSnapshot{})

	select {
	case <-c.TickNotify():
	default:
		t.Fatal("expected a pending tick signal")
	}

	// A burst collapses into a single pending signal.
	select {
	case <-c.TickNotify():
		t.Fatal("burst should coalesce")
	default:
	}
}

func TestCache_BarsByTimeframe(t *testing.T) {
	c := NewCache()
	bars := []core.Bar{{Close: 2200}, {Close: 2210}}

	c.SetBars("XAUUSD", 15, bars)

	got, ok := c.Bars("XAUUSD", 15)
	require.True(t, ok)
	require.Len(t, got, 2)

	_, ok = c.Bars("XAUUSD", 5)
	require.False(t, ok)

	age, ok := c.BarsAge("XAUUSD", 15)
	require.True(t, ok)
	require.Less(t, age, time.Second)

	_, ok = c.BarsAge("EURUSD", 15)
	require.False(t, ok)
}
