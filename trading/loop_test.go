package trading

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/bridge"
	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/executor"
	"github.com/raykavin/sarbridge/indicator"
	"github.com/raykavin/sarbridge/ledger"
	"github.com/raykavin/sarbridge/pkg/logger"
	"github.com/raykavin/sarbridge/protection"
	"github.com/raykavin/sarbridge/risk"
)

func newLoopFixture(t *testing.T, fb *fakeBridge) (*Loop, *ledger.Ledger, *bridge.Cache) {
	t.Helper()
	dir := t.TempDir()

	trades, err := ledger.New(dir, logger.Nop())
	require.NoError(t, err)

	breaker, err := protection.New(protection.DefaultConfig(), dir, trades, logger.Nop(), nil)
	require.NoError(t, err)

	cache := bridge.NewCache()
	exec := executor.New(fb, trades, cache, cache, logger.Nop(), nil)
	sar := indicator.NewSAR(0, 0)

	strategy := NewStrategy(sar, IntentBoth)
	monitor := NewMonitor(MonitorConfig{CheckInterval: 10 * time.Millisecond}, cache, fb, exec, sar, logger.Nop())
	symbols := NewSymbolDetector([]string{"XAUUSD", "GOLD"})

	loop := NewLoop(
		LoopConfig{SignalInterval: 20 * time.Millisecond, ShutdownGrace: 200 * time.Millisecond},
		fb, cache, exec, strategy, monitor, risk.NewCalculator(1.0), breaker, symbols,
		logger.Nop(), nil,
	)
	return loop, trades, cache
}

func TestLoop_HoldsWhenBridgeDown(t *testing.T) {
	fb := &fakeBridge{state: core.ConnListening}
	loop, _, cache := newLoopFixture(t, fb)

	setTick(cache, 2120.80, 2121.00)
	cache.SetBars("XAUUSD", 15, risingBars(60))

	_, opened := loop.tryOpen(context.Background())
	require.False(t, opened)
	require.Zero(t, fb.buyCalls)
}

func TestLoop_HoldsOnUnknownSymbol(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected}
	loop, _, cache := newLoopFixture(t, fb)

	cache.SetMarketData(core.Tick{Symbol: "EURUSD", Bid: 1.08, Ask: 1.0801, ReceivedAt: time.Now()},
		core.AccountSnapshot{Balance: 10000})

	_, opened := loop.tryOpen(context.Background())
	require.False(t, opened)
	require.Zero(t, fb.buyCalls)
}

func TestLoop_HoldsOnStaleTick(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected}
	loop, _, cache := newLoopFixture(t, fb)

	cache.SetMarketData(core.Tick{Symbol: "XAUUSD", Bid: 2120.80, Ask: 2121.00,
		ReceivedAt: time.Now().Add(-time.Minute)}, core.AccountSnapshot{Balance: 10000})
	cache.SetBars("XAUUSD", 15, risingBars(60))

	_, opened := loop.tryOpen(context.Background())
	require.False(t, opened)
	require.Zero(t, fb.buyCalls)
}

func TestLoop_HoldsBelowWarmup(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected}
	loop, _, cache := newLoopFixture(t, fb)

	setTick(cache, 2120.80, 2121.00)
	cache.SetBars("XAUUSD", 15, risingBars(20))

	_, opened := loop.tryOpen(context.Background())
	require.False(t, opened)
	require.Zero(t, fb.buyCalls)
}

func TestLoop_FullCycle(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected}
	loop, trades, cache := newLoopFixture(t, fb)

	setTick(cache, 2120.80, 2121.00)
	cache.SetBars("XAUUSD", 15, risingBars(60))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// The uptrend opens a BUY; the fill never appears in the position
	// stream, so the monitor records a broker-side close and the loop
	// cycles back to waiting.
	require.Eventually(t, func() bool {
		agg, err := trades.DailyAggregate(time.Now())
		return err == nil && agg.ClosedCount >= 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	agg, err := trades.DailyAggregate(time.Now())
	require.NoError(t, err)
	require.GreaterOrEqual(t, agg.TradeCount, 1)
	require.GreaterOrEqual(t, agg.ClosedCount, 1)
}
