package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/bridge"
	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/ledger"
	"github.com/raykavin/sarbridge/pkg/logger"
	"github.com/raykavin/sarbridge/risk"
)

// fakeBridge scripts the EA side of the command surface.
type fakeBridge struct {
	state       core.ConnState
	buyResult   core.OrderResult
	buyErr      error
	closeErrs   []error
	closeCalls  int
	modifyErr   error
	modifyCalls int
}

func (f *fakeBridge) State() core.ConnState { return f.state }

func (f *fakeBridge) Buy(ctx context.Context, req core.OpenOrderRequest) (core.OrderResult, error) {
	return f.buyResult, f.buyErr
}

func (f *fakeBridge) Sell(ctx context.Context, req core.OpenOrderRequest) (core.OrderResult, error) {
	return f.buyResult, f.buyErr
}

func (f *fakeBridge) Close(ctx context.Context, ticket int64) error {
	f.closeCalls++
	if len(f.closeErrs) == 0 {
		return nil
	}
	err := f.closeErrs[0]
	if len(f.closeErrs) > 1 {
		f.closeErrs = f.closeErrs[1:]
	}
	return err
}

func (f *fakeBridge) Modify(ctx context.Context, ticket int64, sl, tp float64) error {
	f.modifyCalls++
	return f.modifyErr
}

func (f *fakeBridge) GetPositions(ctx context.Context) error { return nil }

func (f *fakeBridge) GetRates(ctx context.Context, count, timeframeMinutes int) ([]core.Bar, error) {
	return nil, nil
}

func newFixture(t *testing.T, fb *fakeBridge) (*Executor, *ledger.Ledger, *bridge.Cache) {
	t.Helper()

	trades, err := ledger.New(t.TempDir(), logger.Nop())
	require.NoError(t, err)

	cache := bridge.NewCache()
	cache.SetMarketData(core.Tick{
		Symbol:       "XAUUSD",
		Bid:          2223.37,
		Ask:          2223.57,
		ContractSize: 100,
		MinLot:       0.01,
		MaxLot:       100,
		LotStep:      0.01,
		ReceivedAt:   time.Now(),
	}, core.AccountSnapshot{Balance: 10000, FreeMargin: 9500, Leverage: 100})

	exec := New(fb, trades, cache, cache, logger.Nop(), nil)
	exec.closeBackoffMin = time.Millisecond
	exec.closeBackoffMax = 5 * time.Millisecond
	exec.reconcileWait = 10 * time.Millisecond
	return exec, trades, cache
}

func buyPlan() risk.Plan {
	return risk.Plan{
		Side:       core.SideTypeBuy,
		Entry:      2223.57,
		StopLoss:   2195.23,
		TakeProfit: 2280.25,
		Volume:     0.03,
	}
}

func TestExecutor_OpenLogsTrade(t *testing.T) {
	fb := &fakeBridge{
		state: core.ConnConnected,
		buyResult: core.OrderResult{
			Success: true, Action: core.SideTypeBuy, Ticket: 1001,
			Volume: 0.03, Price: 2223.60, SL: 2195.23, TP: 2280.25,
		},
	}
	exec, trades, _ := newFixture(t, fb)

	pos, err := exec.Open(context.Background(), buyPlan(), "sarbridge")
	require.NoError(t, err)
	require.Equal(t, int64(1001), pos.Ticket)
	require.Equal(t, "XAUUSD", pos.Symbol)

	agg, err := trades.DailyAggregate(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, agg.TradeCount)
	require.Equal(t, 0, agg.ClosedCount)
	require.InDelta(t, 10000, agg.FirstTradeBalance, 1e-9)
}

func TestExecutor_OpenRefusedWhileManualPending(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected, buyResult: core.OrderResult{Success: true, Ticket: 1}}
	exec, trades, _ := newFixture(t, fb)

	require.NoError(t, trades.LogOpen(&core.TradeRecord{Ticket: 900, EntryTime: time.Now()}))
	require.NoError(t, trades.FlagRequiresManual(900))

	_, err := exec.Open(context.Background(), buyPlan(), "sarbridge")
	require.ErrorIs(t, err, core.ErrTradingPaused)
}

func TestExecutor_CloseRetriesThenSucceeds(t *testing.T) {
	fb := &fakeBridge{
		state:     core.ConnConnected,
		closeErrs: []error{errors.New("busy"), errors.New("busy"), nil},
	}
	exec, trades, cache := newFixture(t, fb)

	pos := core.Position{Ticket: 1001, Symbol: "XAUUSD", Side: core.SideTypeBuy, Volume: 0.03, PriceOpen: 2223.60}
	require.NoError(t, trades.LogOpen(&core.TradeRecord{
		Ticket: 1001, Symbol: "XAUUSD", Side: core.SideTypeBuy,
		EntryTime: time.Now(), EntryPrice: 2223.60, Volume: 0.03, AccountBalanceAtEntry: 10000,
	}))
	cache.UpsertPosition(core.Position{Ticket: 1001, PriceCurrent: 2230.00, Profit: 19.20})

	require.NoError(t, exec.Close(context.Background(), pos, core.CloseReasonSARReversal))
	require.Equal(t, 3, fb.closeCalls)

	agg, err := trades.DailyAggregate(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, agg.ClosedCount)
	require.InDelta(t, 19.20, agg.TotalRealizedPL, 1e-9)

	// The ticket is forgotten so the monitor cannot mistake this for a
	// broker-side exit.
	_, ok := cache.Position(1001)
	require.False(t, ok)
}

func TestExecutor_CloseExhaustionFlagsManual(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected, closeErrs: []error{errors.New("no ack")}}
	exec, trades, _ := newFixture(t, fb)
	exec.closeAttempts = 3

	require.NoError(t, trades.LogOpen(&core.TradeRecord{
		Ticket: 1001, EntryTime: time.Now(), AccountBalanceAtEntry: 10000,
	}))

	err := exec.Close(context.Background(), core.Position{Ticket: 1001}, core.CloseReasonEmergencySL)
	require.ErrorIs(t, err, core.ErrCloseFailed)
	require.Equal(t, 3, fb.closeCalls)

	stuck, err := trades.HasRequiresManual()
	require.NoError(t, err)
	require.True(t, stuck)
}

func TestExecutor_RecordBrokerClose(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected}
	exec, trades, _ := newFixture(t, fb)

	require.NoError(t, trades.LogOpen(&core.TradeRecord{
		Ticket: 1001, EntryTime: time.Now(), AccountBalanceAtEntry: 10000,
	}))

	pos := core.Position{Ticket: 1001, TP: 2280.25, Profit: 170.04}
	require.NoError(t, exec.RecordBrokerClose(pos, 2280.25, 170.04, core.CloseReasonTPHit))

	agg, err := trades.DailyAggregate(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, agg.ClosedCount)
	require.InDelta(t, 170.04, agg.TotalRealizedPL, 1e-9)
}

func TestExecutor_ModifySingleAttempt(t *testing.T) {
	fb := &fakeBridge{state: core.ConnConnected, modifyErr: errors.New("rejected")}
	exec, _, _ := newFixture(t, fb)

	err := exec.Modify(context.Background(), 1001, 2200.00, 2280.25)
	require.Error(t, err)
	require.Equal(t, 1, fb.modifyCalls)
}
