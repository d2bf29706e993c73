package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/pkg/logger"
)

func noon() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, now.Location())
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(t.TempDir(), logger.Nop())
	require.NoError(t, err)
	return l
}

func openRecord(ticket int64, balance float64, entry time.Time) *core.TradeRecord {
	return &core.TradeRecord{
		Ticket:                ticket,
		Symbol:                "XAUUSD",
		Side:                  core.SideTypeBuy,
		EntryTime:             entry,
		EntryPrice:            2223.57,
		StopLoss:              2195.23,
		TakeProfit:            2280.25,
		Volume:                0.03,
		AccountBalanceAtEntry: balance,
	}
}

func TestLedger_LogOpenCreatesDayFile(t *testing.T) {
	l := newTestLedger(t)
	now := noon()

	require.NoError(t, l.LogOpen(openRecord(1, 10000, now)))

	name := filepath.Join(l.dir, "trades_"+now.Format("2006_01_02")+".json")
	_, err := os.Stat(name)
	require.NoError(t, err)

	trades, err := l.TradesByDate(now)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, core.TradeStatusOpen, trades[0].Status)
}

func TestLedger_LogCloseUpdatesInPlace(t *testing.T) {
	l := newTestLedger(t)
	now := noon()

	require.NoError(t, l.LogOpen(openRecord(7, 10000, now)))

	record, err := l.LogClose(7, 2280.25, now, 170.04, core.CloseReasonTPHit)
	require.NoError(t, err)
	require.Equal(t, core.TradeStatusClosed, record.Status)
	require.InDelta(t, 170.04, record.RealizedPL, 1e-9)

	trades, err := l.TradesByDate(now)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].Closed())
}

func TestLedger_LogCloseIdempotent(t *testing.T) {
	l := newTestLedger(t)
	now := noon()

	require.NoError(t, l.LogOpen(openRecord(7, 10000, now)))

	first, err := l.LogClose(7, 2280.25, now, 170.04, core.CloseReasonTPHit)
	require.NoError(t, err)

	// A second close keeps the stored accounting.
	second, err := l.LogClose(7, 1.23, now.Add(time.Minute), -999, core.CloseReasonManual)
	require.NoError(t, err)
	require.Equal(t, first.ExitPrice, second.ExitPrice)
	require.Equal(t, first.RealizedPL, second.RealizedPL)
	require.Equal(t, first.CloseReason, second.CloseReason)
}

func TestLedger_LogCloseUnknownTicket(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.LogClose(404, 2280.25, time.Now(), 0, core.CloseReasonTPHit)
	require.Error(t, err)
}

func TestLedger_LogCloseFindsPreviousDay(t *testing.T) {
	l := newTestLedger(t)
	yesterday := time.Now().AddDate(0, 0, -1)

	require.NoError(t, l.LogOpen(openRecord(9, 10000, yesterday)))

	record, err := l.LogClose(9, 2195.23, time.Now(), -85.02, core.CloseReasonSLHit)
	require.NoError(t, err)
	require.Equal(t, core.TradeStatusClosed, record.Status)
}

func TestLedger_DailyAggregate(t *testing.T) {
	l := newTestLedger(t)
	now := noon()

	results := []float64{120, -40, -55, -30}
	for i, pl := range results {
		ticket := int64(i + 1)
		require.NoError(t, l.LogOpen(openRecord(ticket, 10000+float64(i), now.Add(time.Duration(i)*time.Minute))))
		_, err := l.LogClose(ticket, 2250, now.Add(time.Duration(i)*time.Minute+30*time.Second), pl, core.CloseReasonSARReversal)
		require.NoError(t, err)
	}

	agg, err := l.DailyAggregate(now)
	require.NoError(t, err)

	require.Equal(t, 4, agg.TradeCount)
	require.Equal(t, 4, agg.ClosedCount)
	require.Equal(t, 1, agg.WinCount)
	require.Equal(t, 3, agg.LossCount)
	require.Equal(t, 3, agg.ConsecutiveLosses)
	require.InDelta(t, -5, agg.TotalRealizedPL, 1e-9)
	require.Equal(t, results, agg.LastResults)

	// The anchor is the balance at the earliest entry of the day.
	require.True(t, agg.HasFirstTradeBalance)
	require.InDelta(t, 10000, agg.FirstTradeBalance, 1e-9)
}

func TestLedger_ConsecutiveLossesResetByWin(t *testing.T) {
	l := newTestLedger(t)
	now := noon()

	for i, pl := range []float64{-10, -20, 30, -5} {
		ticket := int64(i + 1)
		require.NoError(t, l.LogOpen(openRecord(ticket, 10000, now.Add(time.Duration(i)*time.Minute))))
		_, err := l.LogClose(ticket, 2250, now.Add(time.Duration(i)*time.Minute+time.Second), pl, core.CloseReasonSLHit)
		require.NoError(t, err)
	}

	agg, err := l.DailyAggregate(now)
	require.NoError(t, err)
	require.Equal(t, 1, agg.ConsecutiveLosses)
}

func TestLedger_RequiresManual(t *testing.T) {
	l := newTestLedger(t)
	now := noon()

	require.NoError(t, l.LogOpen(openRecord(5, 10000, now)))

	stuck, err := l.HasRequiresManual()
	require.NoError(t, err)
	require.False(t, stuck)

	require.NoError(t, l.FlagRequiresManual(5))

	stuck, err = l.HasRequiresManual()
	require.NoError(t, err)
	require.True(t, stuck)
}

func TestLedger_FirstTradeBalanceEmptyDay(t *testing.T) {
	l := newTestLedger(t)

	_, ok, err := l.FirstTradeBalance(time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}
