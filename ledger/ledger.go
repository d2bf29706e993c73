// Package ledger persists trade accounting as one JSON file per local
// calendar day. The ledger is the authoritative source for P/L
// attribution and daily-balance anchoring; every write is flushed to
// disk before the call returns.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/raykavin/sarbridge/core"
)

const (
	logSubdir = "trade_logs"

	// closeSearchDays bounds the backwards search when closing a trade
	// that may have been opened on a previous day.
	closeSearchDays = 7

	// resultWindow is how many recent closed results DailyAggregate reports.
	resultWindow = 10
)

// Ledger implements core.Ledger over per-day JSON array files.
type Ledger struct {
	dir string
	log core.Logger
	mu  sync.Mutex
}

// New creates the trade_logs directory under baseDir if needed.
func New(baseDir string, log core.Logger) (*Ledger, error) {
	dir := filepath.Join(baseDir, logSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{dir: dir, log: log}, nil
}

// LogOpen appends a new OPEN record to today's file.
func (l *Ledger) LogOpen(record *core.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record.Status = core.TradeStatusOpen
	if record.EntryTime.IsZero() {
		record.EntryTime = time.Now()
	}

	trades, err := l.readDay(record.EntryTime)
	if err != nil {
		return err
	}
	trades = append(trades, *record)

	if err := l.writeDay(record.EntryTime, trades); err != nil {
		return fmt.Errorf("%w: %v", core.ErrLedgerUnavailable, err)
	}

	l.log.WithFields(map[string]any{
		"ticket": record.Ticket,
		"side":   record.Side,
		"volume": record.Volume,
	}).Info("trade logged open")
	return nil
}

// LogClose locates the OPEN record with the given ticket in the recent
// day files and marks it CLOSED. Closing an already-closed ticket is a
// no-op returning the stored record.
func (l *Ledger) LogClose(ticket int64, exitPrice float64, exitTime time.Time, realizedPL float64, reason core.CloseReason) (*core.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for back := 0; back < closeSearchDays; back++ {
		date := exitTime.AddDate(0, 0, -back)
		trades, err := l.readDay(date)
		if err != nil {
			return nil, err
		}

		for i := range trades {
			if trades[i].Ticket != ticket {
				continue
			}
			if trades[i].Closed() {
				return &trades[i], nil
			}

			et := exitTime
			trades[i].Status = core.TradeStatusClosed
			trades[i].ExitTime = &et
			trades[i].ExitPrice = exitPrice
			trades[i].RealizedPL = realizedPL
			trades[i].CloseReason = reason

			if err := l.writeDay(date, trades); err != nil {
				return nil, fmt.Errorf("%w: %v", core.ErrLedgerUnavailable, err)
			}

			l.log.WithFields(map[string]any{
				"ticket": ticket,
				"pl":     realizedPL,
				"reason": reason,
			}).Info("trade logged closed")
			return &trades[i], nil
		}
	}

	return nil, fmt.Errorf("open trade with ticket %d not found in last %d days", ticket, closeSearchDays)
}

// FlagRequiresManual marks an open record as needing operator attention.
// While any such record exists, new opens are refused.
func (l *Ledger) FlagRequiresManual(ticket int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for back := 0; back < closeSearchDays; back++ {
		date := time.Now().AddDate(0, 0, -back)
		trades, err := l.readDay(date)
		if err != nil {
			return err
		}
		for i := range trades {
			if trades[i].Ticket == ticket && trades[i].Status == core.TradeStatusOpen {
				trades[i].Status = core.TradeStatusRequiresManual
				return l.writeDay(date, trades)
			}
		}
	}
	return fmt.Errorf("open trade with ticket %d not found", ticket)
}

// HasRequiresManual reports whether any recent record awaits manual
// resolution.
func (l *Ledger) HasRequiresManual() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for back := 0; back < closeSearchDays; back++ {
		trades, err := l.readDay(time.Now().AddDate(0, 0, -back))
		if err != nil {
			return false, err
		}
		for _, t := range trades {
			if t.Status == core.TradeStatusRequiresManual {
				return true, nil
			}
		}
	}
	return false, nil
}

// TradesByDate returns all records for the given local calendar day.
func (l *Ledger) TradesByDate(date time.Time) ([]core.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readDay(date)
}

// DailyAggregate summarizes the given day. OPEN records contribute zero
// to TotalRealizedPL; ConsecutiveLosses walks the closed records
// backwards from the most recent exit.
func (l *Ledger) DailyAggregate(date time.Time) (core.DailyAggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	trades, err := l.readDay(date)
	if err != nil {
		return core.DailyAggregate{}, err
	}

	closed := lo.Filter(trades, func(t core.TradeRecord, _ int) bool {
		return t.Closed() && t.ExitTime != nil
	})
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ExitTime.Before(*closed[j].ExitTime)
	})

	agg := core.DailyAggregate{
		Date:       date.Format("2006-01-02"),
		TradeCount: len(trades),
	}
	agg.ClosedCount = len(closed)
	agg.TotalRealizedPL = lo.SumBy(closed, func(t core.TradeRecord) float64 { return t.RealizedPL })
	agg.WinCount = lo.CountBy(closed, func(t core.TradeRecord) bool { return t.RealizedPL >= 0 })
	agg.LossCount = agg.ClosedCount - agg.WinCount

	for i := len(closed) - 1; i >= 0; i-- {
		if closed[i].RealizedPL >= 0 {
			break
		}
		agg.ConsecutiveLosses++
	}

	start := len(closed) - resultWindow
	if start < 0 {
		start = 0
	}
	for _, t := range closed[start:] {
		agg.LastResults = append(agg.LastResults, t.RealizedPL)
	}

	if balance, ok := firstTradeBalance(trades); ok {
		agg.FirstTradeBalance = balance
		agg.HasFirstTradeBalance = true
	}

	return agg, nil
}

// FirstTradeBalance returns the account balance captured at the entry of
// the earliest record of the day, used to anchor the daily loss limit.
func (l *Ledger) FirstTradeBalance(date time.Time) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	trades, err := l.readDay(date)
	if err != nil {
		return 0, false, err
	}
	balance, ok := firstTradeBalance(trades)
	return balance, ok, nil
}

func firstTradeBalance(trades []core.TradeRecord) (float64, bool) {
	if len(trades) == 0 {
		return 0, false
	}
	earliest := lo.MinBy(trades, func(a, b core.TradeRecord) bool {
		return a.EntryTime.Before(b.EntryTime)
	})
	return earliest.AccountBalanceAtEntry, true
}

func (l *Ledger) filename(date time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("trades_%s.json", date.Format("2006_01_02")))
}

func (l *Ledger) readDay(date time.Time) ([]core.TradeRecord, error) {
	data, err := os.ReadFile(l.filename(date))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}

	var trades []core.TradeRecord
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.filename(date), err)
	}
	return trades, nil
}

// writeDay rewrites the day file atomically: temp file, fsync, rename.
// A transient failure is retried once before giving up.
func (l *Ledger) writeDay(date time.Time, trades []core.TradeRecord) error {
	err := l.writeDayOnce(date, trades)
	if err != nil {
		l.log.WithError(err).Warn("ledger write failed, retrying")
		err = l.writeDayOnce(date, trades)
	}
	return err
}

func (l *Ledger) writeDayOnce(date time.Time, trades []core.TradeRecord) error {
	data, err := json.MarshalIndent(trades, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(l.dir, ".trades-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), l.filename(date))
}
