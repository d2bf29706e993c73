// Package executor turns open/close/modify decisions into bridge
// commands and keeps the ledger in lockstep with what the broker
// actually did.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/risk"
)

const (
	// closeAttempts bounds the close retry loop. An unclosed position is
	// dangerous, so the loop is generous before giving up.
	closeAttempts = 10

	closeBackoffMin = 1 * time.Second
	closeBackoffMax = 10 * time.Second

	// reconcileWait gives the EA time to stream positions back after a
	// GET_POSITIONS issued on an open timeout.
	reconcileWait = 2 * time.Second
)

// positionCache is the write-side slice of the market cache the
// executor needs: forgetting a ticket after a confirmed close.
type positionCache interface {
	RemovePosition(ticket int64)
}

// Executor issues trading commands and records their outcome.
type Executor struct {
	bridge   core.Bridge
	ledger   core.Ledger
	view     core.MarketView
	cache    positionCache
	log      core.Logger
	notifier core.Notifier

	closeAttempts   int
	closeBackoffMin time.Duration
	closeBackoffMax time.Duration
	reconcileWait   time.Duration
}

// New wires an executor. notifier may be nil.
func New(bridge core.Bridge, ledger core.Ledger, view core.MarketView, cache positionCache, log core.Logger, notifier core.Notifier) *Executor {
	return &Executor{
		bridge:          bridge,
		ledger:          ledger,
		view:            view,
		cache:           cache,
		log:             log,
		notifier:        notifier,
		closeAttempts:   closeAttempts,
		closeBackoffMin: closeBackoffMin,
		closeBackoffMax: closeBackoffMax,
		reconcileWait:   reconcileWait,
	}
}

// Open sends a market order for the given plan and logs the fill. While
// any trade awaits manual resolution, opens are refused.
func (e *Executor) Open(ctx context.Context, plan risk.Plan, comment string) (core.Position, error) {
	if stuck, err := e.ledger.HasRequiresManual(); err != nil {
		return core.Position{}, err
	} else if stuck {
		return core.Position{}, fmt.Errorf("%w: unresolved REQUIRES_MANUAL trade", core.ErrTradingPaused)
	}

	account, ok := e.view.LatestAccount()
	if !ok {
		return core.Position{}, core.ErrStaleTick
	}

	req := core.OpenOrderRequest{
		Side:       plan.Side,
		Volume:     plan.Volume,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Comment:    comment,
	}

	known := e.knownTickets()

	var result core.OrderResult
	var err error
	if plan.Side == core.SideTypeBuy {
		result, err = e.bridge.Buy(ctx, req)
	} else {
		result, err = e.bridge.Sell(ctx, req)
	}

	if errors.Is(err, core.ErrCommandTimeout) {
		// The EA may have filled without acking. Pull the position list
		// once and look for a fill we did not know about.
		if pos, found := e.reconcileOpen(ctx, plan.Side, comment, known); found {
			e.log.WithField("ticket", pos.Ticket).Warn("open ack timed out but position exists, adopting")
			return pos, e.recordOpen(pos, account.Balance)
		}
		return core.Position{}, err
	}
	if err != nil {
		return core.Position{}, err
	}

	pos := core.Position{
		Ticket:    result.Ticket,
		Side:      plan.Side,
		Volume:    result.Volume,
		PriceOpen: result.Price,
		SL:        result.SL,
		TP:        result.TP,
		OpenTime:  time.Now(),
		Comment:   comment,
	}
	if tick, ok := e.view.LatestTick(); ok {
		pos.Symbol = tick.Symbol
	}

	if err := e.recordOpen(pos, account.Balance); err != nil {
		// No durable accounting means no position. Unwind immediately.
		e.log.WithError(err).Error("ledger rejected open, closing position")
		if closeErr := e.Close(ctx, pos, core.CloseReasonManual); closeErr != nil {
			e.log.WithError(closeErr).Error("unwind close failed")
		}
		return core.Position{}, err
	}

	e.log.WithFields(map[string]any{
		"ticket": pos.Ticket,
		"side":   pos.Side,
		"volume": pos.Volume,
		"price":  pos.PriceOpen,
	}).Info("position opened")

	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("OPENED %s %.2f lots @ %.2f\nSL %.2f / TP %.2f (ticket %d)",
			pos.Side, pos.Volume, pos.PriceOpen, pos.SL, pos.TP, pos.Ticket))
	}
	return pos, nil
}

func (e *Executor) recordOpen(pos core.Position, balance float64) error {
	record := &core.TradeRecord{
		Ticket:                pos.Ticket,
		Symbol:                pos.Symbol,
		Side:                  pos.Side,
		EntryTime:             pos.OpenTime,
		EntryPrice:            pos.PriceOpen,
		StopLoss:              pos.SL,
		TakeProfit:            pos.TP,
		Volume:                pos.Volume,
		AccountBalanceAtEntry: balance,
	}
	return e.ledger.LogOpen(record)
}

func (e *Executor) knownTickets() map[int64]bool {
	known := make(map[int64]bool)
	for _, p := range e.view.Positions() {
		known[p.Ticket] = true
	}
	return known
}

// reconcileOpen asks the EA for its position list and looks for a fill
// matching side and comment that was not open before the command.
func (e *Executor) reconcileOpen(ctx context.Context, side core.SideType, comment string, known map[int64]bool) (core.Position, bool) {
	if err := e.bridge.GetPositions(ctx); err != nil {
		e.log.WithError(err).Warn("reconcile GET_POSITIONS failed")
		return core.Position{}, false
	}

	select {
	case <-ctx.Done():
		return core.Position{}, false
	case <-time.After(e.reconcileWait):
	}

	for _, p := range e.view.Positions() {
		if known[p.Ticket] {
			continue
		}
		if p.Side == side && p.Comment == comment {
			return p, true
		}
	}
	return core.Position{}, false
}

// Close retries until the EA confirms or attempts run out. Exhaustion
// flags the trade REQUIRES_MANUAL and returns ErrCloseFailed.
func (e *Executor) Close(ctx context.Context, pos core.Position, reason core.CloseReason) error {
	b := &backoff.Backoff{
		Min:    e.closeBackoffMin,
		Max:    e.closeBackoffMax,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= e.closeAttempts; attempt++ {
		lastErr = e.bridge.Close(ctx, pos.Ticket)
		if lastErr == nil {
			return e.recordClose(pos, reason)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.Duration()
		e.log.WithError(lastErr).WithFields(map[string]any{
			"ticket":  pos.Ticket,
			"attempt": attempt,
			"retry":   wait.String(),
		}).Warn("close failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	e.log.WithField("ticket", pos.Ticket).Error("close attempts exhausted, flagging manual")
	if err := e.ledger.FlagRequiresManual(pos.Ticket); err != nil {
		e.log.WithError(err).Error("could not flag trade for manual resolution")
	}
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("CLOSE FAILED for ticket %d after %d attempts. Manual action required.",
			pos.Ticket, e.closeAttempts))
	}
	return fmt.Errorf("%w: ticket %d after %d attempts: %v", core.ErrCloseFailed, pos.Ticket, e.closeAttempts, lastErr)
}

// recordClose captures the exit using the freshest view of the position
// and forgets the ticket in the cache.
func (e *Executor) recordClose(pos core.Position, reason core.CloseReason) error {
	exitPrice := pos.PriceCurrent
	realized := pos.Profit
	if latest, ok := e.view.Position(pos.Ticket); ok {
		exitPrice = latest.PriceCurrent
		realized = latest.Profit
	}

	e.cache.RemovePosition(pos.Ticket)

	record, err := e.ledger.LogClose(pos.Ticket, exitPrice, time.Now(), realized, reason)
	if err != nil {
		e.log.WithError(err).Error("close confirmed but ledger write failed, flagging manual")
		if flagErr := e.ledger.FlagRequiresManual(pos.Ticket); flagErr != nil {
			e.log.WithError(flagErr).Error("could not flag trade for manual resolution")
		}
		return err
	}

	e.log.WithFields(map[string]any{
		"ticket": record.Ticket,
		"pl":     record.RealizedPL,
		"reason": reason,
	}).Info("position closed")

	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("CLOSED ticket %d (%s)\nP/L: %+.2f", record.Ticket, reason, record.RealizedPL))
	}
	return nil
}

// RecordBrokerClose logs an exit the broker performed on its own (TP or
// SL hit server-side). The position is already gone from the EA list.
func (e *Executor) RecordBrokerClose(pos core.Position, exitPrice, realizedPL float64, reason core.CloseReason) error {
	e.cache.RemovePosition(pos.Ticket)
	record, err := e.ledger.LogClose(pos.Ticket, exitPrice, time.Now(), realizedPL, reason)
	if err != nil {
		e.log.WithError(err).Error("broker close could not be logged, flagging manual")
		if flagErr := e.ledger.FlagRequiresManual(pos.Ticket); flagErr != nil {
			e.log.WithError(flagErr).Error("could not flag trade for manual resolution")
		}
		return err
	}

	e.log.WithFields(map[string]any{
		"ticket": record.Ticket,
		"pl":     record.RealizedPL,
		"reason": reason,
	}).Info("broker-side close recorded")

	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("CLOSED ticket %d (%s)\nP/L: %+.2f", record.Ticket, reason, record.RealizedPL))
	}
	return nil
}

// Modify updates SL/TP once. A failure is reported, not retried.
func (e *Executor) Modify(ctx context.Context, ticket int64, sl, tp float64) error {
	if err := e.bridge.Modify(ctx, ticket, sl, tp); err != nil {
		e.log.WithError(err).WithField("ticket", ticket).Warn("modify failed")
		return err
	}
	e.log.WithFields(map[string]any{"ticket": ticket, "sl": sl, "tp": tp}).Debug("position modified")
	return nil
}
