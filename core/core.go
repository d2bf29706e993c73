// Package core defines the shared data model and the interfaces that tie
// the bridge, strategy, risk and accounting components together.
package core

import (
	"context"
	"time"

	"github.com/raykavin/sarbridge/pkg/logger"
)

// Logger is the logging facade used across the system.
type Logger = logger.Logger

// ConnState represents the bridge connection lifecycle.
type ConnState string

const (
	ConnListening ConnState = "LISTENING"
	ConnConnected ConnState = "CONNECTED"
	ConnDegraded  ConnState = "DEGRADED"
	ConnClosed    ConnState = "CLOSED"
)

// Bridge is the command/data channel to the EA. The socket server is the
// only implementation shipped; a file-based transport would satisfy the
// same interface.
type Bridge interface {
	// State returns the current connection state.
	State() ConnState

	// Buy and Sell send a market order command and wait for the order
	// acknowledgment from the EA.
	Buy(ctx context.Context, req OpenOrderRequest) (OrderResult, error)
	Sell(ctx context.Context, req OpenOrderRequest) (OrderResult, error)

	// Close asks the EA to close the position identified by ticket.
	Close(ctx context.Context, ticket int64) error

	// Modify updates SL/TP of an open position.
	Modify(ctx context.Context, ticket int64, sl, tp float64) error

	// GetPositions asks the EA to re-send the open position list.
	GetPositions(ctx context.Context) error

	// GetRates requests the latest count bars of the given timeframe.
	GetRates(ctx context.Context, count, timeframeMinutes int) ([]Bar, error)
}

// MarketView is the read side of the market-data cache.
type MarketView interface {
	LatestTick() (Tick, bool)
	LatestAccount() (AccountSnapshot, bool)
	Position(ticket int64) (Position, bool)
	Positions() []Position
	Bars(symbol string, timeframeMinutes int) ([]Bar, bool)
	FreshWithin(ttl time.Duration) bool
}

// Notifier receives human-facing events: protection pauses, opens,
// closes and errors.
type Notifier interface {
	Notify(message string)
	OnError(err error)
}

// NotifierWithStart is a notifier that runs its own delivery loop.
type NotifierWithStart interface {
	Notifier
	Start()
}

// Ledger is the durable trade accounting surface.
type Ledger interface {
	LogOpen(record *TradeRecord) error
	LogClose(ticket int64, exitPrice float64, exitTime time.Time, realizedPL float64, reason CloseReason) (*TradeRecord, error)
	DailyAggregate(date time.Time) (DailyAggregate, error)
	FirstTradeBalance(date time.Time) (float64, bool, error)
	FlagRequiresManual(ticket int64) error
	HasRequiresManual() (bool, error)
}
