package core

import "errors"

var (
	// ErrNotConnected is returned when a command is issued while no EA
	// connection is established.
	ErrNotConnected = errors.New("bridge not connected to EA")

	// ErrCommandTimeout is returned when the EA does not acknowledge a
	// command within the reply window.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrCloseFailed is returned after close retries are exhausted; the
	// position is flagged REQUIRES_MANUAL.
	ErrCloseFailed = errors.New("close failed after retries")

	// ErrLotTooSmall is returned when the risk-derived lot normalizes
	// below the broker minimum.
	ErrLotTooSmall = errors.New("calculated lot below minimum")

	// ErrInvalidStopLoss is returned when the stop loss sits on the wrong
	// side of the entry price for the requested side.
	ErrInvalidStopLoss = errors.New("stop loss on wrong side of entry")

	// ErrInsufficientMargin is returned when free margin cannot cover the
	// intended position.
	ErrInsufficientMargin = errors.New("insufficient free margin")

	// ErrStaleTick is returned when the latest tick is older than the
	// freshness window.
	ErrStaleTick = errors.New("market data stale")

	// ErrTradingPaused is returned when a protection gate denies an open.
	ErrTradingPaused = errors.New("trading paused by protection")

	// ErrLedgerUnavailable is returned when trade accounting cannot be
	// made durable; the system refuses to trade without it.
	ErrLedgerUnavailable = errors.New("trade ledger unavailable")
)
