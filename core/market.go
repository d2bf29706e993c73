package core

import "time"

// Tick is an instantaneous market snapshot streamed by the EA. Latest
// wins in the cache; instances are never mutated.
type Tick struct {
	Symbol       string
	Bid          float64
	Ask          float64
	Spread       int
	Time         time.Time
	Point        float64
	Digits       int
	ContractSize float64
	MinLot       float64
	MaxLot       float64
	LotStep      float64

	// ReceivedAt is stamped by the bridge on arrival and drives the
	// freshness predicate.
	ReceivedAt time.Time
}

// AccountSnapshot carries the account fields embedded in every
// market_data frame.
type AccountSnapshot struct {
	Balance       float64
	Equity        float64
	Margin        float64
	FreeMargin    float64
	Profit        float64
	Leverage      int
	OpenPositions int
}

// Bar is one OHLC period of a named timeframe.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Trend is the Parabolic SAR trend direction.
type Trend string

const (
	Uptrend   Trend = "UPTREND"
	Downtrend Trend = "DOWNTREND"
)

// SARState is the indicator output for the last bar of a series.
type SARState struct {
	Value        float64
	Trend        Trend
	ExtremePoint float64
	Acceleration float64
	Distance     float64
	Flipped      bool
	BarTime      time.Time
}

// SignalKind is the strategy decision for the current cycle.
type SignalKind string

const (
	SignalBuy  SignalKind = "BUY"
	SignalSell SignalKind = "SELL"
	SignalHold SignalKind = "HOLD"
)

// Signal is a strategy decision with its justification.
type Signal struct {
	Kind   SignalKind
	Reason string
	Time   time.Time
}
