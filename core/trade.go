package core

import "time"

// TradeStatus is the lifecycle state of a ledger record.
type TradeStatus string

const (
	TradeStatusOpen           TradeStatus = "OPEN"
	TradeStatusClosed         TradeStatus = "CLOSED"
	TradeStatusRequiresManual TradeStatus = "REQUIRES_MANUAL"
)

// TradeRecord is an append-oriented ledger entry, written at open and
// completed in place at close. Records are grouped by local calendar day.
type TradeRecord struct {
	Ticket  int64       `json:"ticket"`
	Symbol  string      `json:"symbol"`
	Side    SideType    `json:"side"`
	Status  TradeStatus `json:"status"`
	Comment string      `json:"comment,omitempty"`

	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Volume     float64   `json:"volume"`

	AccountBalanceAtEntry float64 `json:"account_balance_at_entry"`

	ExitTime    *time.Time  `json:"exit_time,omitempty"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	RealizedPL  float64     `json:"realized_pl,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// Closed reports whether the record has terminal accounting.
func (t TradeRecord) Closed() bool {
	return t.Status == TradeStatusClosed
}

// RealizedProfit computes the monetary P/L of an exit at price for the
// given contract size. Exposure per unit of price move is
// volume x contract size.
func (t TradeRecord) RealizedProfit(exitPrice, contractSize float64) float64 {
	points := exitPrice - t.EntryPrice
	if t.Side == SideTypeSell {
		points = t.EntryPrice - exitPrice
	}
	return points * t.Volume * contractSize
}

// DailyAggregate summarizes one local calendar day of ledger records.
type DailyAggregate struct {
	Date                 string    `json:"date"`
	TotalRealizedPL      float64   `json:"total_realized_pl"`
	TradeCount           int       `json:"trade_count"`
	ClosedCount          int       `json:"closed_count"`
	WinCount             int       `json:"win_count"`
	LossCount            int       `json:"loss_count"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	LastResults          []float64 `json:"last_results"`
	FirstTradeBalance    float64   `json:"first_trade_balance"`
	HasFirstTradeBalance bool      `json:"has_first_trade_balance"`
}
