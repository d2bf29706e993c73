package core

import (
	"fmt"
	"time"
)

// SideType represents the direction of an order or position.
type SideType string

const (
	SideTypeBuy  SideType = "BUY"
	SideTypeSell SideType = "SELL"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonTPHit       CloseReason = "TP_HIT"
	CloseReasonSLHit       CloseReason = "SL_HIT"
	CloseReasonSARReversal CloseReason = "SAR_REVERSAL"
	CloseReasonEmergencySL CloseReason = "EMERGENCY_SL"
	CloseReasonManual      CloseReason = "MANUAL"
)

// OpenOrderRequest carries the parameters of a market open command.
type OpenOrderRequest struct {
	Side       SideType
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// OrderResult is the EA acknowledgment of a BUY/SELL command.
type OrderResult struct {
	Success bool
	Action  SideType
	Ticket  int64
	Volume  float64
	Price   float64
	SL      float64
	TP      float64
	Message string
}

// Position mirrors an open position as reported by the EA. The ticket is
// assigned by the broker and identifies the position for CLOSE/MODIFY.
type Position struct {
	Ticket       int64
	Symbol       string
	Side         SideType
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	SL           float64
	TP           float64
	Profit       float64
	OpenTime     time.Time
	Comment      string
}

func (p Position) String() string {
	return fmt.Sprintf("#%d %s %s %.2f @ %.2f (sl=%.2f tp=%.2f pl=%.2f)",
		p.Ticket, p.Side, p.Symbol, p.Volume, p.PriceOpen, p.SL, p.TP, p.Profit)
}
