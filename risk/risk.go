// Package risk derives position size and protective levels from the
// account balance and the stop-loss distance.
package risk

import (
	"fmt"
	"math"

	"github.com/raykavin/sarbridge/core"
)

// DefaultRewardRatio is the fixed risk/reward of 1:2.
const DefaultRewardRatio = 2.0

// Calculator sizes positions so that a losing trade costs a fixed
// percentage of the account balance.
type Calculator struct {
	riskPercent float64
	rewardRatio float64
}

// Plan is a fully derived open decision: volume, protective levels and
// the monetary amounts at stake.
type Plan struct {
	Side         core.SideType
	Entry        float64
	StopLoss     float64
	TakeProfit   float64
	Volume       float64
	RiskAmount   float64
	RewardAmount float64
}

// NewCalculator creates a Calculator risking riskPercent of the balance
// per trade (e.g. 1.0 for 1%).
func NewCalculator(riskPercent float64) *Calculator {
	return &Calculator{
		riskPercent: riskPercent,
		rewardRatio: DefaultRewardRatio,
	}
}

// ValidateStopLoss checks the stop sits on the protective side of entry.
func (c *Calculator) ValidateStopLoss(side core.SideType, entry, stopLoss float64) error {
	switch side {
	case core.SideTypeBuy:
		if stopLoss >= entry {
			return fmt.Errorf("%w: BUY needs sl %.2f below entry %.2f", core.ErrInvalidStopLoss, stopLoss, entry)
		}
	case core.SideTypeSell:
		if stopLoss <= entry {
			return fmt.Errorf("%w: SELL needs sl %.2f above entry %.2f", core.ErrInvalidStopLoss, stopLoss, entry)
		}
	}
	return nil
}

// TakeProfit derives the 1:2 target from the entry and stop distance.
func (c *Calculator) TakeProfit(side core.SideType, entry, stopLoss float64) (float64, error) {
	if err := c.ValidateStopLoss(side, entry, stopLoss); err != nil {
		return 0, err
	}

	if side == core.SideTypeBuy {
		return entry + c.rewardRatio*(entry-stopLoss), nil
	}
	return entry - c.rewardRatio*(stopLoss-entry), nil
}

// LotSize computes the risk-normalized volume for the given stop
// distance using the broker parameters carried on the tick. The raw lot
// is floored to the lot step; a result below the minimum lot fails with
// ErrLotTooSmall.
func (c *Calculator) LotSize(balance, entry, stopLoss float64, tick core.Tick) (float64, error) {
	distance := math.Abs(entry - stopLoss)
	if distance == 0 || tick.ContractSize == 0 {
		return 0, fmt.Errorf("%w: zero stop distance", core.ErrInvalidStopLoss)
	}

	riskAmount := balance * c.riskPercent / 100
	raw := riskAmount / (distance * tick.ContractSize)

	lot := normalizeLot(raw, tick.LotStep)
	if lot < tick.MinLot {
		return 0, fmt.Errorf("%w: %.4f < min %.2f", core.ErrLotTooSmall, lot, tick.MinLot)
	}
	if tick.MaxLot > 0 && lot > tick.MaxLot {
		lot = tick.MaxLot
	}

	return lot, nil
}

// Plan validates the stop, sizes the lot and derives the take profit in
// one pass, returning everything the executor needs.
func (c *Calculator) Plan(side core.SideType, entry, stopLoss, balance float64, tick core.Tick) (Plan, error) {
	tp, err := c.TakeProfit(side, entry, stopLoss)
	if err != nil {
		return Plan{}, err
	}

	volume, err := c.LotSize(balance, entry, stopLoss, tick)
	if err != nil {
		return Plan{}, err
	}

	distance := math.Abs(entry - stopLoss)
	return Plan{
		Side:         side,
		Entry:        entry,
		StopLoss:     stopLoss,
		TakeProfit:   tp,
		Volume:       volume,
		RiskAmount:   distance * volume * tick.ContractSize,
		RewardAmount: distance * c.rewardRatio * volume * tick.ContractSize,
	}, nil
}

// CheckMargin rejects plans the free margin cannot carry. Required
// margin is approximated as notional value over leverage.
func (c *Calculator) CheckMargin(plan Plan, tick core.Tick, account core.AccountSnapshot) error {
	if account.Leverage <= 0 {
		return nil
	}

	required := plan.Volume * tick.ContractSize * plan.Entry / float64(account.Leverage)
	if required > account.FreeMargin {
		return fmt.Errorf("%w: need %.2f, free %.2f", core.ErrInsufficientMargin, required, account.FreeMargin)
	}
	return nil
}

func normalizeLot(lot, step float64) float64 {
	if step <= 0 {
		return lot
	}
	floored := math.Floor(lot/step+1e-9) * step
	// Shake off float artifacts so 0.030000000000000002 compares equal to 0.03.
	return math.Round(floored*1e8) / 1e8
}
