package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/core"
)

func goldTick() core.Tick {
	return core.Tick{
		Symbol:       "XAUUSD",
		Bid:          2223.37,
		Ask:          2223.57,
		Point:        0.01,
		Digits:       2,
		ContractSize: 100,
		MinLot:       0.01,
		MaxLot:       100,
		LotStep:      0.01,
	}
}

func TestCalculator_BuySizing(t *testing.T) {
	calc := NewCalculator(1.0)
	tick := goldTick()

	// 1% of 10000 at a 28.34 stop distance on a 100 oz contract.
	lot, err := calc.LotSize(10000, 2223.57, 2195.23, tick)
	require.NoError(t, err)
	require.InDelta(t, 0.03, lot, 1e-9)

	tp, err := calc.TakeProfit(core.SideTypeBuy, 2223.57, 2195.23)
	require.NoError(t, err)
	require.InDelta(t, 2280.25, tp, 1e-6)
}

func TestCalculator_SellTakeProfit(t *testing.T) {
	calc := NewCalculator(1.0)

	tp, err := calc.TakeProfit(core.SideTypeSell, 2200.00, 2210.00)
	require.NoError(t, err)
	require.InDelta(t, 2180.00, tp, 1e-9)
}

func TestCalculator_ValidateStopLoss(t *testing.T) {
	calc := NewCalculator(1.0)

	require.NoError(t, calc.ValidateStopLoss(core.SideTypeBuy, 2200, 2190))
	require.NoError(t, calc.ValidateStopLoss(core.SideTypeSell, 2200, 2210))

	err := calc.ValidateStopLoss(core.SideTypeBuy, 2200, 2205)
	require.ErrorIs(t, err, core.ErrInvalidStopLoss)

	err = calc.ValidateStopLoss(core.SideTypeSell, 2200, 2195)
	require.ErrorIs(t, err, core.ErrInvalidStopLoss)
}

func TestCalculator_LotTooSmall(t *testing.T) {
	calc := NewCalculator(1.0)
	tick := goldTick()

	// A tiny balance cannot carry even the minimum lot.
	_, err := calc.LotSize(50, 2223.57, 2195.23, tick)
	require.ErrorIs(t, err, core.ErrLotTooSmall)
}

func TestCalculator_LotCappedAtMax(t *testing.T) {
	calc := NewCalculator(1.0)
	tick := goldTick()
	tick.MaxLot = 0.05

	lot, err := calc.LotSize(1_000_000, 2223.57, 2195.23, tick)
	require.NoError(t, err)
	require.InDelta(t, 0.05, lot, 1e-9)
}

func TestCalculator_PlanAmounts(t *testing.T) {
	calc := NewCalculator(1.0)
	tick := goldTick()

	plan, err := calc.Plan(core.SideTypeBuy, 2223.57, 2195.23, 10000, tick)
	require.NoError(t, err)

	require.Equal(t, core.SideTypeBuy, plan.Side)
	require.InDelta(t, 0.03, plan.Volume, 1e-9)
	require.InDelta(t, 2280.25, plan.TakeProfit, 1e-6)
	// Floored lot risks slightly under the 1% target.
	require.InDelta(t, 28.34*0.03*100, plan.RiskAmount, 1e-6)
	require.InDelta(t, 2*28.34*0.03*100, plan.RewardAmount, 1e-6)
}

func TestCalculator_CheckMargin(t *testing.T) {
	calc := NewCalculator(1.0)
	tick := goldTick()

	plan, err := calc.Plan(core.SideTypeBuy, 2223.57, 2195.23, 10000, tick)
	require.NoError(t, err)

	account := core.AccountSnapshot{FreeMargin: 9000, Leverage: 100}
	require.NoError(t, calc.CheckMargin(plan, tick, account))

	account.FreeMargin = 10
	err = calc.CheckMargin(plan, tick, account)
	require.ErrorIs(t, err, core.ErrInsufficientMargin)
}

func TestCalculator_ZeroDistanceRejected(t *testing.T) {
	calc := NewCalculator(1.0)

	_, err := calc.LotSize(10000, 2200, 2200, goldTick())
	require.ErrorIs(t, err, core.ErrInvalidStopLoss)
}
