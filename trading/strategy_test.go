package trading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/indicator"
)

func risingBars(n int) []core.Bar {
	bars := make([]core.Bar, n)
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		base := 2000 + float64(2*i)
		bars[i] = core.Bar{
			Time:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:  base + 0.5,
			High:  base + 3,
			Low:   base,
			Close: base + 2.5,
		}
	}
	return bars
}

func fallingBars(n int) []core.Bar {
	bars := make([]core.Bar, n)
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		base := 2200 - float64(2*i)
		bars[i] = core.Bar{
			Time:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:  base + 2.5,
			High:  base + 3,
			Low:   base,
			Close: base + 0.5,
		}
	}
	return bars
}

func TestParseIntent(t *testing.T) {
	for input, want := range map[string]Intent{
		"BUY":  IntentBuy,
		"sell": IntentSell,
		"Both": IntentBoth,
		"":     IntentBoth,
		" buy": IntentBuy,
	} {
		got, err := ParseIntent(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := ParseIntent("SHORT")
	require.Error(t, err)
}

func TestStrategy_BuyInUptrend(t *testing.T) {
	s := NewStrategy(indicator.NewSAR(0, 0), IntentBoth)

	signal, state, err := s.Signal(risingBars(60))
	require.NoError(t, err)
	require.Equal(t, core.SignalBuy, signal.Kind)
	require.Equal(t, core.Uptrend, state.Trend)
	require.Less(t, state.Value, 2118.0)
}

func TestStrategy_SellInDowntrend(t *testing.T) {
	s := NewStrategy(indicator.NewSAR(0, 0), IntentBoth)

	signal, state, err := s.Signal(fallingBars(60))
	require.NoError(t, err)
	require.Equal(t, core.SignalSell, signal.Kind)
	require.Equal(t, core.Downtrend, state.Trend)
}

func TestStrategy_IntentFiltersSignal(t *testing.T) {
	s := NewStrategy(indicator.NewSAR(0, 0), IntentSell)

	signal, _, err := s.Signal(risingBars(60))
	require.NoError(t, err)
	require.Equal(t, core.SignalHold, signal.Kind)
	require.NotEmpty(t, signal.Reason)
}

func TestStrategy_NotEnoughBars(t *testing.T) {
	s := NewStrategy(indicator.NewSAR(0, 0), IntentBoth)

	_, _, err := s.Signal(risingBars(1))
	require.ErrorIs(t, err, indicator.ErrNotEnoughBars)
}
