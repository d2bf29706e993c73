package metric

import (
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/raykavin/sarbridge/core"
)

func TestSessionSummary_Record(t *testing.T) {
	s := NewSessionSummary("XAUUSD")

	for _, pl := range []float64{120.5, -40.0, 85.2, -15.5} {
		s.Record(core.TradeRecord{RealizedPL: pl, Volume: 0.03})
	}

	require.Equal(t, 2, s.Wins)
	require.Equal(t, 2, s.Losses)
	require.InDelta(t, 150.2, s.Profit(), 1e-9)
	require.InDelta(t, 50.0, s.WinRate(), 1e-9)
	require.InDelta(t, 0.12, s.Volume, 1e-9)
}

func TestSessionSummary_WinRateEmpty(t *testing.T) {
	s := NewSessionSummary("XAUUSD")
	require.Zero(t, s.WinRate())
}

func TestSessionSummary_String(t *testing.T) {
	s := NewSessionSummary("XAUUSD")
	s.Record(core.TradeRecord{RealizedPL: 100, Volume: 0.03})
	s.Record(core.TradeRecord{RealizedPL: -50, Volume: 0.03})

	out := s.String()
	require.Contains(t, out, "XAUUSD")
	require.Contains(t, out, "Mean trade")
}

func TestSessionSummary_Histogram(t *testing.T) {
	s := NewSessionSummary("XAUUSD")
	for _, pl := range []float64{10, 20, -5, 40, -15, 25} {
		s.Record(core.TradeRecord{RealizedPL: pl})
	}

	out := &strings.Builder{}
	require.NoError(t, s.PrintHistogram(out))
	require.NotEmpty(t, out.String())
}

func TestBootstrap_BoundsContainMean(t *testing.T) {
	values := []float64{120, -40, 85, -15, 60, -30, 45, 10}

	ci := Bootstrap(values, lo.Mean[float64], 500, 0.95)
	require.LessOrEqual(t, ci.Lower, ci.Mean)
	require.GreaterOrEqual(t, ci.Upper, ci.Mean)
	require.Greater(t, ci.StdDev, 0.0)
}

func TestBootstrap_Empty(t *testing.T) {
	ci := Bootstrap(nil, lo.Mean[float64], 100, 0.95)
	require.Zero(t, ci)
}
