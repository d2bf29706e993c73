package trading

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymbolDetector_ExactMatch(t *testing.T) {
	d := NewSymbolDetector([]string{"XAUUSD", "GOLD"})

	alias, ok := d.Match("XAUUSD")
	require.True(t, ok)
	require.Equal(t, "XAUUSD", alias)
}

func TestSymbolDetector_BrokerSuffix(t *testing.T) {
	d := NewSymbolDetector([]string{"XAUUSD", "GOLD"})

	alias, ok := d.Match("XAUUSD.m")
	require.True(t, ok)
	require.Equal(t, "XAUUSD", alias)

	alias, ok = d.Match("gold.pro")
	require.True(t, ok)
	require.Equal(t, "GOLD", alias)
}

func TestSymbolDetector_PriorityOrder(t *testing.T) {
	d := NewSymbolDetector([]string{"GOLD", "GOLDUSD"})

	// GOLDUSD also prefix-matches GOLD; the earlier alias wins.
	alias, ok := d.Match("GOLDUSD")
	require.True(t, ok)
	require.Equal(t, "GOLD", alias)
}

func TestSymbolDetector_NoMatch(t *testing.T) {
	d := NewSymbolDetector([]string{"XAUUSD"})

	_, ok := d.Match("EURUSD")
	require.False(t, ok)
	_, ok = d.Match("")
	require.False(t, ok)
}
