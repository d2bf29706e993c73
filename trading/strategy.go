// Package trading drives the decision side: signal generation from the
// Parabolic SAR, the per-position monitor and the orchestrating state
// machine.
package trading

import (
	"fmt"
	"strings"
	"time"

	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/indicator"
)

// Intent restricts which signal kinds may open a position.
type Intent string

const (
	IntentBuy  Intent = "BUY"
	IntentSell Intent = "SELL"
	IntentBoth Intent = "BOTH"
)

// ParseIntent accepts the configuration spelling of an intent.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToUpper(strings.TrimSpace(s))) {
	case IntentBuy:
		return IntentBuy, nil
	case IntentSell:
		return IntentSell, nil
	case IntentBoth, "":
		return IntentBoth, nil
	default:
		return "", fmt.Errorf("unknown desired signal %q", s)
	}
}

// Strategy maps SAR trend to an open signal, filtered by intent.
type Strategy struct {
	sar    *indicator.SAR
	intent Intent
}

// NewStrategy builds a strategy around the given SAR engine.
func NewStrategy(sar *indicator.SAR, intent Intent) *Strategy {
	return &Strategy{sar: sar, intent: intent}
}

// Signal computes the SAR over bars and derives the decision. BUY when
// the trend is up and intent allows buys, SELL when down and intent
// allows sells, HOLD otherwise.
func (s *Strategy) Signal(bars []core.Bar) (core.Signal, core.SARState, error) {
	state, err := s.sar.Compute(bars)
	if err != nil {
		return core.Signal{}, core.SARState{}, err
	}

	signal := core.Signal{Kind: core.SignalHold, Time: time.Now()}
	switch {
	case state.Trend == core.Uptrend && (s.intent == IntentBuy || s.intent == IntentBoth):
		signal.Kind = core.SignalBuy
		signal.Reason = fmt.Sprintf("SAR uptrend, value %.2f below price", state.Value)
	case state.Trend == core.Downtrend && (s.intent == IntentSell || s.intent == IntentBoth):
		signal.Kind = core.SignalSell
		signal.Reason = fmt.Sprintf("SAR downtrend, value %.2f above price", state.Value)
	default:
		signal.Reason = fmt.Sprintf("SAR %s outside configured intent %s", state.Trend, s.intent)
	}

	return signal, state, nil
}
