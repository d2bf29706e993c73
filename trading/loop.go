package trading

import (
	"context"
	"time"

	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/executor"
	"github.com/raykavin/sarbridge/indicator"
	"github.com/raykavin/sarbridge/protection"
	"github.com/raykavin/sarbridge/risk"
)

// State is the trading loop phase.
type State string

const (
	StateWaitingForSignal State = "WAITING_FOR_SIGNAL"
	StateOpening          State = "OPENING"
	StateMonitoring       State = "MONITORING"
	StateClosed           State = "CLOSED"
)

// LoopConfig tunes the orchestrating state machine.
type LoopConfig struct {
	SignalInterval   time.Duration
	TickTTL          time.Duration
	TimeframeMinutes int
	WarmupBars       int
	ShutdownGrace    time.Duration
	OrderComment     string
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.SignalInterval <= 0 {
		c.SignalInterval = 30 * time.Second
	}
	if c.TickTTL <= 0 {
		c.TickTTL = 10 * time.Second
	}
	if c.TimeframeMinutes <= 0 {
		c.TimeframeMinutes = 15
	}
	if c.WarmupBars <= 0 {
		c.WarmupBars = indicator.WarmupBars
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.OrderComment == "" {
		c.OrderComment = "sarbridge"
	}
	return c
}

// Loop is the top-level trading state machine: wait for a signal, open,
// monitor until close, let the protection gates re-evaluate, repeat.
type Loop struct {
	cfg      LoopConfig
	bridge   core.Bridge
	view     marketData
	exec     *executor.Executor
	strategy *Strategy
	monitor  *Monitor
	calc     *risk.Calculator
	breaker  *protection.CircuitBreaker
	symbols  *SymbolDetector
	log      core.Logger
	notifier core.Notifier

	state State
}

// NewLoop wires the state machine. notifier may be nil.
func NewLoop(
	cfg LoopConfig,
	bridge core.Bridge,
	view marketData,
	exec *executor.Executor,
	strategy *Strategy,
	monitor *Monitor,
	calc *risk.Calculator,
	breaker *protection.CircuitBreaker,
	symbols *SymbolDetector,
	log core.Logger,
	notifier core.Notifier,
) *Loop {
	return &Loop{
		cfg:      cfg.withDefaults(),
		bridge:   bridge,
		view:     view,
		exec:     exec,
		strategy: strategy,
		monitor:  monitor,
		calc:     calc,
		breaker:  breaker,
		symbols:  symbols,
		log:      log,
		notifier: notifier,
		state:    StateWaitingForSignal,
	}
}

// State returns the current phase.
func (l *Loop) State() State {
	return l.state
}

// Run drives the state machine until ctx is cancelled. An open position
// at shutdown is closed within the configured grace window.
func (l *Loop) Run(ctx context.Context) error {
	l.log.WithField("interval", l.cfg.SignalInterval.String()).Info("trading loop started")

	for {
		select {
		case <-ctx.Done():
			l.log.Info("trading loop stopped")
			return nil
		case <-time.After(l.cfg.SignalInterval):
		}

		pos, opened := l.tryOpen(ctx)
		if !opened {
			continue
		}

		l.setState(StateMonitoring)
		reason, err := l.monitor.Run(ctx, pos)
		if err != nil {
			// Cancelled mid-position: close before leaving.
			l.shutdownClose(pos)
			l.log.Info("trading loop stopped with position handled")
			return nil
		}

		l.setState(StateClosed)
		l.log.WithFields(map[string]any{"ticket": pos.Ticket, "reason": reason}).Info("trade cycle complete")

		// The breaker sees the fresh close immediately; if it trips, the
		// next waiting cycles stay parked until the pause expires.
		if account, ok := l.view.LatestAccount(); ok {
			if _, err := l.breaker.OnTradeClosed(time.Now(), account.Balance); err != nil {
				l.log.WithError(err).Error("protection re-evaluation failed")
			}
		}

		l.setState(StateWaitingForSignal)
	}
}

// tryOpen runs the pre-open gates and, when they all pass, opens a
// position. It returns to WAITING_FOR_SIGNAL on any refusal.
func (l *Loop) tryOpen(ctx context.Context) (core.Position, bool) {
	if state := l.bridge.State(); state != core.ConnConnected {
		l.log.WithField("state", state).Debug("bridge not connected, holding")
		return core.Position{}, false
	}

	tick, ok := l.view.LatestTick()
	if !ok || !l.view.FreshWithin(l.cfg.TickTTL) {
		l.log.Debug("no fresh tick, holding")
		return core.Position{}, false
	}

	if _, ok := l.symbols.Match(tick.Symbol); !ok {
		l.log.WithField("symbol", tick.Symbol).Warn("EA symbol not in priority list, holding")
		return core.Position{}, false
	}

	account, ok := l.view.LatestAccount()
	if !ok {
		l.log.Debug("no account snapshot yet, holding")
		return core.Position{}, false
	}

	decision, err := l.breaker.Evaluate(time.Now(), account.Balance)
	if err != nil {
		l.log.WithError(err).Error("protection evaluation failed")
		return core.Position{}, false
	}
	if !decision.Allowed {
		l.log.WithFields(map[string]any{
			"reason": decision.Reason,
			"until":  decision.PausedTil.Format("15:04:05"),
		}).Info("trading paused by protection")
		return core.Position{}, false
	}

	bars, err := l.freshBars(ctx, tick.Symbol)
	if err != nil {
		l.log.WithError(err).Warn("bar refresh failed, holding")
		return core.Position{}, false
	}
	if len(bars) < l.cfg.WarmupBars {
		l.log.WithField("bars", len(bars)).Debug("not enough bars for a stable SAR, holding")
		return core.Position{}, false
	}

	signal, sarState, err := l.strategy.Signal(bars)
	if err != nil {
		l.log.WithError(err).Warn("signal computation failed")
		return core.Position{}, false
	}
	if signal.Kind == core.SignalHold {
		l.log.WithField("reason", signal.Reason).Debug("holding")
		return core.Position{}, false
	}

	side := core.SideTypeBuy
	entry := tick.Ask
	if signal.Kind == core.SignalSell {
		side = core.SideTypeSell
		entry = tick.Bid
	}

	plan, err := l.calc.Plan(side, entry, sarState.Value, account.Balance, tick)
	if err != nil {
		l.log.WithError(err).Warn("open denied by risk checks")
		return core.Position{}, false
	}
	if err := l.calc.CheckMargin(plan, tick, account); err != nil {
		l.log.WithError(err).Warn("open denied by margin check")
		return core.Position{}, false
	}

	l.setState(StateOpening)
	l.log.WithFields(map[string]any{
		"side":   side,
		"entry":  entry,
		"sl":     plan.StopLoss,
		"tp":     plan.TakeProfit,
		"volume": plan.Volume,
		"reason": signal.Reason,
	}).Info("opening position")

	pos, err := l.exec.Open(ctx, plan, l.cfg.OrderComment)
	if err != nil {
		l.log.WithError(err).Error("open failed")
		l.setState(StateWaitingForSignal)
		return core.Position{}, false
	}
	return pos, true
}

func (l *Loop) freshBars(ctx context.Context, symbol string) ([]core.Bar, error) {
	period := time.Duration(l.cfg.TimeframeMinutes) * time.Minute
	if age, ok := l.view.BarsAge(symbol, l.cfg.TimeframeMinutes); ok && age < period {
		if bars, ok := l.view.Bars(symbol, l.cfg.TimeframeMinutes); ok {
			return bars, nil
		}
	}
	return l.bridge.GetRates(ctx, l.cfg.WarmupBars, l.cfg.TimeframeMinutes)
}

// shutdownClose closes the open position within the grace window. A
// failed close has already been flagged REQUIRES_MANUAL by the executor.
func (l *Loop) shutdownClose(pos core.Position) {
	l.log.WithField("ticket", pos.Ticket).Warn("closing open position before shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownGrace)
	defer cancel()

	if err := l.exec.Close(ctx, pos, core.CloseReasonManual); err != nil {
		l.log.WithError(err).Error("shutdown close failed")
	}
}

func (l *Loop) setState(state State) {
	if l.state != state {
		l.log.WithFields(map[string]any{"from": l.state, "to": state}).Debug("loop state")
		l.state = state
	}
}
