package trading

import (
	"context"
	"math"
	"time"

	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/executor"
	"github.com/raykavin/sarbridge/indicator"
)

// marketData is the cache surface the monitor reads: the shared view,
// the age of the cached bar series and the tick arrival signal.
type marketData interface {
	core.MarketView
	BarsAge(symbol string, timeframeMinutes int) (time.Duration, bool)
	TickNotify() <-chan struct{}
}

// MonitorConfig tunes the per-position watch cycle.
type MonitorConfig struct {
	CheckInterval    time.Duration
	TickTTL          time.Duration
	TimeframeMinutes int
	WarmupBars       int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
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
	return c
}

// Monitor watches one open position: SAR reversal exit, emergency stop
// enforcement, broker-close detection and the SAR trailing stop.
type Monitor struct {
	cfg    MonitorConfig
	view   marketData
	bridge core.Bridge
	exec   *executor.Executor
	sar    *indicator.SAR
	log    core.Logger
}

// NewMonitor builds a monitor; one instance serves successive positions.
func NewMonitor(cfg MonitorConfig, view marketData, bridge core.Bridge, exec *executor.Executor, sar *indicator.SAR, log core.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		view:   view,
		bridge: bridge,
		exec:   exec,
		sar:    sar,
		log:    log,
	}
}

// Run watches pos until it is closed, returning the close reason. A
// cancelled context returns ctx.Err with the position still open.
func (m *Monitor) Run(ctx context.Context, pos core.Position) (core.CloseReason, error) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	log := m.log.WithField("ticket", pos.Ticket)
	log.WithFields(map[string]any{"side": pos.Side, "sl": pos.SL, "tp": pos.TP}).Info("monitoring position")

	for {
		// Cycle on the interval and on every incoming tick, so a price
		// through the stop is acted on without waiting out the poll.
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		case <-m.view.TickNotify():
		}

		reason, closed, err := m.cycle(ctx, &pos, log)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.WithError(err).Warn("monitor cycle failed")
			continue
		}
		if closed {
			return reason, nil
		}
	}
}

// cycle runs one evaluation pass. It mutates pos in place with the
// freshest broker view.
func (m *Monitor) cycle(ctx context.Context, pos *core.Position, log core.Logger) (core.CloseReason, bool, error) {
	tick, ok := m.view.LatestTick()
	if !ok || !m.view.FreshWithin(m.cfg.TickTTL) {
		log.Debug("tick stale, skipping cycle")
		return "", false, nil
	}

	bars, err := m.freshBars(ctx, tick.Symbol)
	if err != nil {
		return "", false, err
	}

	state, err := m.sar.Compute(bars)
	if err != nil {
		return "", false, err
	}

	// A vanished position means the broker already closed it; never send
	// CLOSE for a ticket that no longer exists.
	latest, exists := m.view.Position(pos.Ticket)
	if !exists {
		reason, exitPrice := inferBrokerClose(*pos)
		log.WithField("reason", reason).Info("position gone from broker, recording close")
		if err := m.exec.RecordBrokerClose(*pos, exitPrice, pos.Profit, reason); err != nil {
			return "", false, err
		}
		return reason, true, nil
	}

	pos.PriceCurrent = latest.PriceCurrent
	pos.Profit = latest.Profit
	pos.SL = latest.SL
	pos.TP = latest.TP

	// Exit checks on the live position, most urgent first.

	if reversedAgainst(state.Trend, pos.Side) {
		log.WithField("sar", state.Value).Warn("SAR reversal, closing position")
		if err := m.exec.Close(ctx, *pos, core.CloseReasonSARReversal); err != nil {
			return "", false, err
		}
		return core.CloseReasonSARReversal, true, nil
	}

	if emergencyStopHit(*pos, tick) {
		log.WithFields(map[string]any{"bid": tick.Bid, "ask": tick.Ask, "sl": pos.SL}).
			Warn("price through stop without broker fill, emergency close")
		if err := m.exec.Close(ctx, *pos, core.CloseReasonEmergencySL); err != nil {
			return "", false, err
		}
		return core.CloseReasonEmergencySL, true, nil
	}

	m.trail(ctx, pos, state, tick, log)
	return "", false, nil
}

// freshBars reuses the cached series between bar periods and refreshes
// it over the bridge once per period.
func (m *Monitor) freshBars(ctx context.Context, symbol string) ([]core.Bar, error) {
	period := time.Duration(m.cfg.TimeframeMinutes) * time.Minute
	if age, ok := m.view.BarsAge(symbol, m.cfg.TimeframeMinutes); ok && age < period {
		if bars, ok := m.view.Bars(symbol, m.cfg.TimeframeMinutes); ok {
			return bars, nil
		}
	}
	return m.bridge.GetRates(ctx, m.cfg.WarmupBars, m.cfg.TimeframeMinutes)
}

// trail ratchets the stop to the SAR: up only for BUY, down only for
// SELL, and only when the move exceeds one point.
func (m *Monitor) trail(ctx context.Context, pos *core.Position, state core.SARState, tick core.Tick, log core.Logger) {
	point := tick.Point
	if point <= 0 {
		point = 0.01
	}

	var newSL float64
	switch pos.Side {
	case core.SideTypeBuy:
		if state.Value <= pos.SL || state.Value-pos.SL <= point {
			return
		}
		newSL = state.Value
	case core.SideTypeSell:
		if state.Value >= pos.SL || pos.SL-state.Value <= point {
			return
		}
		newSL = state.Value
	default:
		return
	}

	if err := m.exec.Modify(ctx, pos.Ticket, newSL, pos.TP); err != nil {
		return
	}
	log.WithFields(map[string]any{"from": pos.SL, "to": newSL}).Info("trailing stop moved")
	pos.SL = newSL
}

func reversedAgainst(trend core.Trend, side core.SideType) bool {
	return (side == core.SideTypeBuy && trend == core.Downtrend) ||
		(side == core.SideTypeSell && trend == core.Uptrend)
}

func emergencyStopHit(pos core.Position, tick core.Tick) bool {
	if pos.SL <= 0 {
		return false
	}
	switch pos.Side {
	case core.SideTypeBuy:
		return tick.Bid <= pos.SL
	case core.SideTypeSell:
		return tick.Ask >= pos.SL
	}
	return false
}

// inferBrokerClose decides between TP_HIT and SL_HIT from the last
// known price when the broker closed the position on its own.
func inferBrokerClose(pos core.Position) (core.CloseReason, float64) {
	toTP := math.Abs(pos.PriceCurrent - pos.TP)
	toSL := math.Abs(pos.PriceCurrent - pos.SL)
	if pos.TP > 0 && toTP <= toSL {
		return core.CloseReasonTPHit, pos.TP
	}
	return core.CloseReasonSLHit, pos.SL
}
