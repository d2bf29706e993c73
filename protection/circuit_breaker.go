// Package protection implements the layered loss-protection gates: the
// consecutive/percentage-loss circuit breaker and the daily loss limit.
// State survives restarts in a single JSON document rewritten atomically.
package protection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raykavin/sarbridge/core"
)

// StateFileName is the persisted circuit-breaker document.
const StateFileName = "circuit_breaker_state.json"

// Config holds the protection thresholds. Defaults mirror the shipped
// protection config: 5 losses -> 3 h, 8 losses -> 5 h, 70% of the last
// 10 trades -> 5 h.
type Config struct {
	Enabled bool

	ConsecutiveLossThreshold1 int
	ConsecutiveLossPause1     time.Duration
	ConsecutiveLossThreshold2 int
	ConsecutiveLossPause2     time.Duration

	PercentageLossWindow    int
	PercentageLossThreshold float64
	PercentageLossPause     time.Duration

	DailyLossEnabled       bool
	MaxDailyLossPercentage float64
	MaxDailyLossDollars    float64
	UsePercentage          bool
}

// DefaultConfig returns the shipped protection thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		ConsecutiveLossThreshold1: 5,
		ConsecutiveLossPause1:     3 * time.Hour,
		ConsecutiveLossThreshold2: 8,
		ConsecutiveLossPause2:     5 * time.Hour,
		PercentageLossWindow:      10,
		PercentageLossThreshold:   70,
		PercentageLossPause:       5 * time.Hour,
		DailyLossEnabled:          true,
		MaxDailyLossPercentage:    5,
		MaxDailyLossDollars:       500,
		UsePercentage:             true,
	}
}

// State is the persisted circuit-breaker document.
type State struct {
	IsPaused          bool   `json:"is_paused"`
	PauseReason       string `json:"pause_reason,omitempty"`
	PauseStartTime    string `json:"pause_start_time,omitempty"`
	PauseEndTime      string `json:"pause_end_time,omitempty"`
	ConsecutiveLosses int    `json:"consecutive_losses"`
	TotalPauseCount   int    `json:"total_pause_count"`
	LastResetDate     string `json:"last_reset_date,omitempty"`
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Allowed   bool
	Reason    string
	PausedTil time.Time
}

// CircuitBreaker evaluates the protection gates before every open, after
// every close, and at startup.
type CircuitBreaker struct {
	cfg      Config
	ledger   core.Ledger
	log      core.Logger
	notifier core.Notifier

	mu        sync.Mutex
	state     State
	statePath string
}

// New loads persisted state from dir (if any) and returns the breaker.
func New(cfg Config, dir string, ledger core.Ledger, log core.Logger, notifier core.Notifier) (*CircuitBreaker, error) {
	cb := &CircuitBreaker{
		cfg:       cfg,
		ledger:    ledger,
		log:       log,
		notifier:  notifier,
		statePath: filepath.Join(dir, StateFileName),
	}

	data, err := os.ReadFile(cb.statePath)
	switch {
	case os.IsNotExist(err):
		// Fresh start.
	case err != nil:
		return nil, fmt.Errorf("read circuit breaker state: %w", err)
	default:
		if err := json.Unmarshal(data, &cb.state); err != nil {
			log.WithError(err).Warn("circuit breaker state unreadable, starting clean")
			cb.state = State{}
		}
	}

	return cb, nil
}

// State returns a copy of the current persisted state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Evaluate runs the gates in order; the first trip wins. currentBalance
// is the anchor fallback when no trade was logged today.
func (cb *CircuitBreaker) Evaluate(now time.Time, currentBalance float64) (Decision, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	// Gate 1: day rollover clears pause and loss streak.
	today := now.Format("2006-01-02")
	if cb.state.LastResetDate != today {
		cb.state.LastResetDate = today
		cb.state.ConsecutiveLosses = 0
		cb.clearPauseLocked()
		if err := cb.saveLocked(); err != nil {
			return Decision{}, err
		}
	}

	// Gate 2: an active pause denies trading outright.
	if cb.state.IsPaused {
		end, err := time.ParseInLocation(time.RFC3339, cb.state.PauseEndTime, time.Local)
		if err != nil || !now.Before(end) {
			cb.clearPauseLocked()
			if err := cb.saveLocked(); err != nil {
				return Decision{}, err
			}
			cb.log.Info("circuit breaker pause ended, trading resumed")
		} else {
			// Refresh the persisted streak before denying so a win that
			// closed during the pause is reflected in the state document.
			if agg, aggErr := cb.ledger.DailyAggregate(now); aggErr == nil &&
				agg.ConsecutiveLosses != cb.state.ConsecutiveLosses {
				cb.state.ConsecutiveLosses = agg.ConsecutiveLosses
				if err := cb.saveLocked(); err != nil {
					return Decision{}, err
				}
			}
			return Decision{Allowed: false, Reason: cb.state.PauseReason, PausedTil: end}, nil
		}
	}

	agg, err := cb.ledger.DailyAggregate(now)
	if err != nil {
		return Decision{}, err
	}

	// A day with no closed trades can never trip.
	if agg.ClosedCount > 0 {
		// Gate 3: daily loss limit, anchored to the first trade of the day.
		if cb.cfg.DailyLossEnabled && agg.TotalRealizedPL < 0 {
			anchor := currentBalance
			if agg.HasFirstTradeBalance {
				anchor = agg.FirstTradeBalance
			}
			loss := -agg.TotalRealizedPL
			limit := cb.cfg.MaxDailyLossDollars
			if cb.cfg.UsePercentage {
				limit = anchor * cb.cfg.MaxDailyLossPercentage / 100
			}
			if limit > 0 && loss >= limit {
				reason := fmt.Sprintf("daily loss limit: $%.2f lost of $%.2f allowed", loss, limit)
				return cb.engagePauseLocked(now, untilMidnight(now), reason)
			}
		}

		// Gates 4 and 5: consecutive-loss tiers, worst first.
		cb.state.ConsecutiveLosses = agg.ConsecutiveLosses
		if agg.ConsecutiveLosses >= cb.cfg.ConsecutiveLossThreshold2 {
			reason := fmt.Sprintf("%d consecutive losses (threshold %d)",
				agg.ConsecutiveLosses, cb.cfg.ConsecutiveLossThreshold2)
			return cb.engagePauseLocked(now, cb.cfg.ConsecutiveLossPause2, reason)
		}
		if agg.ConsecutiveLosses >= cb.cfg.ConsecutiveLossThreshold1 {
			reason := fmt.Sprintf("%d consecutive losses (threshold %d)",
				agg.ConsecutiveLosses, cb.cfg.ConsecutiveLossThreshold1)
			return cb.engagePauseLocked(now, cb.cfg.ConsecutiveLossPause1, reason)
		}

		// Gate 6: rolling loss rate over the last window trades.
		if cb.cfg.PercentageLossWindow > 0 && len(agg.LastResults) >= cb.cfg.PercentageLossWindow {
			losses := 0
			for _, pl := range agg.LastResults {
				if pl < 0 {
					losses++
				}
			}
			rate := float64(losses) / float64(cb.cfg.PercentageLossWindow) * 100
			if rate >= cb.cfg.PercentageLossThreshold {
				reason := fmt.Sprintf("%.0f%% losses in last %d trades", rate, cb.cfg.PercentageLossWindow)
				return cb.engagePauseLocked(now, cb.cfg.PercentageLossPause, reason)
			}
		}
	}

	if err := cb.saveLocked(); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true}, nil
}

// OnTradeClosed refreshes the loss streak from today's records and runs
// the gates so a trip engages immediately after the losing close.
func (cb *CircuitBreaker) OnTradeClosed(now time.Time, currentBalance float64) (Decision, error) {
	return cb.Evaluate(now, currentBalance)
}

// ForceReset clears any pause and the loss streak. Operator escape hatch.
func (cb *CircuitBreaker) ForceReset() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.clearPauseLocked()
	cb.state.ConsecutiveLosses = 0
	if err := cb.saveLocked(); err != nil {
		return err
	}
	cb.log.Warn("circuit breaker force reset")
	return nil
}

func (cb *CircuitBreaker) engagePauseLocked(now time.Time, d time.Duration, reason string) (Decision, error) {
	// A still-running pause window extends rather than restarts, so the
	// tier-2 hours stack on top of whatever remains of tier 1.
	start := now
	if cb.state.IsPaused {
		if end, err := time.ParseInLocation(time.RFC3339, cb.state.PauseEndTime, time.Local); err == nil && end.After(now) {
			start = end
		}
	}
	end := start.Add(d)

	cb.state.IsPaused = true
	cb.state.PauseReason = reason
	cb.state.PauseStartTime = now.Format(time.RFC3339)
	cb.state.PauseEndTime = end.Format(time.RFC3339)
	cb.state.TotalPauseCount++

	if err := cb.saveLocked(); err != nil {
		return Decision{}, err
	}

	cb.log.WithFields(map[string]any{
		"reason": reason,
		"until":  end.Format("2006-01-02 15:04:05"),
		"pauses": cb.state.TotalPauseCount,
	}).Warn("circuit breaker engaged")

	if cb.notifier != nil {
		cb.notifier.Notify(fmt.Sprintf("CIRCUIT BREAKER ENGAGED\nReason: %s\nTrading paused until %s",
			reason, end.Format("2006-01-02 15:04")))
	}

	return Decision{Allowed: false, Reason: reason, PausedTil: end}, nil
}

func (cb *CircuitBreaker) clearPauseLocked() {
	cb.state.IsPaused = false
	cb.state.PauseReason = ""
	cb.state.PauseStartTime = ""
	cb.state.PauseEndTime = ""
}

// saveLocked rewrites the state document atomically.
func (cb *CircuitBreaker) saveLocked() error {
	data, err := json.MarshalIndent(cb.state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(cb.statePath)
	tmp, err := os.CreateTemp(dir, ".cbstate-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), cb.statePath)
}

// untilMidnight returns the duration from now to the next local midnight.
func untilMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
