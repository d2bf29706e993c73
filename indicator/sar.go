// Package indicator implements the Parabolic SAR (Stop and Reverse)
// computation over a bar series.
package indicator

import (
	"errors"
	"math"

	"github.com/raykavin/sarbridge/core"
)

const (
	// DefaultAcceleration is the initial and incremental acceleration factor.
	DefaultAcceleration = 0.02
	// DefaultMaximum caps the acceleration factor.
	DefaultMaximum = 0.2
	// WarmupBars is the recommended minimum window for a stable SAR value.
	WarmupBars = 50
)

// ErrNotEnoughBars is returned when fewer than two bars are provided.
var ErrNotEnoughBars = errors.New("parabolic sar needs at least two bars")

// SAR computes Parabolic SAR values over caller-provided bar windows.
// It keeps no state between calls; identical inputs yield identical
// outputs.
type SAR struct {
	acceleration float64
	maximum      float64
}

// NewSAR creates an engine with the given acceleration step and cap.
// Non-positive parameters fall back to the defaults.
func NewSAR(acceleration, maximum float64) *SAR {
	if acceleration <= 0 {
		acceleration = DefaultAcceleration
	}
	if maximum <= 0 {
		maximum = DefaultMaximum
	}
	return &SAR{acceleration: acceleration, maximum: maximum}
}

type sarPoint struct {
	sar   float64
	trend core.Trend
	ep    float64
	af    float64
}

// Compute runs the recurrence over bars, ascending by time, and returns
// the state at the last bar. Flipped is true when the trend at the last
// bar differs from the trend at the bar before it.
func (s *SAR) Compute(bars []core.Bar) (core.SARState, error) {
	points, err := s.series(bars)
	if err != nil {
		return core.SARState{}, err
	}

	last := points[len(points)-1]
	prev := points[len(points)-2]
	lastBar := bars[len(bars)-1]

	return core.SARState{
		Value:        last.sar,
		Trend:        last.trend,
		ExtremePoint: last.ep,
		Acceleration: last.af,
		Distance:     math.Abs(lastBar.Close - last.sar),
		Flipped:      last.trend != prev.trend,
		BarTime:      lastBar.Time,
	}, nil
}

// Values returns the SAR level for every bar, aligned with the input.
// Used for charting mirrors; Compute is the trading surface.
func (s *SAR) Values(bars []core.Bar) ([]float64, error) {
	points, err := s.series(bars)
	if err != nil {
		return nil, err
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.sar
	}
	return values, nil
}

func (s *SAR) series(bars []core.Bar) ([]sarPoint, error) {
	if len(bars) < 2 {
		return nil, ErrNotEnoughBars
	}

	points := make([]sarPoint, len(bars))

	// Seed the trend from the first two closes.
	first := sarPoint{af: s.acceleration}
	if bars[1].Close >= bars[0].Close {
		first.trend = core.Uptrend
		first.ep = bars[0].High
		first.sar = bars[0].Low
	} else {
		first.trend = core.Downtrend
		first.ep = bars[0].Low
		first.sar = bars[0].High
	}
	points[0] = first

	for i := 1; i < len(bars); i++ {
		prev := points[i-1]
		bar := bars[i]

		tentative := prev.sar + prev.af*(prev.ep-prev.sar)

		if prev.trend == core.Uptrend {
			// SAR may never rise above the prior two lows.
			tentative = math.Min(tentative, bars[i-1].Low)
			if i >= 2 {
				tentative = math.Min(tentative, bars[i-2].Low)
			}

			if bar.Low <= tentative {
				points[i] = sarPoint{
					sar:   prev.ep,
					trend: core.Downtrend,
					ep:    bar.Low,
					af:    s.acceleration,
				}
				continue
			}

			next := sarPoint{sar: tentative, trend: core.Uptrend, ep: prev.ep, af: prev.af}
			if bar.High > prev.ep {
				next.ep = bar.High
				next.af = math.Min(prev.af+s.acceleration, s.maximum)
			}
			points[i] = next
			continue
		}

		// Downtrend: SAR may never fall below the prior two highs.
		tentative = math.Max(tentative, bars[i-1].High)
		if i >= 2 {
			tentative = math.Max(tentative, bars[i-2].High)
		}

		if bar.High >= tentative {
			points[i] = sarPoint{
				sar:   prev.ep,
				trend: core.Uptrend,
				ep:    bar.High,
				af:    s.acceleration,
			}
			continue
		}

		next := sarPoint{sar: tentative, trend: core.Downtrend, ep: prev.ep, af: prev.af}
		if bar.Low < prev.ep {
			next.ep = bar.Low
			next.af = math.Min(prev.af+s.acceleration, s.maximum)
		}
		points[i] = next
	}

	return points, nil
}
