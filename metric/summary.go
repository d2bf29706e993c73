package metric

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/raykavin/sarbridge/core"
)

const (
	bootstrapSamples    = 2000
	bootstrapConfidence = 0.95
	histogramBins       = 15
)

// SessionSummary aggregates the closed trades of a trading session.
type SessionSummary struct {
	Symbol  string
	Started time.Time
	Results []float64
	Wins    int
	Losses  int
	Volume  float64
}

// NewSessionSummary seeds an empty summary for symbol.
func NewSessionSummary(symbol string) *SessionSummary {
	return &SessionSummary{Symbol: symbol, Started: time.Now()}
}

// Record adds one closed trade.
func (s *SessionSummary) Record(record core.TradeRecord) {
	s.Results = append(s.Results, record.RealizedPL)
	if record.RealizedPL >= 0 {
		s.Wins++
	} else {
		s.Losses++
	}
	s.Volume += record.Volume
}

// Profit is the session's total realized P/L.
func (s *SessionSummary) Profit() float64 {
	return lo.Sum(s.Results)
}

// WinRate is the percentage of non-losing trades.
func (s *SessionSummary) WinRate() float64 {
	total := s.Wins + s.Losses
	if total == 0 {
		return 0
	}
	return float64(s.Wins) / float64(total) * 100
}

// String renders the summary as a text table with a bootstrap interval
// on the mean trade result.
func (s *SessionSummary) String() string {
	out := &strings.Builder{}
	table := tablewriter.NewWriter(out)

	data := [][]string{
		{"Symbol", s.Symbol},
		{"Session", time.Since(s.Started).Round(time.Minute).String()},
		{"Trades", strconv.Itoa(len(s.Results))},
		{"Win", strconv.Itoa(s.Wins)},
		{"Loss", strconv.Itoa(s.Losses)},
		{"% Win", fmt.Sprintf("%.1f", s.WinRate())},
		{"Profit", fmt.Sprintf("%.2f", s.Profit())},
		{"Volume", fmt.Sprintf("%.2f lots", s.Volume)},
	}

	if len(s.Results) > 1 {
		ci := Bootstrap(s.Results, lo.Mean[float64], bootstrapSamples, bootstrapConfidence)
		data = append(data, []string{
			"Mean trade (95% CI)",
			fmt.Sprintf("%.2f [%.2f, %.2f]", ci.Mean, ci.Lower, ci.Upper),
		})
	}

	table.AppendBulk(data)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.Render()

	return out.String()
}

// PrintHistogram draws the distribution of trade results to w.
func (s *SessionSummary) PrintHistogram(w io.Writer) error {
	if len(s.Results) == 0 {
		return nil
	}
	hist := histogram.Hist(histogramBins, s.Results)
	return histogram.Fprint(w, hist, histogram.Linear(10))
}
