// Package mirror publishes the latest account snapshot for external
// dashboards: a last-writer-wins account_info.json plus an equity
// history kept in BuntDB for charting.
package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/raykavin/sarbridge/core"
)

const (
	// SnapshotFileName is the dashboard-facing mirror file.
	SnapshotFileName = "account_info.json"

	equityDBName    = "equity_history.db"
	equityIndexName = "equity_by_time"

	// historyRetention bounds the equity history; older samples expire.
	historyRetention = 7 * 24 * time.Hour
)

// snapshotDoc is the on-disk shape of account_info.json.
type snapshotDoc struct {
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Margin        float64 `json:"margin"`
	FreeMargin    float64 `json:"free_margin"`
	Profit        float64 `json:"profit"`
	Leverage      int     `json:"leverage"`
	OpenPositions int     `json:"open_positions"`
	UpdatedAt     string  `json:"updated_at"`
}

// EquitySample is one point of the persisted equity curve.
type EquitySample struct {
	Time    time.Time `json:"time"`
	Balance float64   `json:"balance"`
	Equity  float64   `json:"equity"`
}

// Mirror writes snapshots and equity samples. Single-writer; the
// trading process is the only author.
type Mirror struct {
	path string
	db   *buntdb.DB
	log  core.Logger
}

// New opens the equity database under dir and prepares the mirror.
func New(dir string, log core.Logger) (*Mirror, error) {
	db, err := buntdb.Open(filepath.Join(dir, equityDBName))
	if err != nil {
		return nil, fmt.Errorf("open equity history: %w", err)
	}

	if err := db.CreateIndex(equityIndexName, "equity:*", buntdb.IndexJSON("time")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, fmt.Errorf("create equity index: %w", err)
	}

	return &Mirror{
		path: filepath.Join(dir, SnapshotFileName),
		db:   db,
		log:  log,
	}, nil
}

// Close releases the equity database.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Publish writes the snapshot file and appends an equity sample.
func (m *Mirror) Publish(account core.AccountSnapshot) error {
	now := time.Now()

	doc := snapshotDoc{
		Balance:       account.Balance,
		Equity:        account.Equity,
		Margin:        account.Margin,
		FreeMargin:    account.FreeMargin,
		Profit:        account.Profit,
		Leverage:      account.Leverage,
		OpenPositions: account.OpenPositions,
		UpdatedAt:     now.Format(time.RFC3339),
	}
	if err := m.writeSnapshot(doc); err != nil {
		return err
	}

	return m.appendSample(EquitySample{Time: now, Balance: account.Balance, Equity: account.Equity})
}

// Run publishes the latest account snapshot every interval until the
// channel closes. Meant to run as its own goroutine.
func (m *Mirror) Run(done <-chan struct{}, view core.MarketView, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		account, ok := view.LatestAccount()
		if !ok {
			continue
		}
		if err := m.Publish(account); err != nil {
			m.log.WithError(err).Warn("account mirror publish failed")
		}
	}
}

// History returns the stored equity curve, ascending by time.
func (m *Mirror) History() ([]EquitySample, error) {
	var samples []EquitySample
	err := m.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(equityIndexName, func(_, value string) bool {
			var s EquitySample
			if err := json.Unmarshal([]byte(value), &s); err == nil {
				samples = append(samples, s)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (m *Mirror) appendSample(sample EquitySample) error {
	content, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	return m.db.Update(func(tx *buntdb.Tx) error {
		key := "equity:" + strconv.FormatInt(sample.Time.UnixNano(), 10)
		_, _, err := tx.Set(key, string(content), &buntdb.SetOptions{
			Expires: true,
			TTL:     historyRetention,
		})
		return err
	})
}

// writeSnapshot rewrites account_info.json atomically so dashboard
// readers never see a torn file.
func (m *Mirror) writeSnapshot(doc snapshotDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".account-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}
