// Periodic best-effort persistence of the threshold and reputation state.
// The ledger stays authoritative; the snapshot only shortens recovery after
// a restart.

package agg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// snapshotFileName is the recovery file written under the model directory.
const snapshotFileName = "threshold_state.json"

// Snapshotter writes the durable state to disk on a fixed interval.
type Snapshotter struct {
	state    *State
	dir      string
	interval time.Duration
}

// NewSnapshotter creates a snapshotter writing under dir every interval.
func NewSnapshotter(state *State, dir string, interval time.Duration) *Snapshotter {
	return &Snapshotter{state: state, dir: dir, interval: interval}
}

// Run saves on every tick until ctx is cancelled. Write failures are logged
// and retried on the next tick. Callers do one final Save on shutdown.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				logrus.Errorf("❌ [AGGREGATOR] Failed to save state: %v", err)
			}
		}
	}
}

// Save writes the snapshot atomically (temp file + rename).
func (s *Snapshotter) Save() error {
	data, err := json.Marshal(s.state.Snapshot())
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	path := filepath.Join(s.dir, snapshotFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot: rename %s: %w", tmp, err)
	}
	logrus.Infof("💾 [AGGREGATOR] Saved threshold and reputation state")
	return nil
}

// Load restores a previous snapshot into the state. A missing file is not an
// error; the state keeps its defaults.
func (s *Snapshotter) Load() error {
	path := filepath.Join(s.dir, snapshotFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logrus.Infof("📝 [AGGREGATOR] No saved state found, using initial values")
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	var data SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("snapshot: parse %s: %w", path, err)
	}
	s.state.Restore(data)
	logrus.Infof("📈 [AGGREGATOR] Loaded threshold state: %.4f", data.CurrentThreshold)
	logrus.Infof("📊 [AGGREGATOR] Loaded reputation for %d participants", len(data.ReputationScores))
	return nil
}
