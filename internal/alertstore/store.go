// Package alertstore keeps the most recent alerts in a bounded FIFO and
// mirrors them to a JSON snapshot file.
package alertstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// DefaultCapacity is used when Config.Capacity is not positive.
const DefaultCapacity = 100

var (
	storedAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ids_alerts_stored",
			Help: "Alerts currently retained in the alert store",
		},
	)
	snapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ids_alert_snapshot_failures_total",
			Help: "Failed writes of the alert snapshot file",
		},
	)
)

func init() {
	prometheus.MustRegister(storedAlerts)
	prometheus.MustRegister(snapshotFailures)
}

// Config configures a Store. An empty SnapshotPath keeps alerts in memory only.
type Config struct {
	Capacity     int
	SnapshotPath string
}

// Store is the ordered, bounded alert sequence. All methods are safe for
// concurrent use; mutation and snapshot write happen under one lock.
//
// With a snapshot path, every operation also holds an advisory lock on
// <snapshot>.lock and reloads the snapshot first, so several processes
// (the daemon and idsctl) share one sequence. The next ID lives in
// <snapshot>.seq and only ever grows, including across Clear.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	log    *logrus.Logger
	file   *flock.Flock
	alerts []*types.Alert
	nextID int64
}

// Open creates a store and loads an existing snapshot. A snapshot that
// cannot be read or decoded is logged and ignored.
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	s := &Store{cfg: cfg, log: log, nextID: 1}
	if cfg.SnapshotPath == "" {
		return s, nil
	}
	s.file = flock.New(cfg.SnapshotPath + ".lock")

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.lockFile(false)
	defer unlock()
	storedAlerts.Set(float64(len(s.alerts)))
	log.WithFields(logrus.Fields{"path": cfg.SnapshotPath, "alerts": len(s.alerts)}).Info("Alert snapshot loaded")
	return s, nil
}

// lockFile takes the snapshot lock and reloads shared state. When the lock
// cannot be taken the in-memory copy stays authoritative. Caller holds s.mu.
func (s *Store) lockFile(exclusive bool) (unlock func()) {
	if s.file == nil {
		return func() {}
	}
	var err error
	if err = os.MkdirAll(filepath.Dir(s.cfg.SnapshotPath), 0o755); err == nil {
		if exclusive {
			err = s.file.Lock()
		} else {
			err = s.file.RLock()
		}
	}
	if err != nil {
		snapshotFailures.Inc()
		s.log.WithError(err).WithField("path", s.file.Path()).Warn("Failed to lock alert snapshot, using in-memory alerts")
		return func() {}
	}
	s.reloadLocked()
	return func() {
		if err := s.file.Unlock(); err != nil {
			s.log.WithError(err).WithField("path", s.file.Path()).Warn("Failed to unlock alert snapshot")
		}
	}
}

// reloadLocked replaces the in-memory sequence with the snapshot on disk.
// Caller holds s.mu and the file lock.
func (s *Store) reloadLocked() {
	data, err := os.ReadFile(s.cfg.SnapshotPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		s.log.WithError(err).WithField("path", s.cfg.SnapshotPath).Warn("Failed to read alert snapshot")
		return
	}
	var alerts []*types.Alert
	if len(data) > 0 {
		if err := json.Unmarshal(data, &alerts); err != nil {
			s.log.WithError(err).WithField("path", s.cfg.SnapshotPath).Warn("Ignoring unreadable alert snapshot")
			return
		}
	}
	s.alerts = s.alerts[:0]
	for _, a := range alerts {
		if a == nil {
			continue
		}
		if a.ID >= s.nextID {
			s.nextID = a.ID + 1
		}
		s.alerts = append(s.alerts, a)
	}
	if len(s.alerts) > s.cfg.Capacity {
		s.alerts = s.alerts[len(s.alerts)-s.cfg.Capacity:]
	}
	storedAlerts.Set(float64(len(s.alerts)))
	if raw, err := os.ReadFile(s.seqPath()); err == nil {
		if seq, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil && seq > s.nextID {
			s.nextID = seq
		}
	}
}

func (s *Store) seqPath() string { return s.cfg.SnapshotPath + ".seq" }

// Append assigns the next ID, evicts the oldest alert when full and
// persists the sequence. It returns a copy of the stored alert.
func (s *Store) Append(a *types.Alert) *types.Alert {
	stored := a.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.lockFile(true)
	defer unlock()

	stored.ID = s.nextID
	s.nextID++
	s.alerts = append(s.alerts, stored)
	if over := len(s.alerts) - s.cfg.Capacity; over > 0 {
		// drop references so evicted alerts can be collected
		for i := 0; i < over; i++ {
			s.alerts[i] = nil
		}
		s.alerts = s.alerts[over:]
	}
	storedAlerts.Set(float64(len(s.alerts)))
	if err := s.persistLocked(); err != nil {
		snapshotFailures.Inc()
		s.log.WithError(err).WithField("path", s.cfg.SnapshotPath).Error("Failed to write alert snapshot")
	}
	return stored.Clone()
}

// List returns copies of the most recent matching alerts in arrival order.
func (s *Store) List(f types.Filter) []*types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.lockFile(false)
	defer unlock()
	var matched []*types.Alert
	for _, a := range s.alerts {
		if f.Matches(a) {
			matched = append(matched, a)
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	out := make([]*types.Alert, len(matched))
	for i, a := range matched {
		out[i] = a.Clone()
	}
	return out
}

// Clear drops every alert and persists the empty sequence. IDs keep
// increasing after a clear.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.lockFile(true)
	defer unlock()
	s.alerts = nil
	storedAlerts.Set(0)
	if err := s.persistLocked(); err != nil {
		snapshotFailures.Inc()
		return fmt.Errorf("clear alerts: %w", err)
	}
	return nil
}

// Statistics summarizes the retained alerts.
func (s *Store) Statistics() types.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.lockFile(false)
	defer unlock()
	st := types.Statistics{
		Total:      len(s.alerts),
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, a := range s.alerts {
		st.ByType[a.AlertType]++
		st.BySeverity[string(a.Severity)]++
	}
	if n := len(s.alerts); n > 0 {
		st.LastAlert = s.alerts[n-1].Clone()
	}
	return st
}

// Len returns the number of retained alerts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.lockFile(false)
	defer unlock()
	return len(s.alerts)
}

// Capacity returns the retention bound.
func (s *Store) Capacity() int {
	return s.cfg.Capacity
}

// persistLocked writes the full sequence to a temp file and renames it over
// the snapshot, then records the next ID. Caller holds s.mu.
func (s *Store) persistLocked() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	alerts := s.alerts
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(s.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".alerts-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if err := os.WriteFile(s.seqPath(), []byte(strconv.FormatInt(s.nextID, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write id sequence: %w", err)
	}
	return nil
}
