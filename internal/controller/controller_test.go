package controller

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/alertstore"
	"github.com/invisible-tech/tiered-ids/internal/detection"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestController(t *testing.T, capacity int) (*Controller, *alertstore.Store) {
	t.Helper()
	log := quietLogger()
	store, err := alertstore.Open(alertstore.Config{
		Capacity:     capacity,
		SnapshotPath: filepath.Join(t.TempDir(), "alerts.json"),
	}, log)
	if err != nil {
		t.Fatalf("alertstore.Open: %v", err)
	}
	det := detection.NewDetector(detection.NewSignatures(), nil, log)
	return New(Config{}, det, store, log), store
}

const (
	benignWeb = `192.168.1.100 - - [27/Nov/2025:10:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	adminWeb  = `192.168.1.100 - - [27/Nov/2025:10:00:01 +0000] "GET /admin HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*types.Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a *types.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestController_AnalyzeRecordsAlert(t *testing.T) {
	c, store := newTestController(t, 100)
	alert, err := c.Analyze(context.Background(), types.DomainWeb, adminWeb)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if alert == nil || alert.ID != 1 || alert.Severity != types.SeverityHigh {
		t.Fatalf("alert = %+v", alert)
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d", store.Len())
	}
}

func TestController_BenignTwiceLeavesStoreUnchanged(t *testing.T) {
	c, store := newTestController(t, 100)
	c.Analyze(context.Background(), types.DomainWeb, adminWeb)
	before := store.List(types.Filter{})

	for i := 0; i < 2; i++ {
		alert, err := c.Analyze(context.Background(), types.DomainWeb, benignWeb)
		if err != nil || alert != nil {
			t.Fatalf("benign Analyze = %+v, %v", alert, err)
		}
	}
	after := store.List(types.Filter{})
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Errorf("store changed: before=%d after=%d", len(before), len(after))
	}
}

func TestController_UnknownDomain(t *testing.T) {
	c, _ := newTestController(t, 100)
	if _, err := c.Analyze(context.Background(), "ftp", benignWeb); !errors.Is(err, types.ErrUnknownDomain) {
		t.Errorf("Analyze err = %v", err)
	}
	if _, err := c.BulkAnalyze(context.Background(), "ftp", []string{benignWeb}); !errors.Is(err, types.ErrUnknownDomain) {
		t.Errorf("BulkAnalyze err = %v", err)
	}
}

func TestController_BulkAnalyze(t *testing.T) {
	c, _ := newTestController(t, 100)
	lines := []string{
		"SELECT * FROM users WHERE id=1",
		"SELECT * FROM users; DROP TABLE users;--",
		"",
		"TRUNCATE TABLE sessions",
	}
	res, err := c.BulkAnalyze(context.Background(), types.DomainDB, lines)
	if err != nil {
		t.Fatalf("BulkAnalyze: %v", err)
	}
	if res.TotalAnalyzed != 4 || res.AlertsDetected != 2 || len(res.Alerts) != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, a := range res.Alerts {
		if a.Severity != types.SeverityCritical || a.Confidence < 0.9 {
			t.Errorf("alert = %+v", a)
		}
	}
	if res.Alerts[0].ID >= res.Alerts[1].ID {
		t.Error("alerts not in arrival order")
	}
}

func TestController_BulkAnalyzeCancelled(t *testing.T) {
	c, _ := newTestController(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.BulkAnalyze(ctx, types.DomainWeb, []string{adminWeb})
	if !errors.Is(err, context.Canceled) || res.TotalAnalyzed != 0 {
		t.Errorf("res=%+v err=%v", res, err)
	}
}

func TestController_ListAndClear(t *testing.T) {
	c, _ := newTestController(t, 100)
	ctx := context.Background()
	c.Analyze(ctx, types.DomainWeb, adminWeb)
	c.Analyze(ctx, types.DomainDB, "DROP TABLE users")

	if got := c.ListAlerts(types.Filter{Type: "db"}); len(got) != 1 || got[0].AlertType != "DB_ANOMALY" {
		t.Errorf("db filter = %+v", got)
	}
	if got := c.ListAlerts(types.Filter{Severity: "high"}); len(got) != 1 {
		t.Errorf("severity filter len = %d", len(got))
	}
	if err := c.ClearAlerts(); err != nil {
		t.Fatalf("ClearAlerts: %v", err)
	}
	if got := c.ListAlerts(types.Filter{}); len(got) != 0 {
		t.Errorf("after clear len = %d", len(got))
	}
	next, _ := c.Analyze(ctx, types.DomainWeb, adminWeb)
	if next.ID != 3 {
		t.Errorf("ID after clear = %d, want 3", next.ID)
	}
}

func TestController_Statistics(t *testing.T) {
	c, _ := newTestController(t, 100)
	c.Analyze(context.Background(), types.DomainWeb, adminWeb)
	st := c.Statistics()
	if st.Total != 1 || st.ByType["WEB_ANOMALY"] != 1 || st.BySeverity["HIGH"] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastAlert == nil || st.LastAlert.ID != 1 {
		t.Errorf("last alert = %+v", st.LastAlert)
	}
	if len(st.ModelsLoaded) != 3 || st.ModelsLoaded[types.DomainWeb] {
		t.Errorf("models loaded = %v", st.ModelsLoaded)
	}
}

func TestController_NotifiersReceiveRecordedAlerts(t *testing.T) {
	c, _ := newTestController(t, 100)
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("endpoint down")}
	c.AddNotifier("ok", ok)
	c.AddNotifier("failing", failing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.Analyze(ctx, types.DomainWeb, adminWeb)
	c.Analyze(ctx, types.DomainWeb, benignWeb)
	c.Analyze(ctx, types.DomainDB, "DROP TABLE users")

	deadline := time.Now().Add(2 * time.Second)
	for ok.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ok.count() != 2 {
		t.Fatalf("notifier received %d alerts", ok.count())
	}
	if ok.alerts[0].ID != 1 || ok.alerts[1].ID != 2 {
		t.Errorf("IDs = %d, %d", ok.alerts[0].ID, ok.alerts[1].ID)
	}
	for failing.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if failing.count() != 2 {
		t.Errorf("a failing notifier should still be called, got %d", failing.count())
	}
}

type batchingNotifier struct {
	recordingNotifier
	batches [][]*types.Alert
}

func (b *batchingNotifier) NotifyBatch(_ context.Context, alerts []*types.Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, alerts)
	return nil
}

func TestController_QueuedAlertsDeliveredAsBatch(t *testing.T) {
	c, _ := newTestController(t, 100)
	batching := &batchingNotifier{}
	single := &recordingNotifier{}
	c.AddNotifier("batch", batching)
	c.AddNotifier("single", single)

	// queue before Start so the first receive finds all three waiting
	for i := 0; i < 3; i++ {
		c.Record(context.Background(), &types.Alert{Domain: types.DomainWeb, Severity: types.SeverityHigh})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for single.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if single.count() != 3 {
		t.Fatalf("single notifier received %d alerts", single.count())
	}
	batching.mu.Lock()
	defer batching.mu.Unlock()
	if len(batching.batches) != 1 || len(batching.batches[0]) != 3 {
		t.Fatalf("batches = %d", len(batching.batches))
	}
	if len(batching.alerts) != 0 {
		t.Errorf("batch notifier also got %d single calls", len(batching.alerts))
	}
	for i, a := range batching.batches[0] {
		if a.ID != int64(i+1) {
			t.Errorf("batch[%d].ID = %d", i, a.ID)
		}
	}
}

func TestController_RecordDropsWhenQueueFull(t *testing.T) {
	log := quietLogger()
	store, _ := alertstore.Open(alertstore.Config{Capacity: 10, SnapshotPath: filepath.Join(t.TempDir(), "a.json")}, log)
	c := New(Config{NotifyBufferSize: 1}, detection.NewDetector(detection.NewSignatures(), nil, log), store, log)
	for i := 0; i < 3; i++ {
		c.Record(context.Background(), &types.Alert{Domain: types.DomainWeb, Severity: types.SeverityHigh})
	}
	if store.Len() != 3 {
		t.Errorf("store len = %d; a full queue must not block recording", store.Len())
	}
	if len(c.alertChan) != 1 {
		t.Errorf("queued = %d", len(c.alertChan))
	}
}

func TestAttackCatalogue(t *testing.T) {
	want := []string{"brute_force", "path_traversal", "sql_injection", "xss"}
	got := AttackTypes()
	if len(got) != len(want) {
		t.Fatalf("AttackTypes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AttackTypes[%d] = %q", i, got[i])
		}
	}
	if _, err := LookupAttack("ddos"); !errors.Is(err, ErrUnknownAttack) {
		t.Errorf("LookupAttack err = %v", err)
	}
}

func TestSimulate(t *testing.T) {
	tests := []struct {
		attack    string
		domain    types.Domain
		count     int
		minAlerts int
	}{
		{"sql_injection", types.DomainDB, 5, 1},
		{"xss", types.DomainWeb, 4, 2},
		{"path_traversal", types.DomainWeb, 3, 3},
		{"brute_force", types.DomainWeb, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.attack, func(t *testing.T) {
			c, _ := newTestController(t, 100)
			res, err := c.Simulate(context.Background(), tt.attack)
			if err != nil {
				t.Fatalf("Simulate: %v", err)
			}
			if res.Domain != tt.domain || res.Count != tt.count || res.TotalAnalyzed != tt.count {
				t.Errorf("result = %+v", res)
			}
			if res.AlertsDetected < tt.minAlerts {
				t.Errorf("alerts = %d, want >= %d", res.AlertsDetected, tt.minAlerts)
			}
		})
	}
}
