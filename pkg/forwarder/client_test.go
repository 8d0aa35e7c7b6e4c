package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func canListen(t *testing.T) bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test: %v", err)
		return false
	}
	ln.Close()
	return true
}

func sampleAlert(sev types.Severity) *types.Alert {
	return &types.Alert{
		ID: 7, Timestamp: time.Now().UTC(), Domain: types.DomainWeb, AlertType: "WEB_ANOMALY",
		Severity: sev, SourceIP: "10.0.0.5", AttackType: "Admin/command access detected",
		Payload: "GET /admin", Confidence: 0.95, Status: types.StatusActive, Detector: types.DetectorSignature,
	}
}

func TestClient_SendAlert_Success(t *testing.T) {
	if !canListen(t) {
		return
	}
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/alerts" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer my-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIKey: "my-key", Timeout: 5 * time.Second}, testLogger())
	if err := c.SendAlert(context.Background(), sampleAlert(types.SeverityHigh)); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if got["alert_type"] != "WEB_ANOMALY" || got["source"] != "tiered-ids" || got["id"] != float64(7) {
		t.Errorf("payload = %v", got)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Config{}, testLogger())
	ctx := context.Background()
	if err := c.SendAlert(ctx, sampleAlert(types.SeverityHigh)); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("SendAlert err = %v", err)
	}
	if err := c.SendBatch(ctx, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("SendBatch err = %v", err)
	}
	if err := c.HealthCheck(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("HealthCheck err = %v", err)
	}
}

func TestClient_Notify_SeverityGate(t *testing.T) {
	if !canListen(t) {
		return
	}
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIKey: "key"}, testLogger())
	ctx := context.Background()
	for _, sev := range []types.Severity{types.SeverityMedium, types.SeverityHigh, types.SeverityCritical} {
		if err := c.Notify(ctx, sampleAlert(sev)); err != nil {
			t.Errorf("Notify(%s): %v", sev, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("forwarded %d alerts, want 2", n)
	}
}

func TestClient_SendBatch_Success(t *testing.T) {
	if !canListen(t) {
		return
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Alerts []map[string]interface{} `json:"alerts"`
		}
		if r.URL.Path != "/api/v1/alerts/batch" || json.NewDecoder(r.Body).Decode(&body) != nil || len(body.Alerts) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIKey: "key"}, testLogger())
	alerts := []*types.Alert{sampleAlert(types.SeverityHigh), sampleAlert(types.SeverityCritical)}
	if err := c.SendBatch(context.Background(), alerts); err != nil {
		t.Errorf("SendBatch: %v", err)
	}
}

func TestClient_NotifyBatch(t *testing.T) {
	if !canListen(t) {
		return
	}
	var mu sync.Mutex
	paths := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Alerts []map[string]interface{} `json:"alerts"`
		}
		n := 1
		if r.URL.Path == "/api/v1/alerts/batch" {
			json.NewDecoder(r.Body).Decode(&body)
			n = len(body.Alerts)
		}
		mu.Lock()
		paths[r.URL.Path] += n
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIKey: "key"}, testLogger())
	ctx := context.Background()
	batch := []*types.Alert{
		sampleAlert(types.SeverityMedium),
		sampleAlert(types.SeverityHigh),
		sampleAlert(types.SeverityCritical),
	}
	if err := c.NotifyBatch(ctx, batch); err != nil {
		t.Fatalf("NotifyBatch: %v", err)
	}
	if err := c.NotifyBatch(ctx, batch[:2]); err != nil {
		t.Fatalf("NotifyBatch single: %v", err)
	}
	if err := c.NotifyBatch(ctx, batch[:1]); err != nil {
		t.Fatalf("NotifyBatch medium only: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if paths["/api/v1/alerts/batch"] != 2 || paths["/api/v1/alerts"] != 1 || len(paths) != 2 {
		t.Errorf("requests = %v", paths)
	}
}

func TestClient_SendAlert_Non2xx(t *testing.T) {
	if !canListen(t) {
		return
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIKey: "key"}, testLogger())
	if err := c.SendAlert(context.Background(), sampleAlert(types.SeverityHigh)); err == nil {
		t.Error("expected error on 500")
	}
}

func TestClient_HealthCheck(t *testing.T) {
	if !canListen(t) {
		return
	}
	var status int32 = http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIKey: "key"}, testLogger())
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected error on 503")
	}
}
