// Package controller is the synchronous analyzer façade shared by the
// monitors, the HTTP API and the CLI. It runs detection, records alerts in
// the store and fans them out to notifiers.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/alertstore"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Prometheus metrics (registered once).
var (
	linesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_analyze_lines_total",
			Help: "Lines submitted to the analyzer",
		},
		[]string{"domain", "mode"},
	)
	alertsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_alerts_recorded_total",
			Help: "Alerts appended to the alert store",
		},
		[]string{"domain", "severity"},
	)
	notifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_notify_failures_total",
			Help: "Alerts a notifier failed to deliver",
		},
		[]string{"notifier"},
	)
)

func init() {
	prometheus.MustRegister(linesReceived)
	prometheus.MustRegister(alertsRecorded)
	prometheus.MustRegister(notifyFailures)
}

// DefaultNotifyBuffer is the queue length for pending notifications.
const DefaultNotifyBuffer = 1000

// maxNotifyBatch bounds how many queued alerts are delivered in one batch.
const maxNotifyBatch = 50

// Detector is the detection pipeline the controller drives.
type Detector interface {
	Analyze(line string, domain types.Domain) (*types.Alert, error)
	ModelsLoaded() map[types.Domain]bool
}

// Notifier delivers a recorded alert somewhere outside the process.
type Notifier interface {
	Notify(ctx context.Context, alert *types.Alert) error
}

// BatchNotifier is a Notifier that can deliver several queued alerts in
// one call.
type BatchNotifier interface {
	Notifier
	NotifyBatch(ctx context.Context, alerts []*types.Alert) error
}

// Config for the controller.
type Config struct {
	NotifyBufferSize int
}

// BulkResult is the outcome of BulkAnalyze.
type BulkResult struct {
	TotalAnalyzed  int            `json:"total_analyzed"`
	AlertsDetected int            `json:"alerts_detected"`
	Alerts         []*types.Alert `json:"alerts"`
}

type namedNotifier struct {
	name string
	n    Notifier
}

// Controller wires detection to the alert store and notifiers.
type Controller struct {
	log      *logrus.Logger
	detector Detector
	store    *alertstore.Store

	notifiersMu sync.RWMutex
	notifiers   []namedNotifier
	alertChan   chan *types.Alert
}

// New creates a controller. Call Start to begin delivering notifications.
func New(cfg Config, detector Detector, store *alertstore.Store, log *logrus.Logger) *Controller {
	if cfg.NotifyBufferSize <= 0 {
		cfg.NotifyBufferSize = DefaultNotifyBuffer
	}
	return &Controller{
		log:       log,
		detector:  detector,
		store:     store,
		alertChan: make(chan *types.Alert, cfg.NotifyBufferSize),
	}
}

// AddNotifier registers a notifier under name (used in logs and metrics).
func (c *Controller) AddNotifier(name string, n Notifier) {
	c.notifiersMu.Lock()
	defer c.notifiersMu.Unlock()
	c.notifiers = append(c.notifiers, namedNotifier{name: name, n: n})
}

// Start delivers queued alerts to the notifiers until ctx ends.
func (c *Controller) Start(ctx context.Context) {
	go c.processAlerts(ctx)
}

// Analyze runs one line through detection and records the alert, if any.
func (c *Controller) Analyze(ctx context.Context, domain types.Domain, line string) (*types.Alert, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownDomain, domain)
	}
	linesReceived.WithLabelValues(string(domain), "single").Inc()
	return c.analyze(ctx, domain, line)
}

// BulkAnalyze analyzes lines in order and returns the recorded alerts.
func (c *Controller) BulkAnalyze(ctx context.Context, domain types.Domain, lines []string) (*BulkResult, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownDomain, domain)
	}
	res := &BulkResult{Alerts: []*types.Alert{}}
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		linesReceived.WithLabelValues(string(domain), "bulk").Inc()
		alert, err := c.analyze(ctx, domain, line)
		if err != nil {
			return res, err
		}
		res.TotalAnalyzed++
		if alert != nil {
			res.Alerts = append(res.Alerts, alert)
		}
	}
	res.AlertsDetected = len(res.Alerts)
	return res, nil
}

func (c *Controller) analyze(ctx context.Context, domain types.Domain, line string) (*types.Alert, error) {
	alert, err := c.detector.Analyze(line, domain)
	if err != nil || alert == nil {
		return nil, err
	}
	return c.Record(ctx, alert), nil
}

// Record appends a detected alert to the store and queues it for the
// notifiers. It returns the stored copy carrying its ID.
func (c *Controller) Record(_ context.Context, alert *types.Alert) *types.Alert {
	stored := c.store.Append(alert)
	alertsRecorded.WithLabelValues(string(stored.Domain), string(stored.Severity)).Inc()
	c.log.WithFields(logrus.Fields{
		"alert_id":    stored.ID,
		"alert_type":  stored.AlertType,
		"severity":    stored.Severity,
		"attack_type": stored.AttackType,
		"source_ip":   stored.SourceIP,
		"detector":    stored.Detector,
		"confidence":  stored.Confidence,
	}).Warn("SECURITY ALERT")

	select {
	case c.alertChan <- stored.Clone():
	default:
		c.log.WithField("alert_id", stored.ID).Warn("Notification queue full, dropping alert")
	}
	return stored
}

// ListAlerts returns copies of the stored alerts matching f.
func (c *Controller) ListAlerts(f types.Filter) []*types.Alert {
	return c.store.List(f)
}

// ClearAlerts empties the store.
func (c *Controller) ClearAlerts() error {
	if err := c.store.Clear(); err != nil {
		return err
	}
	c.log.Info("Alerts cleared")
	return nil
}

// Statistics summarizes the store and reports which classifiers are loaded.
func (c *Controller) Statistics() types.Statistics {
	st := c.store.Statistics()
	st.ModelsLoaded = c.detector.ModelsLoaded()
	return st
}

func (c *Controller) processAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-c.alertChan:
			c.notify(ctx, c.drainBatch(alert))
		}
	}
}

// drainBatch collects alerts already queued behind first, without waiting.
func (c *Controller) drainBatch(first *types.Alert) []*types.Alert {
	batch := []*types.Alert{first}
	for len(batch) < maxNotifyBatch {
		select {
		case alert := <-c.alertChan:
			batch = append(batch, alert)
		default:
			return batch
		}
	}
	return batch
}

func (c *Controller) notify(ctx context.Context, batch []*types.Alert) {
	c.notifiersMu.RLock()
	notifiers := append([]namedNotifier(nil), c.notifiers...)
	c.notifiersMu.RUnlock()

	for _, nn := range notifiers {
		if bn, ok := nn.n.(BatchNotifier); ok && len(batch) > 1 {
			if err := bn.NotifyBatch(ctx, batch); err != nil {
				notifyFailures.WithLabelValues(nn.name).Add(float64(len(batch)))
				c.log.WithError(err).WithFields(logrus.Fields{
					"alerts":   len(batch),
					"notifier": nn.name,
				}).Error("Failed to deliver alert batch")
			}
			continue
		}
		for _, alert := range batch {
			if err := nn.n.Notify(ctx, alert); err != nil {
				notifyFailures.WithLabelValues(nn.name).Inc()
				c.log.WithError(err).WithFields(logrus.Fields{
					"alert_id": alert.ID,
					"notifier": nn.name,
				}).Error("Failed to deliver alert")
			}
		}
	}
}
