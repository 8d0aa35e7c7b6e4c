// Package monitor follows one canonical log per domain and feeds every new
// line through detection, recording the alerts it raises.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
	"github.com/invisible-tech/tiered-ids/pkg/tail"
)

// State of a monitor. Transitions only move forward.
type State int32

const (
	StateInit State = iota
	StateTailing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateTailing:
		return "TAILING"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	monitorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ids_monitor_state",
			Help: "Current monitor state (0 init, 1 tailing, 2 terminated)",
		},
		[]string{"domain"},
	)
	linesTailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_monitor_lines_total",
			Help: "Lines delivered to detection by monitors",
		},
		[]string{"domain"},
	)
)

func init() {
	prometheus.MustRegister(monitorState, linesTailed)
}

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 100 * time.Millisecond

// Analyzer turns one canonical line into an alert or nil.
type Analyzer interface {
	Analyze(line string, domain types.Domain) (*types.Alert, error)
}

// Recorder stores and forwards a detected alert.
type Recorder interface {
	Record(ctx context.Context, alert *types.Alert) *types.Alert
}

// Config for a monitor.
type Config struct {
	Domain       types.Domain
	Tailer       tail.Tailer
	Detector     Analyzer
	Recorder     Recorder
	PollInterval time.Duration
}

// Monitor tails one source for one domain.
type Monitor struct {
	cfg     Config
	log     *logrus.Logger
	state   int32
	started int32
}

// New creates a monitor in INIT.
func New(cfg Config, log *logrus.Logger) (*Monitor, error) {
	if !cfg.Domain.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownDomain, cfg.Domain)
	}
	if cfg.Tailer == nil || cfg.Detector == nil || cfg.Recorder == nil {
		return nil, errors.New("monitor: tailer, detector and recorder are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	m := &Monitor{cfg: cfg, log: log}
	monitorState.WithLabelValues(string(cfg.Domain)).Set(float64(StateInit))
	return m, nil
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(atomic.LoadInt32(&m.state))
}

// Domain returns the monitored domain.
func (m *Monitor) Domain() types.Domain { return m.cfg.Domain }

func (m *Monitor) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
	monitorState.WithLabelValues(string(m.cfg.Domain)).Set(float64(s))
}

// Run opens the tailer and processes lines until ctx is cancelled (nil) or
// the tailer fails (the error). A monitor runs once.
func (m *Monitor) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return fmt.Errorf("monitor %s already %s", m.cfg.Domain, m.State())
	}
	log := m.log.WithField("domain", m.cfg.Domain)

	if err := m.cfg.Tailer.Open(ctx); err != nil {
		m.setState(StateTerminated)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open %s tailer: %w", m.cfg.Domain, err)
	}
	defer m.cfg.Tailer.Close()

	m.setState(StateTailing)
	log.Info("Monitor tailing")

	for {
		lines, err := m.cfg.Tailer.Poll(ctx, m.cfg.PollInterval)
		if ctx.Err() != nil {
			m.setState(StateTerminated)
			log.Info("Monitor stopped")
			return nil
		}
		if err != nil {
			m.setState(StateTerminated)
			log.WithError(err).Error("Monitor terminated by tailer failure")
			return fmt.Errorf("tail %s: %w", m.cfg.Domain, err)
		}
		for _, line := range lines {
			m.process(ctx, line, log)
		}
	}
}

func (m *Monitor) process(ctx context.Context, line string, log *logrus.Entry) {
	linesTailed.WithLabelValues(string(m.cfg.Domain)).Inc()
	alert, err := m.cfg.Detector.Analyze(line, m.cfg.Domain)
	if err != nil {
		log.WithError(err).Warn("Failed to analyze line")
		return
	}
	if alert == nil {
		return
	}
	stored := m.cfg.Recorder.Record(ctx, alert)
	log.WithFields(logrus.Fields{
		"alert_id":    stored.ID,
		"severity":    stored.Severity,
		"attack_type": stored.AttackType,
	}).Info("Alert raised")
}

// Group runs a set of monitors and waits for them on shutdown.
type Group struct {
	log      *logrus.Logger
	monitors []*Monitor
	wg       sync.WaitGroup
}

// NewGroup creates an empty group.
func NewGroup(log *logrus.Logger) *Group {
	return &Group{log: log}
}

// Add registers a monitor; call before Start.
func (g *Group) Add(m *Monitor) {
	g.monitors = append(g.monitors, m)
}

// Monitors returns the registered monitors.
func (g *Group) Monitors() []*Monitor {
	return g.monitors
}

// Start launches one goroutine per monitor. A monitor that fails is logged
// and the others keep running.
func (g *Group) Start(ctx context.Context) {
	g.log.WithField("count", len(g.monitors)).Info("Starting monitors")
	for _, m := range g.monitors {
		g.wg.Add(1)
		go func(m *Monitor) {
			defer g.wg.Done()
			if err := m.Run(ctx); err != nil {
				g.log.WithError(err).WithField("domain", m.Domain()).Error("Monitor error")
			}
		}(m)
	}
}

// Shutdown waits for every monitor to return, or for ctx to end. The
// context passed to Start must already be cancelled.
func (g *Group) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("All monitors stopped")
		return nil
	case <-ctx.Done():
		g.log.Warn("Shutdown timeout, some monitors may not have stopped cleanly")
		return ctx.Err()
	}
}
