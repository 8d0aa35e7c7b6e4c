// Package collector streams raw log lines out of the web, database and mail
// servers, normalizes them and hands them to the detection monitors.
package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

var linesCollected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ids_collector_lines_total",
		Help: "Raw lines read by collectors, by outcome",
	},
	[]string{"domain", "outcome"},
)

func init() {
	prometheus.MustRegister(linesCollected)
}

// maxLineSize bounds one raw line read from a source.
const maxLineSize = 1024 * 1024

// Sink receives canonical lines. Each call writes one whole line.
type Sink interface {
	WriteLine(line string) error
	Close() error
}

// Config for a collector.
type Config struct {
	Domain    types.Domain
	Source    Source
	Sink      Sink
	Transform Transform
}

// Collector copies one source into one sink through the domain transform.
type Collector struct {
	cfg Config
	log *logrus.Logger

	written int64
	dropped int64
}

// Stats reports line counts since the collector was created.
type Stats struct {
	Written int64
	Dropped int64
}

// New creates a collector. A nil Transform selects the domain default.
func New(cfg Config, log *logrus.Logger) (*Collector, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("collector: source and sink are required")
	}
	if cfg.Transform == nil {
		t, err := TransformFor(cfg.Domain)
		if err != nil {
			return nil, err
		}
		cfg.Transform = t
	}
	return &Collector{cfg: cfg, log: log}, nil
}

// Run streams until the source ends or ctx is cancelled. Cancellation and a
// clean end of stream return nil.
func (c *Collector) Run(ctx context.Context) error {
	stream, err := c.cfg.Source.Stream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open %s source: %w", c.cfg.Domain, err)
	}
	// Closing the stream unblocks the scanner on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()
	defer stream.Close()

	c.log.WithFields(logrus.Fields{"domain": c.cfg.Domain, "source": c.cfg.Source.Name()}).Info("Collector connected to log stream")

	domain := string(c.cfg.Domain)
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line, ok := c.cfg.Transform(scanner.Text())
		if !ok {
			atomic.AddInt64(&c.dropped, 1)
			linesCollected.WithLabelValues(domain, "dropped").Inc()
			continue
		}
		if err := c.cfg.Sink.WriteLine(line); err != nil {
			linesCollected.WithLabelValues(domain, "failed").Inc()
			return fmt.Errorf("write %s line: %w", c.cfg.Domain, err)
		}
		atomic.AddInt64(&c.written, 1)
		linesCollected.WithLabelValues(domain, "written").Inc()
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s stream: %w", c.cfg.Domain, err)
	}
	c.log.WithField("domain", c.cfg.Domain).Info("Log stream ended")
	return nil
}

// Supervise reruns Run after each end or failure, waiting delay between
// attempts, until ctx is cancelled.
func (c *Collector) Supervise(ctx context.Context, delay time.Duration) {
	for {
		if err := c.Run(ctx); err != nil {
			c.log.WithError(err).WithField("domain", c.cfg.Domain).Warn("Collector stopped, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stats returns the current counts.
func (c *Collector) Stats() Stats {
	return Stats{
		Written: atomic.LoadInt64(&c.written),
		Dropped: atomic.LoadInt64(&c.dropped),
	}
}
