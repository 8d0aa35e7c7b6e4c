package detection

import (
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/classifier"
	"github.com/invisible-tech/tiered-ids/internal/features"
	"github.com/invisible-tech/tiered-ids/internal/parser"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Prometheus metrics (registered once).
var (
	linesAnalyzed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_lines_analyzed_total",
			Help: "Total log lines submitted for analysis",
		},
		[]string{"domain"},
	)
	linesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_lines_skipped_total",
			Help: "Log lines that did not parse for their domain",
		},
		[]string{"domain"},
	)
	alertsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_alerts_detected_total",
			Help: "Alerts raised by the detection pipeline",
		},
		[]string{"domain", "detector", "severity"},
	)
	classifierErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ids_classifier_errors_total",
			Help: "Classifier invocations that failed",
		},
		[]string{"domain"},
	)
)

func init() {
	prometheus.MustRegister(linesAnalyzed)
	prometheus.MustRegister(linesSkipped)
	prometheus.MustRegister(alertsDetected)
	prometheus.MustRegister(classifierErrors)
}

const unknownField = "Unknown"

// mlVerdicts is the severity and label of a classifier-only alert per domain.
var mlVerdicts = map[types.Domain]struct {
	severity   types.Severity
	attackType string
}{
	types.DomainWeb:   {types.SeverityHigh, "Web Layer Attack (ML Detection)"},
	types.DomainDB:    {types.SeverityCritical, "SQL Injection/Database Attack (ML Detection)"},
	types.DomainEmail: {types.SeverityMedium, "Email Service Attack (ML Detection)"},
}

// Scorer is the classifier contract the detector depends on.
type Scorer interface {
	Score(vec types.FeatureVector) (classifier.Result, error)
}

// Detector turns one log line into at most one alert: signatures first,
// then the domain classifier when one is loaded.
type Detector struct {
	log        *logrus.Logger
	signatures *Signatures
	scorers    map[types.Domain]Scorer
	now        func() time.Time
}

// NewDetector builds a detector over the given signature engine and loaded
// classifiers. Domains absent from models run on signatures only.
func NewDetector(signatures *Signatures, models classifier.Set, log *logrus.Logger) *Detector {
	d := &Detector{
		log:        log,
		signatures: signatures,
		scorers:    make(map[types.Domain]Scorer),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for domain, c := range models {
		if c != nil {
			d.scorers[domain] = c
		}
	}
	return d
}

// WithScorer installs a scorer for one domain, replacing any loaded model.
func (d *Detector) WithScorer(domain types.Domain, s Scorer) *Detector {
	d.scorers[domain] = s
	return d
}

// ModelsLoaded reports for every domain whether a classifier is available.
func (d *Detector) ModelsLoaded() map[types.Domain]bool {
	out := make(map[types.Domain]bool, len(types.Domains()))
	for _, domain := range types.Domains() {
		out[domain] = d.scorers[domain] != nil
	}
	return out
}

// Analyze classifies one line. It returns nil with a nil error for benign
// or unparsable lines; the only error is types.ErrUnknownDomain. The
// returned alert has no ID yet.
func (d *Detector) Analyze(line string, domain types.Domain) (*types.Alert, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownDomain, domain)
	}
	linesAnalyzed.WithLabelValues(string(domain)).Inc()

	rec, err := parser.Parse(line, domain)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		linesSkipped.WithLabelValues(string(domain)).Inc()
		return nil, nil
	}

	if m, ok := d.signatures.Match(rec); ok {
		return d.newAlert(rec, types.DetectorSignature, m.Severity, m.AttackType, m.Confidence), nil
	}

	scorer := d.scorers[domain]
	if scorer == nil {
		return nil, nil
	}
	res, err := scorer.Score(features.Extract(rec))
	if err != nil {
		classifierErrors.WithLabelValues(string(domain)).Inc()
		d.log.WithError(err).WithField("domain", domain).Warn("Classifier invocation failed, no verdict")
		return nil, nil
	}
	if !res.Anomalous {
		return nil, nil
	}
	v := mlVerdicts[domain]
	return d.newAlert(rec, types.DetectorClassifier, v.severity, v.attackType, res.Confidence), nil
}

func (d *Detector) newAlert(rec *types.LogRecord, detector string, severity types.Severity, attackType string, confidence float64) *types.Alert {
	alert := &types.Alert{
		Timestamp:  d.now(),
		Domain:     rec.Domain,
		AlertType:  rec.Domain.AlertType(),
		Severity:   severity,
		SourceIP:   unknownField,
		AttackType: attackType,
		UserAgent:  unknownField,
		Confidence: roundConfidence(confidence),
		Status:     types.StatusActive,
		Detector:   detector,
	}
	if rec.Domain.IsHTTP() {
		alert.Payload = types.TruncatePayload(rec.Method + " " + rec.URL)
		if rec.SourceIP != "" {
			alert.SourceIP = rec.SourceIP
		}
		if rec.UserAgent != "" {
			alert.UserAgent = rec.UserAgent
		}
	} else {
		alert.Payload = types.TruncatePayload(rec.Query)
	}
	alertsDetected.WithLabelValues(string(rec.Domain), detector, string(severity)).Inc()
	return alert
}

func roundConfidence(c float64) float64 {
	c = math.Max(0, math.Min(1, c))
	return math.Round(c*1e4) / 1e4
}
