// Package classifier loads pretrained per-domain anomaly models and scores
// feature vectors with them.
package classifier

import (
	"errors"
	"fmt"
	"math"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

var (
	// ErrUnsupported is returned by artifact methods the model does not expose.
	ErrUnsupported = errors.New("classifier: operation not supported by artifact")
	// ErrInvocation wraps any failure of the artifact's predict call.
	ErrInvocation = errors.New("classifier: invocation failed")
	// ErrArtifactInvalid marks an artifact that cannot be loaded.
	ErrArtifactInvalid = errors.New("classifier: invalid artifact")
)

// DefaultConfidence is used when the artifact exposes no scoring API.
const DefaultConfidence = 0.5

// Artifact is a loaded model. Implementations return ErrUnsupported from
// the methods they do not provide.
type Artifact interface {
	Predict(vec types.FeatureVector) (int, error)
	DecisionFunction(vec types.FeatureVector) (float64, error)
	PredictProba(vec types.FeatureVector) ([]float64, error)
}

// ConfidenceStrategy derives a confidence from one scoring API of the
// artifact. An error means the strategy does not apply.
type ConfidenceStrategy func(a Artifact, vec types.FeatureVector) (float64, error)

// DecisionMagnitude uses the absolute value of the decision function.
func DecisionMagnitude(a Artifact, vec types.FeatureVector) (float64, error) {
	score, err := a.DecisionFunction(vec)
	if err != nil {
		return 0, err
	}
	return math.Abs(score), nil
}

// MaxProbability uses the largest class probability.
func MaxProbability(a Artifact, vec types.FeatureVector) (float64, error) {
	probs, err := a.PredictProba(vec)
	if err != nil {
		return 0, err
	}
	if len(probs) == 0 {
		return 0, fmt.Errorf("%w: empty probabilities", ErrUnsupported)
	}
	best := probs[0]
	for _, p := range probs[1:] {
		if p > best {
			best = p
		}
	}
	return best, nil
}

// Constant always succeeds with v.
func Constant(v float64) ConfidenceStrategy {
	return func(Artifact, types.FeatureVector) (float64, error) { return v, nil }
}

// DefaultStrategies is the ordered fallback chain used by New.
func DefaultStrategies() []ConfidenceStrategy {
	return []ConfidenceStrategy{DecisionMagnitude, MaxProbability, Constant(DefaultConfidence)}
}

// Result is one scored vector.
type Result struct {
	Label      int
	Anomalous  bool
	Confidence float64
}

// Classifier binds an artifact to its domain and anomaly label.
type Classifier struct {
	Name         string
	Domain       types.Domain
	artifact     Artifact
	anomalyLabel int
	strategies   []ConfidenceStrategy
}

// New wraps an artifact. anomalyLabel is the predicted label that means
// "malicious".
func New(name string, domain types.Domain, artifact Artifact, anomalyLabel int) *Classifier {
	return &Classifier{
		Name:         name,
		Domain:       domain,
		artifact:     artifact,
		anomalyLabel: anomalyLabel,
		strategies:   DefaultStrategies(),
	}
}

// WithStrategies replaces the confidence chain. The chain should end with
// a strategy that never fails; if none succeeds DefaultConfidence is used.
func (c *Classifier) WithStrategies(s ...ConfidenceStrategy) *Classifier {
	c.strategies = s
	return c
}

// Score predicts the label of vec and derives its confidence.
func (c *Classifier) Score(vec types.FeatureVector) (Result, error) {
	label, err := c.artifact.Predict(vec)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvocation, c.Name, err)
	}
	return Result{
		Label:      label,
		Anomalous:  label == c.anomalyLabel,
		Confidence: c.confidence(vec),
	}, nil
}

func (c *Classifier) confidence(vec types.FeatureVector) float64 {
	for _, strategy := range c.strategies {
		v, err := strategy(c.artifact, vec)
		if err != nil || math.IsNaN(v) {
			continue
		}
		return clamp(v)
	}
	return DefaultConfidence
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
