package classifier

import (
	"fmt"
	"io"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/tiered-ids/internal/features"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Artifact kinds understood by Decode.
const (
	KindLinear   = "linear"
	KindLogistic = "logistic"
	KindBounds   = "bounds"
)

// Bound is an inclusive per-feature range.
type Bound struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Spec is the on-disk artifact document. JSON documents decode as YAML.
type Spec struct {
	Name         string       `yaml:"name"`
	Kind         string       `yaml:"kind"`
	Domain       types.Domain `yaml:"domain"`
	AnomalyLabel *int         `yaml:"anomaly_label"`
	InlierLabel  *int         `yaml:"inlier_label"`
	Features     []string     `yaml:"features"`
	Weights      []float64    `yaml:"weights"`
	Bias         float64      `yaml:"bias"`
	Threshold    *float64     `yaml:"threshold"`
	Bounds       []Bound      `yaml:"bounds"`
}

// Decode reads one artifact document and builds its classifier.
func Decode(r io.Reader) (*Classifier, error) {
	var spec Spec
	if err := yaml.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrArtifactInvalid, err)
	}
	return spec.Build()
}

// Build validates the spec against the domain's feature layout.
func (s Spec) Build() (*Classifier, error) {
	if !s.Domain.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrArtifactInvalid, types.ErrUnknownDomain, s.Domain)
	}
	width := features.Len(s.Domain)
	if len(s.Features) > 0 && len(s.Features) != width {
		return nil, fmt.Errorf("%w: %s lists %d features, domain %s has %d", ErrArtifactInvalid, s.Name, len(s.Features), s.Domain, width)
	}
	anomaly, inlier := -1, 1
	if s.AnomalyLabel != nil {
		anomaly = *s.AnomalyLabel
	}
	if s.InlierLabel != nil {
		inlier = *s.InlierLabel
	}
	if anomaly == inlier {
		return nil, fmt.Errorf("%w: %s: anomaly and inlier labels are both %d", ErrArtifactInvalid, s.Name, anomaly)
	}
	labels := labelPair{anomaly: anomaly, inlier: inlier}

	var artifact Artifact
	switch s.Kind {
	case KindLinear, KindLogistic:
		if len(s.Weights) != width {
			return nil, fmt.Errorf("%w: %s has %d weights, domain %s has %d features", ErrArtifactInvalid, s.Name, len(s.Weights), s.Domain, width)
		}
		if s.Kind == KindLinear {
			artifact = &linearModel{weights: s.Weights, bias: s.Bias, labels: labels}
			break
		}
		threshold := 0.5
		if s.Threshold != nil {
			threshold = *s.Threshold
		}
		artifact = &logisticModel{weights: s.Weights, bias: s.Bias, threshold: threshold, labels: labels}
	case KindBounds:
		if len(s.Bounds) != width {
			return nil, fmt.Errorf("%w: %s has %d bounds, domain %s has %d features", ErrArtifactInvalid, s.Name, len(s.Bounds), s.Domain, width)
		}
		artifact = &boundsModel{bounds: s.Bounds, labels: labels}
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrArtifactInvalid, s.Name, s.Kind)
	}
	return New(s.Name, s.Domain, artifact, anomaly), nil
}

type labelPair struct {
	anomaly, inlier int
}

func (l labelPair) of(anomalous bool) int {
	if anomalous {
		return l.anomaly
	}
	return l.inlier
}

func dot(weights []float64, vec types.FeatureVector, bias float64) (float64, error) {
	if len(vec) != len(weights) {
		return 0, fmt.Errorf("vector has %d features, model expects %d", len(vec), len(weights))
	}
	sum := bias
	for i, w := range weights {
		sum += w * vec[i]
	}
	return sum, nil
}

// linearModel follows the outlier detector convention: a negative
// decision value is an anomaly.
type linearModel struct {
	weights []float64
	bias    float64
	labels  labelPair
}

func (m *linearModel) DecisionFunction(vec types.FeatureVector) (float64, error) {
	return dot(m.weights, vec, m.bias)
}

func (m *linearModel) Predict(vec types.FeatureVector) (int, error) {
	d, err := m.DecisionFunction(vec)
	if err != nil {
		return 0, err
	}
	return m.labels.of(d < 0), nil
}

func (m *linearModel) PredictProba(types.FeatureVector) ([]float64, error) {
	return nil, ErrUnsupported
}

// logisticModel exposes class probabilities [inlier, anomaly] only.
type logisticModel struct {
	weights   []float64
	bias      float64
	threshold float64
	labels    labelPair
}

func (m *logisticModel) PredictProba(vec types.FeatureVector) ([]float64, error) {
	z, err := dot(m.weights, vec, m.bias)
	if err != nil {
		return nil, err
	}
	p := 1 / (1 + math.Exp(-z))
	return []float64{1 - p, p}, nil
}

func (m *logisticModel) Predict(vec types.FeatureVector) (int, error) {
	probs, err := m.PredictProba(vec)
	if err != nil {
		return 0, err
	}
	return m.labels.of(probs[1] >= m.threshold), nil
}

func (m *logisticModel) DecisionFunction(types.FeatureVector) (float64, error) {
	return 0, ErrUnsupported
}

// boundsModel flags any feature outside its trained range. It has no
// scoring API.
type boundsModel struct {
	bounds []Bound
	labels labelPair
}

func (m *boundsModel) Predict(vec types.FeatureVector) (int, error) {
	if len(vec) != len(m.bounds) {
		return 0, fmt.Errorf("vector has %d features, model expects %d", len(vec), len(m.bounds))
	}
	for i, b := range m.bounds {
		if vec[i] < b.Min || vec[i] > b.Max {
			return m.labels.anomaly, nil
		}
	}
	return m.labels.inlier, nil
}

func (m *boundsModel) DecisionFunction(types.FeatureVector) (float64, error) {
	return 0, ErrUnsupported
}

func (m *boundsModel) PredictProba(types.FeatureVector) ([]float64, error) {
	return nil, ErrUnsupported
}
