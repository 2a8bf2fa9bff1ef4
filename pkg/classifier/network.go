package classifier

import (
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"github.com/itohio/icumon/pkg/wire"
	"gopkg.in/yaml.v3"
)

// Activation functions.
const (
	Linear  = "linear"
	ReLU    = "relu"
	Softmax = "softmax"
)

// Layer is one dense layer. Weights has one row per output unit.
type Layer struct {
	Weights    [][]float32 `yaml:"weights"`
	Biases     []float32   `yaml:"biases"`
	Activation string      `yaml:"activation"`
}

// Model is a trained network together with its normalization table.
type Model struct {
	Features []string  `yaml:"features"`
	Means    []float64 `yaml:"means"`
	Stds     []float64 `yaml:"stds"`
	Layers   []Layer   `yaml:"layers"`
}

// LoadModel reads a model from a YAML file.
func LoadModel(filename string) (*Model, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model file: %w", err)
	}
	return &m, nil
}

// Validate checks the feature order and the layer shapes.
func (m *Model) Validate() error {
	if len(m.Features) > 0 {
		if len(m.Features) != NumFeatures {
			return fmt.Errorf("model has %d features, want %d", len(m.Features), NumFeatures)
		}
		for i, name := range m.Features {
			if name != FeatureNames[i] {
				return fmt.Errorf("feature %d is %q, want %q", i, name, FeatureNames[i])
			}
		}
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("model has no layers")
	}

	in := NumFeatures
	for i, l := range m.Layers {
		if len(l.Weights) == 0 || len(l.Weights) != len(l.Biases) {
			return fmt.Errorf("layer %d: %d weight rows for %d biases", i, len(l.Weights), len(l.Biases))
		}
		for j, row := range l.Weights {
			if len(row) != in {
				return fmt.Errorf("layer %d: row %d has %d inputs, want %d", i, j, len(row), in)
			}
		}
		switch l.Activation {
		case "", Linear, ReLU, Softmax:
		default:
			return fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}
		in = len(l.Weights)
	}
	if in != NumClasses {
		return fmt.Errorf("model outputs %d classes, want %d", in, NumClasses)
	}
	return nil
}

// Network is a feed-forward dense network classifier.
type Network struct {
	norm   *Normalizer
	layers []Layer
}

var _ Classifier = (*Network)(nil)

// NewNetwork validates m and builds a classifier from it. The model's
// normalization table is used when it has one, otherwise means and stds.
func NewNetwork(m *Model, means, stds []float64) (*Network, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	if len(m.Means) > 0 || len(m.Stds) > 0 {
		means, stds = m.Means, m.Stds
	}
	norm, err := NewNormalizer(means, stds)
	if err != nil {
		return nil, err
	}
	return &Network{norm: norm, layers: m.Layers}, nil
}

// Classify normalizes f, runs one forward pass and picks the most probable state.
func (n *Network) Classify(f FeatureVector) (Result, error) {
	z := n.norm.Apply(f)

	x := make([]float32, NumFeatures)
	for i, v := range z {
		x[i] = float32(v)
	}
	for _, l := range n.layers {
		x = forward(l, x)
	}

	var res Result
	for i, v := range x {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return Result{}, fmt.Errorf("%w: output %d is %v", ErrInference, i, v)
		}
		res.Probabilities[i] = float64(v)
	}
	res.State = wire.Condition(Argmax(res.Probabilities[:]))
	return res, nil
}

func forward(l Layer, x []float32) []float32 {
	y := make([]float32, len(l.Weights))
	for i, row := range l.Weights {
		acc := l.Biases[i]
		for j, w := range row {
			acc += w * x[j]
		}
		y[i] = acc
	}

	switch l.Activation {
	case ReLU:
		for i, v := range y {
			y[i] = math32.Max(v, 0)
		}
	case Softmax:
		softmax(y)
	}
	return y
}

func softmax(y []float32) {
	hi := y[0]
	for _, v := range y[1:] {
		hi = math32.Max(hi, v)
	}
	var sum float32
	for i, v := range y {
		y[i] = math32.Exp(v - hi)
		sum += y[i]
	}
	for i := range y {
		y[i] /= sum
	}
}

// DefaultModel returns the built-in network. Its hidden layer splits every
// z-score into positive and negative parts, so the output layer sees the
// summed absolute deviation s from the population means. Normal wins below
// s = 4, Serious above s = 9 and Recovery in between.
func DefaultModel() *Model {
	hidden := Layer{Activation: ReLU}
	for i := range NumFeatures {
		pos := make([]float32, NumFeatures)
		neg := make([]float32, NumFeatures)
		pos[i], neg[i] = 1, -1
		hidden.Weights = append(hidden.Weights, pos, neg)
		hidden.Biases = append(hidden.Biases, 0, 0)
	}

	out := Layer{
		Activation: Softmax,
		Biases:     []float32{6, 1, -3.5},
	}
	for _, k := range []float32{-1, 0.25, 0.75} {
		row := make([]float32, 2*NumFeatures)
		for i := range row {
			row[i] = k
		}
		out.Weights = append(out.Weights, row)
	}

	return &Model{
		Features: FeatureNames[:],
		Layers:   []Layer{hidden, out},
	}
}
