package training

import (
	"math"
)

// Dataset is a feature matrix with one target per row.
type Dataset struct {
	X [][]float64
	Y []float64
}

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d.Y) }

// EpochStats is reported after every epoch.
type EpochStats struct {
	Loss     float64
	Accuracy float64
}

// Model is trained one epoch at a time. An epoch is never interrupted.
type Model interface {
	TrainEpoch() (EpochStats, error)
	// Parameters returns the fitted weights and bias for the artifact.
	Parameters() (weights []float64, bias float64)
}

// ModelFactory builds a model over an already scaled training set.
type ModelFactory func(train Dataset, learningRate float64) Model

// LinearModel is a least-squares regressor fitted by full-batch gradient descent.
type LinearModel struct {
	data    Dataset
	weights []float64
	bias    float64
	lr      float64
}

// NewLinearModel is the default ModelFactory.
func NewLinearModel(train Dataset, learningRate float64) Model {
	features := 0
	if train.Len() > 0 {
		features = len(train.X[0])
	}
	return &LinearModel{data: train, weights: make([]float64, features), lr: learningRate}
}

// TrainEpoch applies one gradient step over the whole training set.
func (m *LinearModel) TrainEpoch() (EpochStats, error) {
	n := m.data.Len()
	if n == 0 {
		return EpochStats{}, ErrInsufficientData
	}

	grad := make([]float64, len(m.weights))
	var gradBias float64
	for i, x := range m.data.X {
		diff := m.predict(x) - m.data.Y[i]
		for j, v := range x {
			grad[j] += diff * v
		}
		gradBias += diff
	}
	scale := 2 * m.lr / float64(n)
	for j := range m.weights {
		m.weights[j] -= scale * grad[j]
	}
	m.bias -= scale * gradBias

	stats := evaluate(m.data, m.predict)
	if math.IsNaN(stats.Loss) || math.IsInf(stats.Loss, 0) {
		return stats, errDiverged
	}
	return stats, nil
}

// Parameters returns copies of the fitted parameters.
func (m *LinearModel) Parameters() ([]float64, float64) {
	return append([]float64(nil), m.weights...), m.bias
}

func (m *LinearModel) predict(x []float64) float64 {
	return linear(m.weights, m.bias, x)
}

func linear(weights []float64, bias float64, x []float64) float64 {
	out := bias
	for j, w := range weights {
		if j < len(x) {
			out += w * x[j]
		}
	}
	return out
}

// evaluate returns MSE and directional accuracy of predict over d.
func evaluate(d Dataset, predict func([]float64) float64) EpochStats {
	if d.Len() == 0 {
		return EpochStats{}
	}
	var sse float64
	hits := 0
	for i, x := range d.X {
		p := predict(x)
		diff := p - d.Y[i]
		sse += diff * diff
		if (p >= 0) == (d.Y[i] >= 0) {
			hits++
		}
	}
	return EpochStats{Loss: sse / float64(d.Len()), Accuracy: float64(hits) / float64(d.Len())}
}

// r2 is the coefficient of determination, zero when undefined.
func r2(d Dataset, predict func([]float64) float64) float64 {
	if d.Len() < 2 {
		return 0
	}
	var m float64
	for _, y := range d.Y {
		m += y
	}
	m /= float64(d.Len())

	var ssRes, ssTot float64
	for i, x := range d.X {
		diff := d.Y[i] - predict(x)
		ssRes += diff * diff
		dev := d.Y[i] - m
		ssTot += dev * dev
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// Scaler standardises features to zero mean and unit variance.
type Scaler struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// FitScaler learns per-column mean and standard deviation. Constant columns get std 1.
func FitScaler(x [][]float64) Scaler {
	if len(x) == 0 {
		return Scaler{}
	}
	cols := len(x[0])
	s := Scaler{Means: make([]float64, cols), Stds: make([]float64, cols)}
	for _, row := range x {
		for j, v := range row {
			s.Means[j] += v
		}
	}
	for j := range s.Means {
		s.Means[j] /= float64(len(x))
	}
	for _, row := range x {
		for j, v := range row {
			d := v - s.Means[j]
			s.Stds[j] += d * d
		}
	}
	for j := range s.Stds {
		s.Stds[j] = math.Sqrt(s.Stds[j] / float64(len(x)))
		if s.Stds[j] == 0 {
			s.Stds[j] = 1
		}
	}
	return s
}

// Transform returns a scaled copy of row.
func (s Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		if j >= len(s.Means) {
			out[j] = v
			continue
		}
		out[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return out
}

func (s Scaler) transformAll(d Dataset) Dataset {
	out := Dataset{X: make([][]float64, len(d.X)), Y: d.Y}
	for i, row := range d.X {
		out.X[i] = s.Transform(row)
	}
	return out
}
