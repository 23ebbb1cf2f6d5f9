package training

import (
	"encoding/json"
	"fmt"
	"time"
)

// ModelTypeLinear identifies artifacts produced by LinearModel.
const ModelTypeLinear = "linear_regression"

// Metadata describes how an artifact was produced.
type Metadata struct {
	RunID         string    `json:"run_id"`
	ModelType     string    `json:"model_type"`
	FeaturesCount int       `json:"features_count"`
	SamplesCount  int       `json:"samples_count"`
	TrainScore    float64   `json:"train_score"`
	TestScore     float64   `json:"test_score"`
	Epochs        int       `json:"epochs"`
	TrainedAt     time.Time `json:"trained_at"`
}

// Artifact is the serialized model: parameters, feature scaler and metadata.
type Artifact struct {
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
	Scaler   Scaler    `json:"scaler"`
	Metadata Metadata  `json:"metadata"`
}

// PredictReturn scales raw features and applies the linear model.
func (a Artifact) PredictReturn(features []float64) (float64, error) {
	if len(features) != len(a.Weights) {
		return 0, fmt.Errorf("artifact expects %d features, got %d", len(a.Weights), len(features))
	}
	return linear(a.Weights, a.Bias, a.Scaler.Transform(features)), nil
}

// Encode serializes the artifact.
func (a Artifact) Encode() ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return payload, nil
}

// DecodeArtifact parses a stored artifact.
func DecodeArtifact(payload []byte) (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	if len(a.Scaler.Means) != len(a.Weights) || len(a.Scaler.Stds) != len(a.Weights) {
		return Artifact{}, fmt.Errorf("decode artifact: scaler does not match %d weights", len(a.Weights))
	}
	return a, nil
}
