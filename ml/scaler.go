package ml

import (
	"encoding/json"
	"errors"
	"math"
	"os"
)

// StandardScaler applies the z-score transform fitted at training time.
// Mean and Scale are per-column over the training set.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *StandardScaler) Fit(samples [][]float64) error {
	if len(samples) == 0 {
		return errors.New("samples is empty")
	}
	dims := len(samples[0])
	if dims == 0 {
		return errors.New("samples have no columns")
	}

	mean := make([]float64, dims)
	for _, sample := range samples {
		if len(sample) != dims {
			return errors.New("inconsistent sample width")
		}
		for i, value := range sample {
			mean[i] += value
		}
	}
	for i := range mean {
		mean[i] /= float64(len(samples))
	}

	scale := make([]float64, dims)
	for _, sample := range samples {
		for i, value := range sample {
			diff := value - mean[i]
			scale[i] += diff * diff
		}
	}
	for i := range scale {
		scale[i] = math.Sqrt(scale[i] / float64(len(samples)))
		if scale[i] == 0 {
			// Constant column: pass through unscaled.
			scale[i] = 1
		}
	}

	s.Mean = mean
	s.Scale = scale
	return nil
}

func (s *StandardScaler) Transform(vector []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, errors.New("scaler not fitted")
	}
	if len(vector) != len(s.Mean) {
		return nil, ErrDimensionMismatch
	}
	scaled := make([]float64, len(vector))
	for i, value := range vector {
		scaled[i] = (value - s.Mean[i]) / s.Scale[i]
	}
	return scaled, nil
}

func (s *StandardScaler) Dims() int {
	return len(s.Mean)
}

func (s *StandardScaler) Save(path string) error {
	if len(s.Mean) == 0 {
		return errors.New("scaler not fitted")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func LoadScaler(path string) (*StandardScaler, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scaler StandardScaler
	if err := json.Unmarshal(payload, &scaler); err != nil {
		return nil, err
	}
	if len(scaler.Mean) == 0 || len(scaler.Mean) != len(scaler.Scale) {
		return nil, errors.New("malformed scaler file")
	}
	return &scaler, nil
}
