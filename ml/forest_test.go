package ml

import (
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
)

// separableSet builds a three-class set with well-separated clusters.
func separableSet() ([][]float64, []int) {
	var features [][]float64
	var labels []int
	for i := 0; i < 30; i++ {
		jitter := float64(i%5) / 50
		features = append(features, []float64{0.1 + jitter, 0.1 - jitter})
		labels = append(labels, 0)
		features = append(features, []float64{0.5 + jitter, 0.5 - jitter})
		labels = append(labels, 1)
		features = append(features, []float64{0.9 + jitter, 0.9 - jitter})
		labels = append(labels, 2)
	}
	return features, labels
}

func TestTrainForestPredict(t *testing.T) {
	features, labels := separableSet()
	forest, err := TrainForest(features, labels, ForestOptions{Trees: 20, MaxDepth: 5, Seed: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		vector []float64
		want   int
	}{
		{[]float64{0.1, 0.1}, 0},
		{[]float64{0.5, 0.5}, 1},
		{[]float64{0.9, 0.9}, 2},
	}
	for _, tt := range tests {
		label, proba, err := forest.Predict(tt.vector)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if label != tt.want {
			t.Fatalf("expected label %d for %v, got %d", tt.want, tt.vector, label)
		}
		for _, p := range proba {
			if p > proba[label] {
				t.Fatalf("label must be the arg-max of the distribution: %v", proba)
			}
		}
	}
}

func TestPredictProbaDistribution(t *testing.T) {
	features, labels := separableSet()
	forest, err := TrainForest(features, labels, ForestOptions{Trees: 15, MaxDepth: 4, Seed: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	proba, err := forest.PredictProba([]float64{0.45, 0.52})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum := 0.0
	for _, p := range proba {
		if p < 0 || p > 1 {
			t.Fatalf("probability out of range: %f", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("probabilities must sum to 1, got %f", sum)
	}
}

func TestPredictDeterministic(t *testing.T) {
	features, labels := separableSet()
	forest, err := TrainForest(features, labels, ForestOptions{Trees: 10, MaxDepth: 4, Seed: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vector := []float64{0.48, 0.51}
	first, err := forest.PredictProba(vector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := forest.PredictProba(vector)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("inference must be deterministic: %v vs %v", first, again)
		}
	}
}

func TestTrainDeterministicForSeed(t *testing.T) {
	features, labels := separableSet()
	a, err := TrainForest(features, labels, ForestOptions{Trees: 5, MaxDepth: 3, Seed: 11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := TrainForest(features, labels, ForestOptions{Trees: 5, MaxDepth: 3, Seed: 11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed must produce the same forest")
	}
}

func TestPredictDimensionMismatch(t *testing.T) {
	features, labels := separableSet()
	forest, err := TrainForest(features, labels, ForestOptions{Trees: 3, MaxDepth: 3, Seed: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := forest.PredictProba([]float64{0.1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := forest.PredictProba([]float64{0.1, 0.2, 0.3}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestForestSaveLoad(t *testing.T) {
	features, labels := separableSet()
	forest, err := TrainForest(features, labels, ForestOptions{Trees: 4, MaxDepth: 3, Seed: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "forest.json")
	if err := forest.Save(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, err := LoadForest(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vector := []float64{0.9, 0.85}
	want, err := forest.PredictProba(vector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := loaded.PredictProba(vector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("loaded forest must predict identically: %v vs %v", want, got)
	}
}

func TestTrainForestInputValidation(t *testing.T) {
	if _, err := TrainForest(nil, nil, ForestOptions{}); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := TrainForest([][]float64{{1}}, []int{0, 1}, ForestOptions{}); err == nil {
		t.Fatal("expected error for size mismatch")
	}
	if _, err := TrainForest([][]float64{{1}}, []int{-1}, ForestOptions{}); err == nil {
		t.Fatal("expected error for negative label")
	}
}

func TestUntrainedForest(t *testing.T) {
	forest := &RandomForest{}
	if _, err := forest.PredictProba([]float64{1}); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
	if err := forest.Save("ignored"); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
}
