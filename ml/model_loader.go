package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Artifact file names inside the model directory.
const (
	ForestFile   = "forest.json"
	ScalerFile   = "scaler.json"
	MetadataFile = "metadata.json"
)

// Metadata is the versioned description of one trained artifact set.
// Defaults are the training-set medians used to impute absent optional
// fields, recorded by the trainer so serving can never drift from
// training-time imputation.
type Metadata struct {
	ModelType string             `json:"model_type"`
	Features  []string           `json:"features"`
	Classes   []string           `json:"classes"`
	Defaults  map[string]float64 `json:"defaults"`
	TrainedAt time.Time          `json:"trained_at"`
}

// Bundle is one complete loaded model: forest, scaler and metadata,
// mutually consistent. Read-only after load.
type Bundle struct {
	Forest *RandomForest
	Scaler *StandardScaler
	Meta   Metadata
}

// Schema builds the feature schema this bundle normalizes against.
func (b *Bundle) Schema() *Schema {
	return &Schema{Columns: b.Meta.Features, Defaults: b.Meta.Defaults}
}

// LoadBundle loads and cross-validates the artifact set in dir. Any
// disagreement between the three files is a deployment fault and fails
// the load.
func LoadBundle(dir string) (*Bundle, error) {
	forest, err := LoadForest(filepath.Join(dir, ForestFile))
	if err != nil {
		return nil, fmt.Errorf("load forest: %w", err)
	}
	scaler, err := LoadScaler(filepath.Join(dir, ScalerFile))
	if err != nil {
		return nil, fmt.Errorf("load scaler: %w", err)
	}
	meta, err := loadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	if len(meta.Features) != forest.NumFeatures {
		return nil, fmt.Errorf("metadata lists %d features but forest expects %d", len(meta.Features), forest.NumFeatures)
	}
	if scaler.Dims() != forest.NumFeatures {
		return nil, fmt.Errorf("scaler has %d columns but forest expects %d", scaler.Dims(), forest.NumFeatures)
	}
	if len(meta.Classes) != forest.NumClasses {
		return nil, fmt.Errorf("metadata lists %d classes but forest has %d", len(meta.Classes), forest.NumClasses)
	}
	known := make(map[string]bool, len(ModelColumns()))
	for _, column := range ModelColumns() {
		known[column] = true
	}
	for _, column := range meta.Features {
		if !known[column] {
			return nil, fmt.Errorf("metadata names unknown feature column %q", column)
		}
	}
	for _, column := range OptionalColumns() {
		if _, ok := meta.Defaults[column]; !ok {
			return nil, fmt.Errorf("metadata is missing the default for optional column %q", column)
		}
	}

	return &Bundle{Forest: forest, Scaler: scaler, Meta: meta}, nil
}

func loadMetadata(path string) (Metadata, error) {
	var meta Metadata
	payload, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return meta, err
	}
	if meta.ModelType == "" || len(meta.Features) == 0 || len(meta.Classes) == 0 {
		return meta, fmt.Errorf("malformed metadata file")
	}
	return meta, nil
}

// SaveMetadata writes the metadata artifact.
func SaveMetadata(path string, meta Metadata) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}
