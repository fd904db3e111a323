package ml

import (
	"fmt"
	"math"
)

// ValidationError reports a single bad input field. The Field carries the
// wire name so the message is meaningful to API clients.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// Wire field names are the client contract and must never change.
// Model column names are what the classifier was trained on.
var fieldToColumn = map[string]string{
	"orbital_period":                "koi_period",
	"transit_duration":              "koi_duration",
	"transit_depth":                 "koi_depth",
	"planetary_radius":              "koi_prad",
	"equilibrium_temperature":       "koi_teq",
	"insolation_flux":               "koi_insol",
	"transit_signal_to_noise":       "koi_model_snr",
	"stellar_effective_temperature": "koi_steff",
	"stellar_radius":                "koi_srad",
	"impact_parameter":              "koi_impact",
	"disposition_score":             "koi_score",
	"stellar_surface_gravity":       "koi_slogg",
}

var columnToField = func() map[string]string {
	m := make(map[string]string, len(fieldToColumn))
	for field, column := range fieldToColumn {
		m[column] = field
	}
	return m
}()

// ModelColumns returns the feature columns in training order. The first
// nine are required, the last three are optional with defaults taken from
// the model metadata.
func ModelColumns() []string {
	return []string{
		"koi_period",
		"koi_duration",
		"koi_depth",
		"koi_prad",
		"koi_teq",
		"koi_insol",
		"koi_model_snr",
		"koi_steff",
		"koi_srad",
		"koi_impact",
		"koi_score",
		"koi_slogg",
	}
}

// RequiredColumns returns the columns a request must supply.
func RequiredColumns() []string {
	return ModelColumns()[:9]
}

// OptionalColumns returns the columns filled from metadata defaults when
// absent.
func OptionalColumns() []string {
	return ModelColumns()[9:]
}

// WireField maps a model column back to its wire name.
func WireField(column string) string {
	if field, ok := columnToField[column]; ok {
		return field
	}
	return column
}

// CanonicalColumn resolves either a wire name or a model column name to
// the model column. ok is false for unknown names.
func CanonicalColumn(name string) (string, bool) {
	if column, ok := fieldToColumn[name]; ok {
		return column, true
	}
	if _, ok := columnToField[name]; ok {
		return name, true
	}
	return "", false
}

type bounds struct {
	min    float64
	strict bool // value must be strictly greater than min
	max    float64
	hasMax bool
}

// Physical sanity bounds per column. Values outside these never came from
// a real transit fit.
var columnBounds = map[string]bounds{
	"koi_period":    {min: 0, strict: true},
	"koi_duration":  {min: 0, strict: true},
	"koi_depth":     {min: 0},
	"koi_prad":      {min: 0, strict: true},
	"koi_teq":       {min: 0, strict: true},
	"koi_insol":     {min: 0},
	"koi_model_snr": {min: 0},
	"koi_steff":     {min: 0, strict: true},
	"koi_srad":      {min: 0, strict: true},
	"koi_impact":    {min: 0},
	"koi_score":     {min: 0, max: 1, hasMax: true},
	"koi_slogg":     {min: math.Inf(-1)},
}

func validateValue(column string, value float64) error {
	field := WireField(column)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	b, ok := columnBounds[column]
	if !ok {
		return nil
	}
	if b.strict && value <= b.min {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be greater than %g", b.min)}
	}
	if !b.strict && value < b.min {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at least %g", b.min)}
	}
	if b.hasMax && value > b.max {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %g", b.max)}
	}
	return nil
}

// Schema describes the feature layout of one trained model: the column
// order the forest expects and the training-time defaults for optional
// columns. It is loaded from the model metadata, never hard-coded, so
// serving defaults cannot drift from training imputation.
type Schema struct {
	Columns  []string
	Defaults map[string]float64
}

// Normalize validates a raw feature mapping and produces the feature
// vector in the schema's column order. Keys may be wire names or model
// columns. Pure function: raw is never modified.
func (s *Schema) Normalize(raw map[string]float64) ([]float64, error) {
	values := make(map[string]float64, len(raw))
	for name, value := range raw {
		column, ok := CanonicalColumn(name)
		if !ok {
			// Unknown keys are ignored so uploads with extra catalog
			// columns still normalize.
			continue
		}
		values[column] = value
	}

	vector := make([]float64, len(s.Columns))
	for i, column := range s.Columns {
		value, present := values[column]
		if !present {
			def, hasDefault := s.Defaults[column]
			if !hasDefault {
				return nil, &ValidationError{Field: WireField(column), Reason: "required field is missing"}
			}
			vector[i] = def
			continue
		}
		if err := validateValue(column, value); err != nil {
			return nil, err
		}
		vector[i] = value
	}
	return vector, nil
}
