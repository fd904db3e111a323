package predictor

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"keplerai/ml"
)

// ErrModelNotLoaded is returned while no artifact set is loaded. The HTTP
// boundary maps it to service-unavailable.
var ErrModelNotLoaded = errors.New("model not loaded")

// Result is one immutable classification outcome. Persisted verbatim into
// history and broadcast to live subscribers.
type Result struct {
	Prediction       string             `json:"prediction"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	MaxConfidence    float64            `json:"max_confidence"`
	FeaturesUsed     []string           `json:"features_used"`
}

// ModelInfo describes the loaded classifier for /api/model/info.
type ModelInfo struct {
	ModelType    string   `json:"model_type"`
	Features     []string `json:"features"`
	Classes      []string `json:"classes"`
	ModelLoaded  bool     `json:"model_loaded"`
	FeatureCount int      `json:"feature_count"`
}

// MetricsSink receives prediction outcomes. Satisfied by metrics.Metrics;
// nil-safe so tests can run without a registry.
type MetricsSink interface {
	PredictionMade(label string, confidence float64)
	PredictionFailed()
	CacheHit()
}

// Predictor owns the loaded model bundle for the process lifetime. The
// bundle is read-only between reloads; Reload swaps it under the write
// lock so in-flight requests keep the bundle they started with.
type Predictor struct {
	mu     sync.RWMutex
	bundle *ml.Bundle

	cache   *lru.Cache[string, Result]
	logger  *zap.Logger
	metrics MetricsSink
}

func New(logger *zap.Logger, metrics MetricsSink, cacheSize int) *Predictor {
	p := &Predictor{logger: logger, metrics: metrics}
	if cacheSize > 0 {
		// Inference is deterministic for a loaded bundle, so cached
		// results are exact. The cache is dropped on reload.
		cache, err := lru.New[string, Result](cacheSize)
		if err == nil {
			p.cache = cache
		}
	}
	return p
}

// Reload loads the artifact set from dir and swaps it in atomically.
// A failed load keeps the previous bundle.
func (p *Predictor) Reload(dir string) error {
	bundle, err := ml.LoadBundle(dir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.bundle = bundle
	if p.cache != nil {
		p.cache.Purge()
	}
	p.mu.Unlock()

	p.logger.Info("model loaded",
		zap.String("model_type", bundle.Meta.ModelType),
		zap.Int("features", bundle.Forest.NumFeatures),
		zap.Int("trees", len(bundle.Forest.Trees)),
		zap.Strings("classes", bundle.Meta.Classes))
	return nil
}

// Loaded reports whether a bundle is available.
func (p *Predictor) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bundle != nil
}

// Info returns the static model description.
func (p *Predictor) Info() (ModelInfo, error) {
	p.mu.RLock()
	bundle := p.bundle
	p.mu.RUnlock()
	if bundle == nil {
		return ModelInfo{}, ErrModelNotLoaded
	}
	return ModelInfo{
		ModelType:    bundle.Meta.ModelType,
		Features:     bundle.Meta.Features,
		Classes:      bundle.Meta.Classes,
		ModelLoaded:  true,
		FeatureCount: len(bundle.Meta.Features),
	}, nil
}

// Normalize validates a raw feature mapping against the loaded schema and
// returns the canonical feature mapping plus the ordered vector. The
// mapping is what history stores; the vector feeds Predict.
func (p *Predictor) Normalize(raw map[string]float64) (map[string]float64, []float64, error) {
	p.mu.RLock()
	bundle := p.bundle
	p.mu.RUnlock()
	if bundle == nil {
		return nil, nil, ErrModelNotLoaded
	}

	vector, err := bundle.Schema().Normalize(raw)
	if err != nil {
		return nil, nil, err
	}
	features := make(map[string]float64, len(vector))
	for i, column := range bundle.Meta.Features {
		features[column] = vector[i]
	}
	return features, vector, nil
}

// Predict scales the vector and runs the forest. Deterministic: identical
// input against the same bundle yields an identical Result.
func (p *Predictor) Predict(vector []float64) (Result, error) {
	p.mu.RLock()
	bundle := p.bundle
	p.mu.RUnlock()
	if bundle == nil {
		return Result{}, ErrModelNotLoaded
	}

	key := cacheKey(vector)
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			if p.metrics != nil {
				p.metrics.CacheHit()
			}
			return cached, nil
		}
	}

	scaled, err := bundle.Scaler.Transform(vector)
	if err != nil {
		p.failed(err)
		return Result{}, err
	}
	labelIdx, proba, err := bundle.Forest.Predict(scaled)
	if err != nil {
		p.failed(err)
		return Result{}, err
	}

	scores := make(map[string]float64, len(bundle.Meta.Classes))
	for class, prob := range proba {
		scores[bundle.Meta.Classes[class]] = prob
	}
	result := Result{
		Prediction:       bundle.Meta.Classes[labelIdx],
		ConfidenceScores: scores,
		MaxConfidence:    proba[labelIdx],
		FeaturesUsed:     bundle.Meta.Features,
	}

	if p.cache != nil {
		p.cache.Add(key, result)
	}
	if p.metrics != nil {
		p.metrics.PredictionMade(result.Prediction, result.MaxConfidence)
	}
	return result, nil
}

func (p *Predictor) failed(err error) {
	if p.metrics != nil {
		p.metrics.PredictionFailed()
	}
	if errors.Is(err, ml.ErrDimensionMismatch) {
		// Deployment fault, not a client problem.
		p.logger.Error("feature dimension mismatch between normalizer and model", zap.Error(err))
	}
}

func cacheKey(vector []float64) string {
	var sb strings.Builder
	for i, v := range vector {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}
