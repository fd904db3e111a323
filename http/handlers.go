package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"keplerai/db"
	"keplerai/metrics"
	"keplerai/ml"
	"keplerai/predictor"
	"keplerai/upload"
)

const (
	defaultSession  = "anonymous"
	defaultLimit    = 50
	maxLimit        = 500
	previewRowCount = 5
)

// Classifier 分类服务接口，预测路径的注入点
type Classifier interface {
	Normalize(raw map[string]float64) (map[string]float64, []float64, error)
	Predict(vector []float64) (predictor.Result, error)
	Info() (predictor.ModelInfo, error)
	Loaded() bool
}

// HistoryStore 历史存储接口
type HistoryStore interface {
	SavePrediction(session string, features map[string]float64, result predictor.Result) (int64, error)
	QueryHistory(session string, limit, offset int) ([]db.HistoryRecord, error)
}

// API 聚合所有请求处理依赖
type API struct {
	classifier Classifier
	store      HistoryStore
	hub        *Hub
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewAPI(classifier Classifier, store HistoryStore, hub *Hub, m *metrics.Metrics, logger *zap.Logger) *API {
	return &API{
		classifier: classifier,
		store:      store,
		hub:        hub,
		metrics:    m,
		logger:     logger,
	}
}

// RegisterRoutes 注册所有路由
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", a.handleHome)
	mux.HandleFunc("POST /api/predict", a.handlePredict)
	mux.HandleFunc("POST /api/upload", a.handleUpload)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/model/info", a.handleModelInfo)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.hub != nil {
		mux.HandleFunc("GET /api/ws/live", a.hub.HandleWS)
	}
}

func (a *API) handleHome(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "KeplerAI Backend API",
		"version":      "1.0.0",
		"status":       "running",
		"model_loaded": a.classifier.Loaded(),
	})
}

// predictRequest 预测请求体。指针字段区分缺失与零值。
type predictRequest struct {
	OrbitalPeriod               *float64 `json:"orbital_period"`
	TransitDuration             *float64 `json:"transit_duration"`
	TransitDepth                *float64 `json:"transit_depth"`
	PlanetaryRadius             *float64 `json:"planetary_radius"`
	EquilibriumTemperature      *float64 `json:"equilibrium_temperature"`
	InsolationFlux              *float64 `json:"insolation_flux"`
	TransitSignalToNoise        *float64 `json:"transit_signal_to_noise"`
	StellarEffectiveTemperature *float64 `json:"stellar_effective_temperature"`
	StellarRadius               *float64 `json:"stellar_radius"`
	ImpactParameter             *float64 `json:"impact_parameter"`
	DispositionScore            *float64 `json:"disposition_score"`
	StellarSurfaceGravity       *float64 `json:"stellar_surface_gravity"`
	SessionID                   string   `json:"session_id"`
}

func (req *predictRequest) rawFeatures() map[string]float64 {
	raw := make(map[string]float64)
	set := func(field string, value *float64) {
		if value != nil {
			raw[field] = *value
		}
	}
	set("orbital_period", req.OrbitalPeriod)
	set("transit_duration", req.TransitDuration)
	set("transit_depth", req.TransitDepth)
	set("planetary_radius", req.PlanetaryRadius)
	set("equilibrium_temperature", req.EquilibriumTemperature)
	set("insolation_flux", req.InsolationFlux)
	set("transit_signal_to_noise", req.TransitSignalToNoise)
	set("stellar_effective_temperature", req.StellarEffectiveTemperature)
	set("stellar_radius", req.StellarRadius)
	set("impact_parameter", req.ImpactParameter)
	set("disposition_score", req.DispositionScore)
	set("stellar_surface_gravity", req.StellarSurfaceGravity)
	return raw
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session := strings.TrimSpace(req.SessionID)
	if session == "" {
		session = defaultSession
	}

	features, vector, err := a.classifier.Normalize(req.rawFeatures())
	if err != nil {
		a.respondPredictError(w, err)
		return
	}
	result, err := a.classifier.Predict(vector)
	if err != nil {
		a.respondPredictError(w, err)
		return
	}

	id, err := a.store.SavePrediction(session, features, result)
	if err != nil {
		a.logger.Error("failed to store prediction", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store prediction")
		return
	}
	if a.metrics != nil {
		a.metrics.HistoryAppends.Inc()
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	if a.hub != nil {
		a.hub.BroadcastPrediction(LiveEvent{
			ID:        id,
			Session:   session,
			Result:    result,
			Timestamp: timestamp,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"result":    result,
		"timestamp": timestamp,
	})
}

// respondPredictError 将预测路径错误翻译为响应
func (a *API) respondPredictError(w http.ResponseWriter, err error) {
	var validation *ml.ValidationError
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, predictor.ErrModelNotLoaded):
		respondError(w, http.StatusServiceUnavailable, "model not loaded, please train the model first")
	case errors.Is(err, ml.ErrDimensionMismatch):
		// 服务端完整性故障，不暴露内部细节
		respondError(w, http.StatusInternalServerError, "model configuration error")
	default:
		a.logger.Error("prediction failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "prediction failed")
	}
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		respondError(w, http.StatusBadRequest, "no file selected")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	rows, rowErrs, err := upload.Parse(data, header.Filename)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrUnsupportedFormat):
			respondError(w, http.StatusBadRequest, "file type not allowed")
		case errors.Is(err, upload.ErrEmptyUpload):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	// 模型已加载时逐行过一遍归一化，把无效行并入行错误。
	// 行号用解析层带出的原始数据行号，跳过的坏行不会让编号错位。
	validRows := rows
	if a.classifier.Loaded() {
		validRows = validRows[:0:0]
		for _, row := range rows {
			if _, _, err := a.classifier.Normalize(row.Values); err != nil {
				rowErrs = append(rowErrs, upload.RowError{Row: row.Index, Reason: err.Error()})
				continue
			}
			validRows = append(validRows, row)
		}
		if len(validRows) == 0 {
			respondError(w, http.StatusBadRequest, upload.ErrEmptyUpload.Error())
			return
		}
	}

	if a.metrics != nil {
		a.metrics.UploadRowsTotal.Add(float64(len(validRows)))
		a.metrics.UploadRowErrors.Add(float64(len(rowErrs)))
	}

	preview := make([]map[string]float64, 0, previewRowCount)
	for _, row := range validRows {
		if len(preview) == previewRowCount {
			break
		}
		preview = append(preview, toWireNames(row.Values))
	}

	if rowErrs == nil {
		rowErrs = []upload.RowError{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"filename":     header.Filename,
		"rows_parsed":  len(validRows),
		"data_preview": preview,
		"row_errors":   rowErrs,
		"message":      "file uploaded successfully",
	})
}

// toWireNames 将模型列名转换回客户端字段名
func toWireNames(row map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(row))
	for column, value := range row {
		out[ml.WireField(column)] = value
	}
	return out
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	session := strings.TrimSpace(query.Get("session_id"))
	if session == "" {
		session = defaultSession
	}

	limit := defaultLimit
	if raw := query.Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = value
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset := 0
	if raw := query.Get("offset"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = value
	}

	history, err := a.store.QueryHistory(session, limit, offset)
	if err != nil {
		a.logger.Error("failed to query history", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"history": history,
		"count":   len(history),
	})
}

func (a *API) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.classifier.Info()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "model not loaded, please train the model first")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"model_info": info,
	})
}

// respondJSON 统一JSON响应
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError 统一错误响应
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
