package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"keplerai/db"
	qhttp "keplerai/http"
	"keplerai/logging"
	"keplerai/metrics"
	"keplerai/predictor"
)

type Config struct {
	Http struct {
		Port           int      `yaml:"port"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		MaxUploadMB    int      `yaml:"max_upload_mb"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Model struct {
		Dir       string `yaml:"dir"`
		Watch     bool   `yaml:"watch"`
		CacheSize int    `yaml:"cache_size"`
	} `yaml:"model"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log logging.Config `yaml:"log"`
}

func main() {
	// 1. Load config (.env first so env overrides are visible)
	_ = godotenv.Load()
	config, err := loadConfig(envOr("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyEnvOverrides(config)

	logger, err := logging.New(config.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Initialize database
	store, err := db.NewStore(config.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", config.Database.Path))

	// 3. Load model. A missing artifact set is not fatal: the service
	// starts degraded and answers 503 until a model appears.
	m := metrics.New()
	clf := predictor.New(logger, m, config.Model.CacheSize)
	if err := clf.Reload(config.Model.Dir); err != nil {
		logger.Warn("model not loaded, serving degraded until artifacts appear",
			zap.String("dir", config.Model.Dir), zap.Error(err))
	}

	var watcher *predictor.Watcher
	if config.Model.Watch {
		watcher, err = predictor.NewWatcher(config.Model.Dir, clf, logger)
		if err != nil {
			logger.Warn("model watcher unavailable", zap.Error(err))
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// 4. Start HTTP server
	hub := qhttp.NewHub(logger)
	api := qhttp.NewAPI(clf, store, hub, m, logger)
	serverConfig := qhttp.DefaultServerConfig()
	if config.Http.Port != 0 {
		serverConfig.Port = config.Http.Port
	}
	if config.Http.TimeoutSeconds != 0 {
		serverConfig.Timeout = time.Duration(config.Http.TimeoutSeconds) * time.Second
	}
	if config.Http.MaxUploadMB != 0 {
		serverConfig.MaxUploadBytes = int64(config.Http.MaxUploadMB) << 20
	}
	if len(config.Http.AllowedOrigins) != 0 {
		serverConfig.AllowedOrigins = config.Http.AllowedOrigins
	}

	server := qhttp.NewServer(serverConfig, api, m, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 5. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("exiting")
}

func loadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Http.Port = p
		}
	}
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		config.Model.Dir = dir
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
