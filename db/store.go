package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"keplerai/predictor"
)

// HistoryRecord is one persisted prediction. Immutable once written.
type HistoryRecord struct {
	ID               int64              `json:"id"`
	Timestamp        string             `json:"timestamp"`
	InputFeatures    map[string]float64 `json:"input_features"`
	Prediction       string             `json:"prediction"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	MaxConfidence    float64            `json:"max_confidence"`
}

// Store is the append-only prediction history backed by SQLite. Appends
// are single atomic inserts; SQLite serializes them, so no cross-request
// locking is needed.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxLifetime(1 * time.Hour)

	store := &Store{db: database}
	if err := store.createTables(); err != nil {
		database.Close()
		return nil, fmt.Errorf("storage: create tables: %w", err)
	}
	return store, nil
}

func (s *Store) createTables() error {
	query := `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL,
        input_features TEXT NOT NULL,
        prediction TEXT NOT NULL,
        confidence_scores TEXT NOT NULL,
        max_confidence REAL NOT NULL,
        user_session TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_session
        ON predictions(user_session, id DESC);
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePrediction appends one record and returns its id.
func (s *Store) SavePrediction(session string, features map[string]float64, result predictor.Result) (int64, error) {
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return 0, fmt.Errorf("storage: encode features: %w", err)
	}
	scoresJSON, err := json.Marshal(result.ConfidenceScores)
	if err != nil {
		return 0, fmt.Errorf("storage: encode scores: %w", err)
	}

	res, err := s.db.Exec(`
        INSERT INTO predictions (timestamp, input_features, prediction, confidence_scores, max_confidence, user_session)
        VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339),
		string(featuresJSON),
		result.Prediction,
		string(scoresJSON),
		result.MaxConfidence,
		session,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: insert prediction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: last insert id: %w", err)
	}
	return id, nil
}

// QueryHistory returns the session's records newest first. An unknown
// session yields an empty slice, not an error.
func (s *Store) QueryHistory(session string, limit, offset int) ([]HistoryRecord, error) {
	rows, err := s.db.Query(`
        SELECT id, timestamp, input_features, prediction, confidence_scores, max_confidence
        FROM predictions
        WHERE user_session = ?
        ORDER BY id DESC
        LIMIT ? OFFSET ?`, session, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: query history: %w", err)
	}
	defer rows.Close()

	history := make([]HistoryRecord, 0)
	for rows.Next() {
		var record HistoryRecord
		var featuresJSON, scoresJSON string
		if err := rows.Scan(&record.ID, &record.Timestamp, &featuresJSON, &record.Prediction, &scoresJSON, &record.MaxConfidence); err != nil {
			return nil, fmt.Errorf("storage: scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(featuresJSON), &record.InputFeatures); err != nil {
			return nil, fmt.Errorf("storage: decode features for record %d: %w", record.ID, err)
		}
		if err := json.Unmarshal([]byte(scoresJSON), &record.ConfidenceScores); err != nil {
			return nil, fmt.Errorf("storage: decode scores for record %d: %w", record.ID, err)
		}
		history = append(history, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate history: %w", err)
	}
	return history, nil
}
