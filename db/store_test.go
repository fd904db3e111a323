package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"keplerai/predictor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult(label string, confidence float64) predictor.Result {
	return predictor.Result{
		Prediction: label,
		ConfidenceScores: map[string]float64{
			"CANDIDATE":      confidence,
			"CONFIRMED":      1 - confidence,
			"FALSE POSITIVE": 0,
		},
		MaxConfidence: confidence,
	}
}

func TestStoreSaveAndQuery(t *testing.T) {
	store := openTestStore(t)

	features := map[string]float64{"koi_period": 3.52, "koi_depth": 615.8}
	id, err := store.SavePrediction("alice", features, sampleResult("CANDIDATE", 0.82))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want positive", id)
	}

	history, err := store.QueryHistory("alice", 50, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d records, want 1", len(history))
	}
	record := history[0]
	if record.ID != id {
		t.Fatalf("record id = %d, want %d", record.ID, id)
	}
	if record.Prediction != "CANDIDATE" || record.MaxConfidence != 0.82 {
		t.Fatalf("round trip mangled the result: %+v", record)
	}
	if record.InputFeatures["koi_period"] != 3.52 {
		t.Fatal("round trip mangled the input features")
	}
	if record.Timestamp == "" {
		t.Fatal("timestamp not recorded")
	}
}

func TestStoreNewestFirst(t *testing.T) {
	store := openTestStore(t)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := store.SavePrediction("alice",
			map[string]float64{"koi_period": float64(i)},
			sampleResult("CONFIRMED", 0.9))
		if err != nil {
			t.Fatalf("save #%d: %v", i, err)
		}
		ids = append(ids, id)
	}

	history, err := store.QueryHistory("alice", 50, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("got %d records, want 5", len(history))
	}
	for i, record := range history {
		want := ids[len(ids)-1-i]
		if record.ID != want {
			t.Fatalf("record %d has id %d, want %d (newest first)", i, record.ID, want)
		}
	}
}

func TestStoreLimitOffset(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 10; i++ {
		if _, err := store.SavePrediction("alice",
			map[string]float64{"koi_period": float64(i)},
			sampleResult("CANDIDATE", 0.7)); err != nil {
			t.Fatalf("save #%d: %v", i, err)
		}
	}

	page1, err := store.QueryHistory("alice", 4, 0)
	if err != nil {
		t.Fatalf("query page 1: %v", err)
	}
	page2, err := store.QueryHistory("alice", 4, 4)
	if err != nil {
		t.Fatalf("query page 2: %v", err)
	}
	if len(page1) != 4 || len(page2) != 4 {
		t.Fatalf("page sizes = %d, %d, want 4, 4", len(page1), len(page2))
	}
	if page1[3].ID <= page2[0].ID {
		t.Fatal("pages overlap or lost ordering")
	}
}

func TestStoreSessionIsolation(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.SavePrediction("alice", map[string]float64{"koi_period": 1}, sampleResult("CANDIDATE", 0.8)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.SavePrediction("bob", map[string]float64{"koi_period": 2}, sampleResult("CONFIRMED", 0.9)); err != nil {
		t.Fatalf("save: %v", err)
	}

	alice, err := store.QueryHistory("alice", 50, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(alice) != 1 || alice[0].Prediction != "CANDIDATE" {
		t.Fatalf("session filter leaked records: %+v", alice)
	}
}

func TestStoreUnknownSessionEmpty(t *testing.T) {
	store := openTestStore(t)

	history, err := store.QueryHistory("nobody", 50, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if history == nil {
		t.Fatal("want an empty slice, got nil")
	}
	if len(history) != 0 {
		t.Fatalf("got %d records for an unknown session", len(history))
	}
}

func TestStoreManySessions(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 20; i++ {
		session := fmt.Sprintf("session-%d", i%4)
		if _, err := store.SavePrediction(session,
			map[string]float64{"koi_period": float64(i)},
			sampleResult("FALSE POSITIVE", 0.6)); err != nil {
			t.Fatalf("save #%d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		history, err := store.QueryHistory(fmt.Sprintf("session-%d", i), 50, 0)
		if err != nil {
			t.Fatalf("query session %d: %v", i, err)
		}
		if len(history) != 5 {
			t.Fatalf("session %d has %d records, want 5", i, len(history))
		}
	}
}
