// Command train builds the KOI classifier artifact set from a cumulative
// KOI catalog CSV and writes forest.json, scaler.json and metadata.json
// into the model directory the server watches.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"keplerai/ml"
)

const dispositionColumn = "koi_disposition"

func main() {
	csvPath := flag.String("csv", "KOI.csv", "path to the KOI catalog csv")
	outDir := flag.String("out", "./models", "model artifact output directory")
	trees := flag.Int("trees", 100, "number of trees")
	maxDepth := flag.Int("max_depth", 10, "max tree depth")
	minSplit := flag.Int("min_split", 5, "min samples to split a node")
	testRatio := flag.Float64("test_ratio", 0.2, "holdout ratio")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	dataset, err := loadKOI(*csvPath)
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}
	log.Printf("loaded %d usable records (%d dropped)", len(dataset.labels), dataset.dropped)
	for i, class := range dataset.classes {
		count := 0
		for _, label := range dataset.labels {
			if label == i {
				count++
			}
		}
		log.Printf("  %-14s %d", class, count)
	}

	trainX, trainY, testX, testY := splitDataset(dataset.features, dataset.labels, *testRatio, *seed)

	scaler := &ml.StandardScaler{}
	if err := scaler.Fit(trainX); err != nil {
		log.Fatalf("failed to fit scaler: %v", err)
	}
	scaledTrain := transformAll(scaler, trainX)
	scaledTest := transformAll(scaler, testX)

	log.Printf("training %d trees, depth %d, on %d samples", *trees, *maxDepth, len(scaledTrain))
	forest, err := ml.TrainForest(scaledTrain, trainY, ml.ForestOptions{
		Trees:           *trees,
		MaxDepth:        *maxDepth,
		MinSamplesSplit: *minSplit,
		Seed:            *seed,
	})
	if err != nil {
		log.Fatalf("failed to train forest: %v", err)
	}

	accuracy := evaluate(forest, scaledTest, testY, dataset.classes)
	log.Printf("holdout accuracy: %.4f", accuracy)

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create model dir: %v", err)
	}
	if err := forest.Save(filepath.Join(*outDir, ml.ForestFile)); err != nil {
		log.Fatalf("failed to save forest: %v", err)
	}
	if err := scaler.Save(filepath.Join(*outDir, ml.ScalerFile)); err != nil {
		log.Fatalf("failed to save scaler: %v", err)
	}
	meta := ml.Metadata{
		ModelType: "Random Forest Classifier",
		Features:  ml.ModelColumns(),
		Classes:   dataset.classes,
		Defaults:  dataset.defaults,
		TrainedAt: time.Now().UTC(),
	}
	if err := ml.SaveMetadata(filepath.Join(*outDir, ml.MetadataFile), meta); err != nil {
		log.Fatalf("failed to save metadata: %v", err)
	}

	fmt.Printf("model saved to %s\n", *outDir)
}

type dataset struct {
	features [][]float64
	labels   []int
	classes  []string
	// defaults are the optional-column medians used for imputation; they
	// ship in the metadata so serving uses the same values.
	defaults map[string]float64
	dropped  int
}

// loadKOI reads the catalog, keeps the three dispositions, drops rows
// missing required columns, median-fills optional columns and applies an
// IQR outlier filter per column.
func loadKOI(path string) (*dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}
	if _, ok := colIdx[dispositionColumn]; !ok {
		return nil, fmt.Errorf("csv has no %s column", dispositionColumn)
	}
	for _, column := range ml.ModelColumns() {
		if _, ok := colIdx[column]; !ok {
			return nil, fmt.Errorf("csv has no %s column", column)
		}
	}

	classes := []string{"CANDIDATE", "CONFIRMED", "FALSE POSITIVE"}
	classIdx := make(map[string]int, len(classes))
	for i, class := range classes {
		classIdx[class] = i
	}

	columns := ml.ModelColumns()
	required := ml.RequiredColumns()
	optional := ml.OptionalColumns()

	type row struct {
		values map[string]float64
		label  int
	}
	var rows []row
	dropped := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			dropped++
			continue
		}
		label, ok := classIdx[strings.TrimSpace(record[colIdx[dispositionColumn]])]
		if !ok {
			dropped++
			continue
		}
		values := make(map[string]float64, len(columns))
		bad := false
		for _, column := range columns {
			idx := colIdx[column]
			if idx >= len(record) {
				continue
			}
			cell := strings.TrimSpace(record[idx])
			if cell == "" {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
				bad = true
				break
			}
			values[column] = value
		}
		if bad {
			dropped++
			continue
		}
		missing := false
		for _, column := range required {
			if _, ok := values[column]; !ok {
				missing = true
				break
			}
		}
		if missing {
			dropped++
			continue
		}
		rows = append(rows, row{values: values, label: label})
	}
	if len(rows) == 0 {
		return nil, errors.New("no usable rows in dataset")
	}

	// Optional-column medians over the rows that have them.
	defaults := make(map[string]float64, len(optional))
	for _, column := range optional {
		var present []float64
		for _, r := range rows {
			if v, ok := r.values[column]; ok {
				present = append(present, v)
			}
		}
		defaults[column] = median(present)
	}
	for i := range rows {
		for _, column := range optional {
			if _, ok := rows[i].values[column]; !ok {
				rows[i].values[column] = defaults[column]
			}
		}
	}

	// IQR outlier filter, one pass per column over the surviving rows.
	keep := make([]bool, len(rows))
	for i := range keep {
		keep[i] = true
	}
	for _, column := range columns {
		var values []float64
		for i, r := range rows {
			if keep[i] {
				values = append(values, r.values[column])
			}
		}
		lo, hi := iqrBounds(values)
		for i, r := range rows {
			if keep[i] && (r.values[column] < lo || r.values[column] > hi) {
				keep[i] = false
			}
		}
	}

	ds := &dataset{classes: classes, defaults: defaults}
	for i, r := range rows {
		if !keep[i] {
			dropped++
			continue
		}
		vector := make([]float64, len(columns))
		for j, column := range columns {
			vector[j] = r.values[column]
		}
		ds.features = append(ds.features, vector)
		ds.labels = append(ds.labels, r.label)
	}
	ds.dropped = dropped
	if len(ds.features) == 0 {
		return nil, errors.New("all rows rejected by outlier filter")
	}
	return ds, nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func iqrBounds(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.Inf(-1), math.Inf(1)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := sorted[len(sorted)/4]
	q3 := sorted[(3*len(sorted))/4]
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

func splitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

func transformAll(scaler *ml.StandardScaler, features [][]float64) [][]float64 {
	out := make([][]float64, len(features))
	for i, vector := range features {
		scaled, err := scaler.Transform(vector)
		if err != nil {
			log.Fatalf("failed to scale sample %d: %v", i, err)
		}
		out[i] = scaled
	}
	return out
}

func evaluate(forest *ml.RandomForest, testX [][]float64, testY []int, classes []string) float64 {
	if len(testX) == 0 {
		return 0
	}

	correct := 0
	truePositive := make([]int, len(classes))
	predicted := make([]int, len(classes))
	actual := make([]int, len(classes))

	for i, vector := range testX {
		label, _, err := forest.Predict(vector)
		if err != nil {
			continue
		}
		if label == testY[i] {
			correct++
			truePositive[label]++
		}
		predicted[label]++
		actual[testY[i]]++
	}

	for i, class := range classes {
		precision := 0.0
		if predicted[i] > 0 {
			precision = float64(truePositive[i]) / float64(predicted[i])
		}
		recall := 0.0
		if actual[i] > 0 {
			recall = float64(truePositive[i]) / float64(actual[i])
		}
		log.Printf("  %-14s precision=%.3f recall=%.3f", class, precision, recall)
	}
	return float64(correct) / float64(len(testX))
}
