package ml

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"sort"
)

var (
	ErrNotTrained        = errors.New("model not trained")
	ErrDimensionMismatch = errors.New("feature vector length does not match trained feature count")
)

// TreeNode is one node of a decision tree stored as a flat array. Leaves
// keep the per-class sample counts seen at training time so the tree can
// produce a class distribution, not just a label.
type TreeNode struct {
	FeatureIdx  int     `json:"feature_idx"`
	Threshold   float64 `json:"threshold"`
	LeftChild   int     `json:"left_child"`
	RightChild  int     `json:"right_child"`
	ClassCounts []int   `json:"class_counts"`
	IsLeaf      bool    `json:"is_leaf"`
}

type DecisionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

// classCounts walks the tree and returns the leaf's training-time class
// counts.
func (dt *DecisionTree) classCounts(vector []float64) ([]int, error) {
	if len(dt.Nodes) == 0 {
		return nil, ErrNotTrained
	}
	idx := 0
	for {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return node.ClassCounts, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(vector) {
			return nil, errors.New("feature index out of range")
		}
		if vector[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

// RandomForest is an ensemble of depth-limited trees trained on bootstrap
// samples with random feature subsets. Probabilities are the per-class
// leaf frequencies averaged over all trees.
type RandomForest struct {
	Trees       []DecisionTree `json:"trees"`
	NumFeatures int            `json:"num_features"`
	NumClasses  int            `json:"num_classes"`
}

// PredictProba returns the class probability distribution for one feature
// vector. Values are in [0,1] and sum to 1.
func (rf *RandomForest) PredictProba(vector []float64) ([]float64, error) {
	if len(rf.Trees) == 0 {
		return nil, ErrNotTrained
	}
	if len(vector) != rf.NumFeatures {
		return nil, ErrDimensionMismatch
	}

	proba := make([]float64, rf.NumClasses)
	for ti := range rf.Trees {
		counts, err := rf.Trees[ti].classCounts(vector)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, c := range counts {
			total += c
		}
		if total == 0 {
			continue
		}
		for class, c := range counts {
			proba[class] += float64(c) / float64(total)
		}
	}
	for class := range proba {
		proba[class] /= float64(len(rf.Trees))
	}
	return proba, nil
}

// Predict returns the arg-max class and the full distribution. Ties break
// toward the lower class index, which keeps the tie-break stable across
// runs.
func (rf *RandomForest) Predict(vector []float64) (int, []float64, error) {
	proba, err := rf.PredictProba(vector)
	if err != nil {
		return 0, nil, err
	}
	best := 0
	for class, p := range proba {
		if p > proba[best] {
			best = class
		}
	}
	return best, proba, nil
}

func (rf *RandomForest) Save(path string) error {
	if len(rf.Trees) == 0 {
		return ErrNotTrained
	}
	payload, err := json.Marshal(rf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func LoadForest(path string) (*RandomForest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var forest RandomForest
	if err := json.Unmarshal(payload, &forest); err != nil {
		return nil, err
	}
	if len(forest.Trees) == 0 || forest.NumFeatures <= 0 || forest.NumClasses <= 0 {
		return nil, errors.New("malformed forest file")
	}
	return &forest, nil
}

// ForestOptions controls training. Zero values fall back to defaults.
type ForestOptions struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	Seed            int64
}

// TrainForest trains a random forest. Labels must be 0-based class
// indices. Deterministic for a fixed seed.
func TrainForest(features [][]float64, labels []int, opts ForestOptions) (*RandomForest, error) {
	if len(features) == 0 || len(labels) == 0 {
		return nil, errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return nil, errors.New("features and labels size mismatch")
	}
	if opts.Trees <= 0 {
		opts.Trees = 100
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}
	if opts.MinSamplesSplit <= 0 {
		opts.MinSamplesSplit = 5
	}

	numFeatures := len(features[0])
	numClasses := 0
	for _, label := range labels {
		if label < 0 {
			return nil, errors.New("labels must be non-negative")
		}
		if label+1 > numClasses {
			numClasses = label + 1
		}
	}

	rnd := rand.New(rand.NewSource(opts.Seed))
	subset := int(math.Ceil(math.Sqrt(float64(numFeatures))))

	forest := &RandomForest{
		Trees:       make([]DecisionTree, 0, opts.Trees),
		NumFeatures: numFeatures,
		NumClasses:  numClasses,
	}

	for t := 0; t < opts.Trees; t++ {
		sampleX := make([][]float64, len(features))
		sampleY := make([]int, len(labels))
		for i := range sampleX {
			j := rnd.Intn(len(features))
			sampleX[i] = features[j]
			sampleY[i] = labels[j]
		}
		builder := &treeBuilder{
			rnd:             rnd,
			numClasses:      numClasses,
			featureSubset:   subset,
			maxDepth:        opts.MaxDepth,
			minSamplesSplit: opts.MinSamplesSplit,
		}
		forest.Trees = append(forest.Trees, DecisionTree{Nodes: builder.build(sampleX, sampleY, 0)})
	}
	return forest, nil
}

type treeBuilder struct {
	rnd             *rand.Rand
	numClasses      int
	featureSubset   int
	maxDepth        int
	minSamplesSplit int
}

func (b *treeBuilder) leaf(labels []int) []TreeNode {
	counts := make([]int, b.numClasses)
	for _, label := range labels {
		counts[label]++
	}
	return []TreeNode{{
		FeatureIdx:  -1,
		LeftChild:   -1,
		RightChild:  -1,
		ClassCounts: counts,
		IsLeaf:      true,
	}}
}

func (b *treeBuilder) build(features [][]float64, labels []int, depth int) []TreeNode {
	if depth >= b.maxDepth || len(labels) < b.minSamplesSplit || isPure(labels) {
		return b.leaf(labels)
	}

	bestFeature, threshold, ok := b.findBestSplit(features, labels)
	if !ok {
		return b.leaf(labels)
	}

	leftX, leftY, rightX, rightY := splitData(features, labels, bestFeature, threshold)
	if len(leftY) == 0 || len(rightY) == 0 {
		return b.leaf(labels)
	}

	leftNodes := b.build(leftX, leftY, depth+1)
	rightNodes := b.build(rightX, rightY, depth+1)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

func (b *treeBuilder) findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	numFeatures := len(features[0])
	candidates := b.rnd.Perm(numFeatures)
	if len(candidates) > b.featureSubset {
		candidates = candidates[:b.featureSubset]
	}

	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for _, featureIdx := range candidates {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		for _, threshold := range quartiles(values) {
			leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
			if len(leftLabels) == 0 || len(rightLabels) == 0 {
				continue
			}
			impurity := weightedGini(leftLabels, rightLabels)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

// quartiles returns the 25th, 50th and 75th percentile values as split
// candidates.
func quartiles(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return nil
	}
	out := make([]float64, 0, 3)
	seen := math.NaN()
	for _, q := range []float64{0.25, 0.5, 0.75} {
		idx := int(q * float64(n-1))
		v := sorted[idx]
		if v != seen {
			out = append(out, v)
			seen = v
		}
	}
	return out
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
