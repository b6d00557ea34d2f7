package anomaly

import (
	"math"
	"math/rand"
)

// isolationTree is one tree of a one-dimensional isolation forest.
type isolationTree struct {
	splitValue float64
	left       *isolationTree
	right      *isolationTree
	size       int
	isLeaf     bool
}

// isolationForest scores how easily a value is isolated from the window it
// was trained on. Short average paths mean the value is unusual.
type isolationForest struct {
	trees         []*isolationTree
	subSampleSize int
	maxDepth      int
	rng           *rand.Rand
}

func newIsolationForest(numTrees, subSampleSize int, seed int64) *isolationForest {
	if subSampleSize < 2 {
		subSampleSize = 2
	}
	return &isolationForest{
		trees:         make([]*isolationTree, 0, numTrees),
		subSampleSize: subSampleSize,
		maxDepth:      int(math.Ceil(math.Log2(float64(subSampleSize)))),
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func (f *isolationForest) fit(data []float64, numTrees int) {
	if len(data) == 0 {
		return
	}
	for i := 0; i < numTrees; i++ {
		f.trees = append(f.trees, f.buildTree(f.sample(data), 0))
	}
}

// score returns the anomaly score in [0, 1]; 0.5 when untrained.
func (f *isolationForest) score(v float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, tree := range f.trees {
		total += f.pathLength(tree, v, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.subSampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// sample draws a subset via a partial Fisher-Yates shuffle.
func (f *isolationForest) sample(data []float64) []float64 {
	n := f.subSampleSize
	if n > len(data) {
		n = len(data)
	}
	shuffled := append([]float64(nil), data...)
	for i := 0; i < n; i++ {
		j := i + f.rng.Intn(len(shuffled)-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}

func (f *isolationForest) buildTree(data []float64, depth int) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	lo, hi := data[0], data[0]
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo < 1e-10 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range data {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	return &isolationTree{
		splitValue: split,
		left:       f.buildTree(left, depth+1),
		right:      f.buildTree(right, depth+1),
		size:       len(data),
	}
}

func (f *isolationForest) pathLength(tree *isolationTree, v float64, depth int) float64 {
	if tree.isLeaf {
		return float64(depth) + averagePathLength(tree.size)
	}
	if v < tree.splitValue {
		return f.pathLength(tree.left, v, depth+1)
	}
	return f.pathLength(tree.right, v, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2H(n-1) - 2(n-1)/n, H(i) ≈ ln(i) + Euler-Mascheroni
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

// IsolationVoter trains an isolation forest on the recent window plus the
// sample at every evaluation and fires when the sample's score exceeds the
// threshold.
func IsolationVoter(cfg IsolationConfig) Voter {
	if cfg.Trees < 1 {
		cfg.Trees = 50
	}
	if cfg.SubSample < 2 {
		cfg.SubSample = 32
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.65
	}
	return Voter{
		Name: "isolation",
		Vote: func(in Input) Vote {
			if len(in.Recent) < 2 {
				return Vote{}
			}
			forest := newIsolationForest(cfg.Trees, cfg.SubSample, cfg.Seed)
			data := make([]float64, 0, len(in.Recent)+1)
			data = append(append(data, in.Recent...), in.Sample.Value)
			forest.fit(data, cfg.Trees)
			s := forest.score(in.Sample.Value)
			if !(s > cfg.ScoreThreshold) {
				return Vote{}
			}
			return Vote{Fired: true, Confidence: s}
		},
	}
}
