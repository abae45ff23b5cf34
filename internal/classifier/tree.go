package classifier

import (
	"math/rand/v2"
	"sort"
)

const leaf = -1

// Node is one entry of a flattened decision tree. Leaves have Left == Right == -1
// and carry the class distribution of the training samples that reached them.
type Node struct {
	Feature   int        `json:"f"`
	Threshold float64    `json:"t"`
	Left      int        `json:"l"`
	Right     int        `json:"r"`
	Proba     [2]float64 `json:"p"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

// proba walks x down to a leaf.
func (t *Tree) proba(x []float64) [2]float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left == leaf {
			return n.Proba
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type treeBuilder struct {
	x           [][]float64
	y           []int
	maxDepth    int
	maxFeatures int
	rng         *rand.Rand

	nodes      []Node
	importance []float64
	order      []int
}

// fitTree grows a CART tree on the rows in sample (duplicates allowed, which is
// how bootstrap weights are expressed). Importance accumulates the weighted
// Gini decrease of every split per feature.
func fitTree(x [][]float64, y []int, sample []int, maxDepth, maxFeatures int, rng *rand.Rand) (*Tree, []float64) {
	nFeatures := len(x[0])
	b := &treeBuilder{
		x:           x,
		y:           y,
		maxDepth:    maxDepth,
		maxFeatures: maxFeatures,
		rng:         rng,
		importance:  make([]float64, nFeatures),
		order:       make([]int, nFeatures),
	}
	for i := range b.order {
		b.order[i] = i
	}
	b.grow(sample, 0)
	return &Tree{Nodes: b.nodes}, b.importance
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	pos := 0
	for _, i := range idx {
		pos += b.y[i]
	}
	n := len(idx)
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: leaf, Right: leaf, Proba: distribution(pos, n)})

	if depth >= b.maxDepth || n < 2 || pos == 0 || pos == n {
		return id
	}

	s, ok := b.bestSplit(idx, pos)
	if !ok {
		return id
	}
	parent := float64(n) * gini(pos, n)
	b.importance[s.feature] += parent - s.weightedImpurity

	left := make([]int, 0, s.nLeft)
	right := make([]int, 0, n-s.nLeft)
	for _, i := range idx {
		if b.x[i][s.feature] <= s.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.nodes[id].Feature = s.feature
	b.nodes[id].Threshold = s.threshold
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

type split struct {
	feature          int
	threshold        float64
	nLeft            int
	weightedImpurity float64
}

// bestSplit inspects maxFeatures randomly chosen features, continuing past that
// budget only while no valid partition has been found.
func (b *treeBuilder) bestSplit(idx []int, pos int) (split, bool) {
	b.rng.Shuffle(len(b.order), func(i, j int) { b.order[i], b.order[j] = b.order[j], b.order[i] })

	best := split{weightedImpurity: float64(len(idx)) * gini(pos, len(idx))}
	found := false
	sorted := make([]int, len(idx))

	for visited, f := range b.order {
		if visited >= b.maxFeatures && found {
			break
		}
		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })

		leftPos := 0
		for k := 0; k < len(sorted)-1; k++ {
			leftPos += b.y[sorted[k]]
			cur, next := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
			if cur == next {
				continue
			}
			nl := k + 1
			nr := len(sorted) - nl
			w := float64(nl)*gini(leftPos, nl) + float64(nr)*gini(pos-leftPos, nr)
			if !found || w < best.weightedImpurity {
				best = split{feature: f, threshold: cur + (next-cur)/2, nLeft: nl, weightedImpurity: w}
				found = true
			}
		}
	}
	return best, found
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 1 - p*p - (1-p)*(1-p)
}

func distribution(pos, n int) [2]float64 {
	if n == 0 {
		return [2]float64{1, 0}
	}
	p := float64(pos) / float64(n)
	return [2]float64{1 - p, p}
}
