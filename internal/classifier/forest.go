package classifier

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"gridsec-analytics/internal/apperr"
)

// ForestParams are the fixed training hyperparameters.
type ForestParams struct {
	NumTrees    int    `json:"n_estimators"`
	MaxDepth    int    `json:"max_depth"`
	MaxFeatures int    `json:"max_features"`
	Seed        uint64 `json:"seed"`
	// Workers bounds concurrent tree fits; <= 0 means GOMAXPROCS.
	Workers int `json:"-"`
}

// Forest is a bagged ensemble of CART trees.
type Forest struct {
	Trees       []*Tree      `json:"trees"`
	NumFeatures int          `json:"n_features"`
	Params      ForestParams `json:"params"`
	Importances []float64    `json:"importances"`
}

// FitForest trains NumTrees trees on bootstrap samples. Tree i is seeded with
// Seed+i, so the result does not depend on scheduling.
func FitForest(ctx context.Context, x [][]float64, y []int, p ForestParams) (*Forest, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, "training matrix has %d rows and %d labels", len(x), len(y))
	}
	if p.NumTrees <= 0 || p.MaxDepth <= 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, "n_estimators and max_depth must be positive")
	}
	nFeatures := len(x[0])
	if p.MaxFeatures <= 0 || p.MaxFeatures > nFeatures {
		p.MaxFeatures = max(1, int(math.Sqrt(float64(nFeatures))))
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]*Tree, p.NumTrees)
	importances := make([][]float64, p.NumTrees)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < p.NumTrees; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			seed := p.Seed + uint64(i)
			rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
			sample := make([]int, len(x))
			for j := range sample {
				sample[j] = rng.IntN(len(x))
			}
			trees[i], importances[i] = fitTree(x, y, sample, p.MaxDepth, p.MaxFeatures, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fit forest: %w", err)
	}

	return &Forest{
		Trees:       trees,
		NumFeatures: nFeatures,
		Params:      p,
		Importances: meanImportance(importances, nFeatures),
	}, nil
}

// PredictProba averages the leaf distributions of every tree.
func (f *Forest) PredictProba(x []float64) [2]float64 {
	var sum [2]float64
	for _, t := range f.Trees {
		p := t.proba(x)
		sum[0] += p[0]
		sum[1] += p[1]
	}
	n := float64(len(f.Trees))
	return [2]float64{sum[0] / n, sum[1] / n}
}

// meanImportance normalizes each tree's impurity decrease, averages across
// trees and renormalizes to sum to 1.
func meanImportance(perTree [][]float64, nFeatures int) []float64 {
	out := make([]float64, nFeatures)
	for _, imp := range perTree {
		var total float64
		for _, v := range imp {
			total += v
		}
		if total == 0 {
			continue
		}
		for j, v := range imp {
			out[j] += v / total
		}
	}
	var total float64
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for j := range out {
			out[j] /= total
		}
	}
	return out
}
