package classifier

import (
	"math"
	"math/rand/v2"
	"sort"

	"gridsec-analytics/internal/apperr"
)

// StratifiedSplit partitions row indexes into train and test sets so each
// class keeps its proportion. Classes with at least two rows contribute at
// least one row to each side.
func StratifiedSplit(labels []int, testRatio float64, seed uint64) (train, test []int, err error) {
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, apperr.Wrap(apperr.ErrInvalidInput, "test ratio must be in (0,1), got %v", testRatio)
	}
	if len(labels) < 2 {
		return nil, nil, apperr.Wrap(apperr.ErrInvalidInput, "need at least 2 events to split, got %d", len(labels))
	}

	byClass := make(map[int][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	for _, c := range classes {
		rows := byClass[c]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })

		nTest := int(math.Round(float64(len(rows)) * testRatio))
		if len(rows) >= 2 {
			nTest = min(max(nTest, 1), len(rows)-1)
		}
		test = append(test, rows[:nTest]...)
		train = append(train, rows[nTest:]...)
	}
	sort.Ints(train)
	sort.Ints(test)
	if len(train) == 0 || len(test) == 0 {
		return nil, nil, apperr.Wrap(apperr.ErrInvalidInput, "split produced an empty partition (train=%d test=%d)", len(train), len(test))
	}
	return train, test, nil
}
