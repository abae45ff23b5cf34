package classifier

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/models"
)

// labeledEvents builds a separable set: night-time ADMIN_READs on billing
// records are suspicious, daytime operator reads are not.
func labeledEvents(n int) []models.Event {
	base := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := models.Event{
			EventID:   fmt.Sprintf("evt_%04d", i),
			UserID:    fmt.Sprintf("operator_%d", i%7),
			Action:    models.ActionRead,
			TableName: "meter_readings",
			Timestamp: base.Add(time.Duration(i%5+9) * time.Hour).Add(time.Duration(i) * 24 * time.Hour),
		}
		if i%4 == 0 {
			ev.UserID = fmt.Sprintf("admin_%d", i%3)
			ev.Action = models.ActionAdminRead
			ev.TableName = "billing_records"
			ev.Timestamp = base.Add(time.Duration(i%3+1) * time.Hour).Add(time.Duration(i) * 24 * time.Hour)
			ev.IsSuspicious = true
			ev.AttackType = models.String("data_exfiltration")
		}
		events = append(events, ev)
	}
	return events
}

func testParams() Params {
	return Params{
		TestRatio: 0.2,
		Forest:    ForestParams{NumTrees: 15, MaxDepth: 6, Seed: 42, Workers: 4},
	}
}

func TestFitForestIsReproducibleAcrossWorkerCounts(t *testing.T) {
	events := labeledEvents(120)
	x := features.NewExtractor(features.BuildMapping(events), nil).Matrix(events)
	y := make([]int, len(events))
	for i := range events {
		if events[i].IsSuspicious {
			y[i] = 1
		}
	}

	p := testParams().Forest
	serial := p
	serial.Workers = 1

	a, err := FitForest(context.Background(), x, y, p)
	require.NoError(t, err)
	b, err := FitForest(context.Background(), x, y, serial)
	require.NoError(t, err)

	assert.Equal(t, a.Importances, b.Importances)
	for _, row := range x {
		assert.Equal(t, a.PredictProba(row), b.PredictProba(row))
	}
	assert.Equal(t, 2, a.Params.MaxFeatures)
}

func TestFitForestRejectsBadInput(t *testing.T) {
	_, err := FitForest(context.Background(), nil, nil, testParams().Forest)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = FitForest(context.Background(), [][]float64{{1}}, []int{0}, ForestParams{NumTrees: 0, MaxDepth: 3})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestFitForestHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FitForest(ctx, [][]float64{{0}, {1}}, []int{0, 1}, testParams().Forest)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainPredictEvaluate(t *testing.T) {
	trainer := NewTrainer(testParams(), nil, zaptest.NewLogger(t))
	model, report, err := trainer.Train(context.Background(), labeledEvents(200))
	require.NoError(t, err)

	assert.Equal(t, 160, report.TrainSize)
	assert.Equal(t, 40, report.TestSize)
	assert.Equal(t, 50, report.ClassCounts[LabelSuspicious])
	assert.Equal(t, 150, report.ClassCounts[LabelNormal])

	eval := report.Evaluation
	cm := eval.ConfusionMatrix
	assert.Equal(t, float64(cm.TN+cm.TP)/float64(cm.TN+cm.FP+cm.FN+cm.TP), eval.Accuracy)
	assert.Equal(t, 40, cm.Total())
	assert.GreaterOrEqual(t, eval.Accuracy, 0.9)

	var sum float64
	for _, fi := range eval.FeatureImportance {
		sum += fi.Importance
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Len(t, eval.FeatureImportance, len(features.Names))

	night := models.Event{
		UserID:    "admin_1",
		Action:    models.ActionAdminRead,
		TableName: "billing_records",
		Timestamp: time.Date(2025, 4, 2, 2, 0, 0, 0, time.UTC),
	}
	pred, err := Predict(model, &night)
	require.NoError(t, err)
	assert.Equal(t, LabelSuspicious, pred.Label)
	assert.InDelta(t, 1.0, pred.Probabilities[LabelNormal]+pred.Probabilities[LabelSuspicious], 1e-9)
	assert.Equal(t, pred.Probabilities[LabelSuspicious], pred.Confidence)

	unseen := models.Event{
		UserID:    "contractor_x",
		Action:    models.ActionDelete,
		TableName: "unknown_table",
		Timestamp: time.Date(2025, 4, 2, 11, 0, 0, 0, time.UTC),
	}
	_, err = Predict(model, &unseen)
	assert.NoError(t, err)
}

func TestTrainRejectsEmptyInput(t *testing.T) {
	trainer := NewTrainer(testParams(), nil, zaptest.NewLogger(t))
	_, _, err := trainer.Train(context.Background(), nil)
	assert.ErrorIs(t, err, apperr.ErrDataUnavailable)
}

func TestServingWithoutModel(t *testing.T) {
	_, err := Predict(nil, &models.Event{})
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
	_, err = Evaluate(nil, labeledEvents(4))
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
}

func TestConfusionMatrixZeroDenominators(t *testing.T) {
	var cm ConfusionMatrix
	assert.Zero(t, cm.Accuracy())
	assert.Zero(t, cm.Precision())
	assert.Zero(t, cm.Recall())
	assert.Zero(t, cm.Specificity())

	cm = ConfusionMatrix{TN: 5, FP: 1, FN: 2, TP: 2}
	assert.Equal(t, 0.7, cm.Accuracy())
	assert.InDelta(t, 2.0/3.0, cm.Precision(), 1e-12)
	assert.Equal(t, 0.5, cm.Recall())
	assert.InDelta(t, 5.0/6.0, cm.Specificity(), 1e-12)
}

func TestROCDegenerateSingleClass(t *testing.T) {
	curve, auc := rocCurve([]float64{0.1, 0.4, 0.4, 0.8}, []bool{false, false, false, false})

	assert.Equal(t, 1.0, auc)
	for i := 0; i < curve.Len(); i++ {
		for _, v := range []float64{curve.FPR[i], curve.TPR[i], curve.Thresholds[i]} {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
	assert.Equal(t, 1.0, curve.Thresholds[0])
}

func TestROCSeparableScores(t *testing.T) {
	curve, auc := rocCurve(
		[]float64{0.9, 0.1, 0.8, 0.2, 0.7},
		[]bool{true, false, true, false, true},
	)
	assert.InDelta(t, 1.0, auc, 1e-12)
	assert.Equal(t, 0.0, curve.FPR[0])
	assert.Equal(t, 1.0, curve.FPR[curve.Len()-1])
	assert.Equal(t, 1.0, curve.TPR[curve.Len()-1])
}

func TestSampleROCKeepsEndpoints(t *testing.T) {
	n := 100
	c := ROCCurve{FPR: make([]float64, n), TPR: make([]float64, n), Thresholds: make([]float64, n)}
	for i := 0; i < n; i++ {
		c.FPR[i] = float64(i) / float64(n-1)
		c.TPR[i] = c.FPR[i]
		c.Thresholds[i] = 1 - c.FPR[i]
	}

	s := SampleROC(c)
	// 0, then 1, 6, 11, ..., 96, then 99
	assert.Equal(t, 22, s.Len())
	assert.Equal(t, c.FPR[0], s.FPR[0])
	assert.Equal(t, c.FPR[1], s.FPR[1])
	assert.Equal(t, c.FPR[6], s.FPR[2])
	assert.Equal(t, c.FPR[96], s.FPR[s.Len()-2])
	assert.Equal(t, c.FPR[n-1], s.FPR[s.Len()-1])

	short := ROCCurve{FPR: []float64{0, 0.5, 1}, TPR: []float64{0, 1, 1}, Thresholds: []float64{1, 0.5, 0}}
	assert.Equal(t, short, SampleROC(short))
}

func TestAUCQuality(t *testing.T) {
	assert.Equal(t, "Perfect", AUCQuality(0.95))
	assert.Equal(t, "Excellent", AUCQuality(0.9))
	assert.Equal(t, "Good", AUCQuality(0.89))
}

func TestStratifiedSplit(t *testing.T) {
	labels := make([]int, 100)
	for i := 0; i < 30; i++ {
		labels[i] = 1
	}
	train, test, err := StratifiedSplit(labels, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, train, 80)
	assert.Len(t, test, 20)

	pos := 0
	for _, i := range test {
		pos += labels[i]
	}
	assert.Equal(t, 6, pos)

	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, train...), test...) {
		assert.False(t, seen[i])
		seen[i] = true
	}
	assert.Len(t, seen, 100)

	train2, test2, err := StratifiedSplit(labels, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestStratifiedSplitErrors(t *testing.T) {
	_, _, err := StratifiedSplit([]int{0, 1}, 0, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, _, err = StratifiedSplit([]int{1}, 0.2, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
