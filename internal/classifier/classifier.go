// Package classifier trains and serves the random forest that scores events
// as normal or suspicious.
package classifier

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/models"
)

const (
	LabelNormal     = "normal"
	LabelSuspicious = "suspicious"
)

// Params configures a training run.
type Params struct {
	TestRatio float64
	Forest    ForestParams
}

func DefaultParams() Params {
	return Params{
		TestRatio: 0.2,
		Forest:    ForestParams{NumTrees: 100, MaxDepth: 10, Seed: 42},
	}
}

type Prediction struct {
	Label         string             `json:"prediction"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type TrainingReport struct {
	Evaluation  *Evaluation    `json:"evaluation"`
	TrainSize   int            `json:"train_size"`
	TestSize    int            `json:"test_size"`
	ClassCounts map[string]int `json:"class_counts"`
	Duration    time.Duration  `json:"duration"`
	TrainedAt   time.Time      `json:"trained_at"`
}

// Trainer fits models with fixed parameters and a canonical sensitive-table set.
type Trainer struct {
	params    Params
	sensitive features.TableSet
	logger    *zap.Logger
}

func NewTrainer(params Params, sensitive features.TableSet, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{params: params, sensitive: sensitive, logger: logger}
}

// Train splits events, fits a forest on the training part and evaluates it on
// the holdout.
func (t *Trainer) Train(ctx context.Context, events []models.Event) (*TrainedModel, *TrainingReport, error) {
	if len(events) == 0 {
		return nil, nil, apperr.Wrap(apperr.ErrDataUnavailable, "no events to train on")
	}
	start := time.Now()

	labels := labelsOf(events)
	counts := map[string]int{LabelNormal: 0, LabelSuspicious: 0}
	for _, l := range labels {
		if l == 1 {
			counts[LabelSuspicious]++
		} else {
			counts[LabelNormal]++
		}
	}

	trainIdx, testIdx, err := StratifiedSplit(labels, t.params.TestRatio, t.params.Forest.Seed)
	if err != nil {
		return nil, nil, err
	}
	trainEvents := pick(events, trainIdx)
	testEvents := pick(events, testIdx)

	mapping := features.BuildMapping(trainEvents)
	extractor := features.NewExtractor(mapping, t.sensitive)
	x := extractor.Matrix(trainEvents)
	y := make([]int, len(trainIdx))
	for i, idx := range trainIdx {
		y[i] = labels[idx]
	}

	t.logger.Info("training classifier",
		zap.Int("train_size", len(trainIdx)),
		zap.Int("test_size", len(testIdx)),
		zap.Int("n_estimators", t.params.Forest.NumTrees),
		zap.Int("max_depth", t.params.Forest.MaxDepth),
	)

	forest, err := FitForest(ctx, x, y, t.params.Forest)
	if err != nil {
		return nil, nil, err
	}
	model := newTrainedModel(forest, mapping, slices.Clone(features.Names), time.Now().UTC(), t.sensitive)
	model.TestRatio = t.params.TestRatio

	eval, err := Evaluate(model, testEvents)
	if err != nil {
		return nil, nil, err
	}

	report := &TrainingReport{
		Evaluation:  eval,
		TrainSize:   len(trainIdx),
		TestSize:    len(testIdx),
		ClassCounts: counts,
		Duration:    time.Since(start),
		TrainedAt:   model.TrainedAt,
	}
	t.logger.Info("classifier trained",
		zap.Float64("accuracy", eval.Accuracy),
		zap.Float64("auc", eval.AUC),
		zap.Duration("duration", report.Duration),
	)
	return model, report, nil
}

// Predict scores a single event.
func Predict(model *TrainedModel, e *models.Event) (*Prediction, error) {
	if model == nil {
		return nil, apperr.ErrModelUnavailable
	}
	p := model.Forest.PredictProba(model.extractor.Extract(e).Values())
	label := LabelNormal
	if p[1] > p[0] {
		label = LabelSuspicious
	}
	return &Prediction{
		Label:      label,
		Confidence: max(p[0], p[1]),
		Probabilities: map[string]float64{
			LabelNormal:     p[0],
			LabelSuspicious: p[1],
		},
	}, nil
}

// Evaluate scores events against their ground-truth labels.
func Evaluate(model *TrainedModel, events []models.Event) (*Evaluation, error) {
	if model == nil {
		return nil, apperr.ErrModelUnavailable
	}
	if len(events) == 0 {
		return nil, apperr.Wrap(apperr.ErrDataUnavailable, "no events to evaluate")
	}

	var cm ConfusionMatrix
	scores := make([]float64, len(events))
	actual := make([]bool, len(events))
	suspicious := 0
	for i := range events {
		p := model.Forest.PredictProba(model.extractor.Extract(&events[i]).Values())
		scores[i] = p[1]
		actual[i] = events[i].IsSuspicious
		if actual[i] {
			suspicious++
		}
		cm.add(actual[i], p[1] > p[0])
	}

	curve, auc := rocCurve(scores, actual)
	return &Evaluation{
		ConfusionMatrix:   cm,
		Accuracy:          cm.Accuracy(),
		Precision:         cm.Precision(),
		Recall:            cm.Recall(),
		Specificity:       cm.Specificity(),
		FeatureImportance: rankImportance(model.FeatureNames, model.Forest.Importances),
		ROC:               curve,
		AUC:               auc,
		AUCQuality:        AUCQuality(auc),
		Samples:           len(events),
		Suspicious:        suspicious,
	}, nil
}

func labelsOf(events []models.Event) []int {
	labels := make([]int, len(events))
	for i := range events {
		if events[i].IsSuspicious {
			labels[i] = 1
		}
	}
	return labels
}

func pick(events []models.Event, idx []int) []models.Event {
	out := make([]models.Event, len(idx))
	for i, j := range idx {
		out[i] = events[j]
	}
	return out
}
