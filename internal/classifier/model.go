package classifier

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/models"
)

const ModelType = "Random Forest Classifier"

// TrainedModel is immutable once built and shared read-only by predictions.
type TrainedModel struct {
	Forest       *Forest
	Mapping      *features.Mapping
	FeatureNames []string
	TrainedAt    time.Time
	// TestRatio is the holdout share used at training time; with the forest
	// seed it reproduces the holdout split.
	TestRatio float64

	extractor *features.Extractor
}

func newTrainedModel(forest *Forest, mapping *features.Mapping, names []string, trainedAt time.Time, sensitive features.TableSet) *TrainedModel {
	return &TrainedModel{
		Forest:       forest,
		Mapping:      mapping,
		FeatureNames: names,
		TrainedAt:    trainedAt,
		extractor:    features.NewExtractor(mapping, sensitive),
	}
}

// Artifact is the persisted form of a model: three values that are written
// and loaded together.
type Artifact struct {
	Forest       []byte
	Encoders     []byte
	FeatureNames []byte
}

func (a Artifact) empty() bool {
	return len(a.Forest) == 0 && len(a.Encoders) == 0 && len(a.FeatureNames) == 0
}

func (a Artifact) complete() bool {
	return len(a.Forest) > 0 && len(a.Encoders) > 0 && len(a.FeatureNames) > 0
}

type forestEnvelope struct {
	Forest    *Forest   `json:"forest"`
	TrainedAt time.Time `json:"trained_at"`
	TestRatio float64   `json:"test_ratio,omitempty"`
}

// MarshalArtifact encodes the model for a ModelStore.
func (m *TrainedModel) MarshalArtifact() (Artifact, error) {
	forest, err := json.Marshal(forestEnvelope{Forest: m.Forest, TrainedAt: m.TrainedAt, TestRatio: m.TestRatio})
	if err != nil {
		return Artifact{}, fmt.Errorf("encode forest: %w", err)
	}
	encoders, err := json.Marshal(m.Mapping)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode encoders: %w", err)
	}
	names, err := json.Marshal(m.FeatureNames)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode feature names: %w", err)
	}
	return Artifact{Forest: forest, Encoders: encoders, FeatureNames: names}, nil
}

// UnmarshalArtifact rebuilds a model. No parts at all is ErrModelUnavailable;
// missing or inconsistent parts are ErrModelConfig.
func UnmarshalArtifact(a Artifact, sensitive features.TableSet) (*TrainedModel, error) {
	if a.empty() {
		return nil, apperr.Wrap(apperr.ErrModelUnavailable, "no persisted model")
	}
	if !a.complete() {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "forest=%t encoders=%t feature_names=%t",
			len(a.Forest) > 0, len(a.Encoders) > 0, len(a.FeatureNames) > 0)
	}

	var env forestEnvelope
	if err := json.Unmarshal(a.Forest, &env); err != nil || env.Forest == nil {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "decode forest: %v", err)
	}
	var mapping features.Mapping
	if err := json.Unmarshal(a.Encoders, &mapping); err != nil {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "decode encoders: %v", err)
	}
	var names []string
	if err := json.Unmarshal(a.FeatureNames, &names); err != nil {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "decode feature names: %v", err)
	}

	if !slices.Equal(names, features.Names) {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "feature layout %v does not match %v", names, features.Names)
	}
	if env.Forest.NumFeatures != len(names) || len(env.Forest.Trees) == 0 {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "forest expects %d features with %d trees", env.Forest.NumFeatures, len(env.Forest.Trees))
	}
	if !mapping.Complete() {
		return nil, apperr.Wrap(apperr.ErrModelConfig, "encoders missing a categorical column")
	}
	mapping.Prepare()

	model := newTrainedModel(env.Forest, &mapping, names, env.TrainedAt, sensitive)
	model.TestRatio = env.TestRatio
	if model.TestRatio <= 0 || model.TestRatio >= 1 {
		model.TestRatio = DefaultParams().TestRatio
	}
	return model, nil
}

// Holdout returns the events that the training split held out, assuming the
// labelled history has not changed since training.
func (m *TrainedModel) Holdout(events []models.Event) ([]models.Event, error) {
	_, testIdx, err := StratifiedSplit(labelsOf(events), m.TestRatio, m.Forest.Params.Seed)
	if err != nil {
		return nil, err
	}
	return pick(events, testIdx), nil
}
