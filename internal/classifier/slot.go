package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/models"
)

// ModelStore persists the three artifact parts atomically.
type ModelStore interface {
	SaveModel(ctx context.Context, a Artifact) error
	// LoadModel returns whatever parts exist; absent parts are nil.
	LoadModel(ctx context.Context) (Artifact, error)
}

// ModelInfo describes the model currently served by a slot.
type ModelInfo struct {
	Loaded      bool       `json:"model_loaded"`
	ModelType   string     `json:"model_type,omitempty"`
	Features    []string   `json:"features,omitempty"`
	NEstimators int        `json:"n_estimators,omitempty"`
	MaxDepth    int        `json:"max_depth,omitempty"`
	TrainedAt   *time.Time `json:"trained_at,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// ModelSlot holds the optional current model. Readers never block; a second
// concurrent training on the same slot is rejected.
type ModelSlot struct {
	current  atomic.Pointer[TrainedModel]
	training sync.Mutex

	trainer   *Trainer
	store     ModelStore
	sensitive features.TableSet
	logger    *zap.Logger
}

func NewModelSlot(trainer *Trainer, store ModelStore, sensitive features.TableSet, logger *zap.Logger) *ModelSlot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelSlot{trainer: trainer, store: store, sensitive: sensitive, logger: logger}
}

// Current returns the served model or ErrModelUnavailable.
func (s *ModelSlot) Current() (*TrainedModel, error) {
	m := s.current.Load()
	if m == nil {
		return nil, apperr.ErrModelUnavailable
	}
	return m, nil
}

// Train fits a new model and publishes it once it has been persisted.
func (s *ModelSlot) Train(ctx context.Context, events []models.Event) (*TrainingReport, error) {
	if !s.training.TryLock() {
		return nil, apperr.ErrTrainingInProgress
	}
	defer s.training.Unlock()

	model, report, err := s.trainer.Train(ctx, events)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		artifact, err := model.MarshalArtifact()
		if err != nil {
			return nil, err
		}
		if err := s.store.SaveModel(ctx, artifact); err != nil {
			return nil, fmt.Errorf("persist model: %w", err)
		}
	}
	s.current.Store(model)
	return report, nil
}

// Load restores the persisted model. ErrModelUnavailable means nothing was
// stored yet and the slot stays empty.
func (s *ModelSlot) Load(ctx context.Context) error {
	if s.store == nil {
		return apperr.Wrap(apperr.ErrModelUnavailable, "no model store configured")
	}
	artifact, err := s.store.LoadModel(ctx)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	model, err := UnmarshalArtifact(artifact, s.sensitive)
	if err != nil {
		if errors.Is(err, apperr.ErrModelConfig) {
			s.logger.Error("persisted model is inconsistent", zap.Error(err))
		}
		return err
	}
	s.current.Store(model)
	s.logger.Info("model loaded",
		zap.Int("n_estimators", len(model.Forest.Trees)),
		zap.Time("trained_at", model.TrainedAt),
	)
	return nil
}

func (s *ModelSlot) Predict(e *models.Event) (*Prediction, error) {
	return Predict(s.current.Load(), e)
}

func (s *ModelSlot) Evaluate(events []models.Event) (*Evaluation, error) {
	return Evaluate(s.current.Load(), events)
}

// EvaluateHoldout scores the served model on the holdout part of events,
// split the same way training split it.
func (s *ModelSlot) EvaluateHoldout(events []models.Event) (*Evaluation, error) {
	m := s.current.Load()
	if m == nil {
		return nil, apperr.ErrModelUnavailable
	}
	if len(events) == 0 {
		return nil, apperr.Wrap(apperr.ErrDataUnavailable, "no events to evaluate")
	}
	holdout, err := m.Holdout(events)
	if err != nil {
		return nil, err
	}
	return Evaluate(m, holdout)
}

func (s *ModelSlot) Info() ModelInfo {
	m := s.current.Load()
	if m == nil {
		return ModelInfo{Message: "No model loaded. Train the model first."}
	}
	trainedAt := m.TrainedAt
	return ModelInfo{
		Loaded:      true,
		ModelType:   ModelType,
		Features:    m.FeatureNames,
		NEstimators: m.Forest.Params.NumTrees,
		MaxDepth:    m.Forest.Params.MaxDepth,
		TrainedAt:   &trainedAt,
	}
}

// MemoryStore keeps the artifact in process memory. Used when no durable
// store is configured.
type MemoryStore struct {
	mu       sync.Mutex
	artifact Artifact
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) SaveModel(_ context.Context, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifact = a
	return nil
}

func (m *MemoryStore) LoadModel(_ context.Context) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.artifact, nil
}
