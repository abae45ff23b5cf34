package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridsec-analytics/internal/apperr"
)

type failingStore struct{}

func (failingStore) SaveModel(context.Context, Artifact) error { return errors.New("redis down") }
func (failingStore) LoadModel(context.Context) (Artifact, error) {
	return Artifact{}, errors.New("redis down")
}

func newSlot(t *testing.T, store ModelStore) *ModelSlot {
	logger := zaptest.NewLogger(t)
	return NewModelSlot(NewTrainer(testParams(), nil, logger), store, nil, logger)
}

func TestModelSlotEmpty(t *testing.T) {
	slot := newSlot(t, NewMemoryStore())

	_, err := slot.Current()
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
	_, err = slot.Predict(&labeledEvents(1)[0])
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
	assert.False(t, slot.Info().Loaded)

	err = slot.Load(context.Background())
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
}

func TestModelSlotTrainPersistAndReload(t *testing.T) {
	store := NewMemoryStore()
	slot := newSlot(t, store)
	events := labeledEvents(100)

	_, err := slot.Train(context.Background(), events)
	require.NoError(t, err)

	info := slot.Info()
	assert.True(t, info.Loaded)
	assert.Equal(t, ModelType, info.ModelType)
	assert.Equal(t, 15, info.NEstimators)
	assert.Equal(t, 6, info.MaxDepth)

	restored := newSlot(t, store)
	require.NoError(t, restored.Load(context.Background()))

	for i := range events[:20] {
		a, err := slot.Predict(&events[i])
		require.NoError(t, err)
		b, err := restored.Predict(&events[i])
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestModelSlotEvaluatesHoldoutAfterReload(t *testing.T) {
	store := NewMemoryStore()
	slot := newSlot(t, store)
	events := labeledEvents(100)

	_, err := slot.EvaluateHoldout(events)
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)

	report, err := slot.Train(context.Background(), events)
	require.NoError(t, err)

	restored := newSlot(t, store)
	require.NoError(t, restored.Load(context.Background()))

	current, err := restored.Current()
	require.NoError(t, err)
	assert.Equal(t, testParams().TestRatio, current.TestRatio)

	eval, err := restored.EvaluateHoldout(events)
	require.NoError(t, err)
	assert.Equal(t, report.TestSize, eval.Samples)
	assert.Equal(t, report.Evaluation.ConfusionMatrix, eval.ConfusionMatrix)
	assert.Less(t, eval.Samples, len(events))
}

func TestModelSlotPartialArtifact(t *testing.T) {
	store := NewMemoryStore()
	slot := newSlot(t, store)
	_, err := slot.Train(context.Background(), labeledEvents(60))
	require.NoError(t, err)

	a, _ := store.LoadModel(context.Background())
	a.FeatureNames = nil
	require.NoError(t, store.SaveModel(context.Background(), a))

	err = newSlot(t, store).Load(context.Background())
	assert.ErrorIs(t, err, apperr.ErrModelConfig)
}

func TestModelSlotFeatureLayoutMismatch(t *testing.T) {
	store := NewMemoryStore()
	slot := newSlot(t, store)
	_, err := slot.Train(context.Background(), labeledEvents(60))
	require.NoError(t, err)

	a, _ := store.LoadModel(context.Background())
	a.FeatureNames = []byte(`["hour","day_of_week"]`)
	require.NoError(t, store.SaveModel(context.Background(), a))

	err = newSlot(t, store).Load(context.Background())
	assert.ErrorIs(t, err, apperr.ErrModelConfig)
}

func TestModelSlotRejectsConcurrentTraining(t *testing.T) {
	slot := newSlot(t, NewMemoryStore())
	slot.training.Lock()
	defer slot.training.Unlock()

	_, err := slot.Train(context.Background(), labeledEvents(40))
	assert.ErrorIs(t, err, apperr.ErrTrainingInProgress)
}

func TestModelSlotDoesNotPublishUnpersistedModel(t *testing.T) {
	slot := newSlot(t, failingStore{})
	_, err := slot.Train(context.Background(), labeledEvents(40))
	require.Error(t, err)

	_, err = slot.Current()
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
}
