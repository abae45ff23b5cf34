package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gridsec-analytics/internal/classifier"
	"gridsec-analytics/internal/client"
	"gridsec-analytics/internal/util"
)

const (
	modelKey          = "gridsec:model"
	fieldForest       = "forest"
	fieldEncoders     = "encoders"
	fieldFeatureNames = "feature_names"
)

// ModelStore keeps the model artifact in one hash. All three fields are
// replaced inside a single MULTI/EXEC.
type ModelStore struct {
	client *client.RedisClient
	key    string
}

func NewModelStore(client *client.RedisClient) *ModelStore {
	return &ModelStore{client: client, key: modelKey}
}

func (s *ModelStore) SaveModel(ctx context.Context, a classifier.Artifact) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key,
		fieldForest, a.Forest,
		fieldEncoders, a.Encoders,
		fieldFeatureNames, a.FeatureNames,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save model artifact", zap.String("key", s.key), zap.Error(err))
		return fmt.Errorf("failed to save model artifact: %w", err)
	}
	util.Info("Model artifact saved",
		zap.String("key", s.key),
		zap.Int("forest_bytes", len(a.Forest)))
	return nil
}

func (s *ModelStore) LoadModel(ctx context.Context) (classifier.Artifact, error) {
	fields, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return classifier.Artifact{}, fmt.Errorf("failed to load model artifact: %w", err)
	}
	return classifier.Artifact{
		Forest:       bytesOrNil(fields[fieldForest]),
		Encoders:     bytesOrNil(fields[fieldEncoders]),
		FeatureNames: bytesOrNil(fields[fieldFeatureNames]),
	}, nil
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
