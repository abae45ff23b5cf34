package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gridsec-analytics/internal/client"
	"gridsec-analytics/internal/encryption"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/util"
)

const pseudonymPrefix = "gridsec:pseudonym:"

// FieldCipher seals the real identity before it leaves the process.
type FieldCipher interface {
	EncryptField(ctx context.Context, plaintext, purpose string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData, purpose string) (string, error)
}

type storedMapping struct {
	Pseudonym   string                    `json:"pseudonym"`
	RealID      *encryption.EncryptedData `json:"real_id"`
	CreatedAt   time.Time                 `json:"created_at"`
	AccessCount int                       `json:"access_count"`
}

// PseudonymStore persists mappings with the real id encrypted at rest.
// With a non-zero retention every key expires that long after creation.
type PseudonymStore struct {
	client    *client.RedisClient
	cipher    FieldCipher
	retention time.Duration
	now       func() time.Time
}

func NewPseudonymStore(client *client.RedisClient, cipher FieldCipher, retention time.Duration) *PseudonymStore {
	return &PseudonymStore{
		client:    client,
		cipher:    cipher,
		retention: retention,
		now:       time.Now,
	}
}

func purpose(pseudonym string) string {
	return "pseudonym:" + pseudonym
}

func (s *PseudonymStore) SaveMapping(ctx context.Context, m models.PseudonymMapping) error {
	key := pseudonymPrefix + m.Pseudonym

	var ttl time.Duration
	if s.retention > 0 {
		ttl = s.retention - s.now().Sub(m.CreatedAt)
		if ttl <= 0 {
			return s.client.Del(ctx, key)
		}
	}

	sealed, err := s.cipher.EncryptField(ctx, m.RealID, purpose(m.Pseudonym))
	if err != nil {
		return fmt.Errorf("failed to encrypt real id: %w", err)
	}
	payload, err := json.Marshal(storedMapping{
		Pseudonym:   m.Pseudonym,
		RealID:      sealed,
		CreatedAt:   m.CreatedAt,
		AccessCount: m.AccessCount,
	})
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl); err != nil {
		util.Error("Failed to save pseudonym mapping", zap.String("pseudonym", m.Pseudonym), zap.Error(err))
		return fmt.Errorf("failed to save pseudonym mapping: %w", err)
	}
	return nil
}

// LoadMappings walks every stored mapping. Entries that cannot be decrypted
// are logged and skipped.
func (s *PseudonymStore) LoadMappings(ctx context.Context) ([]models.PseudonymMapping, error) {
	keys, err := s.client.ScanKeys(ctx, pseudonymPrefix+"*", 500)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pseudonym keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read pseudonym mappings: %w", err)
	}

	out := make([]models.PseudonymMapping, 0, len(keys))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}
		var sm storedMapping
		if err := json.Unmarshal(raw, &sm); err != nil {
			util.Warn("Skipping undecodable pseudonym mapping", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if sm.Pseudonym == "" {
			sm.Pseudonym = strings.TrimPrefix(keys[i], pseudonymPrefix)
		}
		realID, err := s.cipher.DecryptField(ctx, sm.RealID, purpose(sm.Pseudonym))
		if err != nil {
			util.Warn("Skipping pseudonym mapping that failed to decrypt", zap.String("pseudonym", sm.Pseudonym), zap.Error(err))
			continue
		}
		out = append(out, models.PseudonymMapping{
			Pseudonym:   sm.Pseudonym,
			RealID:      realID,
			CreatedAt:   sm.CreatedAt,
			AccessCount: sm.AccessCount,
		})
	}
	return out, nil
}
