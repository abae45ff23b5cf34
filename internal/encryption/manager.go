package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"gridsec-analytics/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	versionKMS   = "kms-v1"
	versionLocal = "local-v1"
	localKeyID   = "local-argon2id"
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// EncryptionManager seals fields with a per-value data key. Data keys are
// wrapped by KMS when enabled, otherwise by a local key derived with Argon2id.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	useKMS    bool
	localKEK  []byte
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
	logger    *zap.Logger
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI, logger *zap.Logger) (*EncryptionManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	em := &EncryptionManager{
		kmsClient: kmsClient,
		kmsKeyID:  cfg.KMS.KeyID,
		useKMS:    cfg.KMS.Enabled,
		logger:    logger,
	}
	if em.useKMS {
		if kmsClient == nil {
			return nil, errors.New("kms enabled but no client configured")
		}
		return em, nil
	}
	if cfg.Encryption.Secret == "" {
		return nil, errors.New("ENCRYPTION_SECRET is required when KMS is disabled")
	}
	em.localKEK = deriveKey(cfg.Encryption.Secret, cfg.Encryption.Salt)
	return em, nil
}

func deriveKey(secret, salt string) []byte {
	return argon2.IDKey([]byte(secret), []byte(salt), 1, 64*1024, 4, 32)
}

// GenerateDataKey generates a new data encryption key
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.useKMS {
		return em.generateLocalKey()
	}
	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.kmsKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.kmsKeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.localKEK, key, []byte(localKeyID))
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

// EncryptField encrypts a value using envelope encryption. purpose is bound
// as additional data and must match on decryption.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	ciphertext, err := seal(dataKey.Plaintext, []byte(plaintext), []byte(purpose))
	if err != nil {
		return nil, err
	}

	wrapped := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(wrapped, dataKey.Plaintext)

	version := versionLocal
	if em.useKMS {
		version = versionKMS
	}
	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   wrapped,
		KeyID:          dataKey.KeyID,
		Version:        version,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts a value sealed by EncryptField.
func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData, purpose string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("%w: nil payload", ErrDecryptionFailed)
	}
	dek, err := em.unwrapKey(ctx, data)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(dek, ciphertext, []byte(purpose))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrapKey(ctx context.Context, data *EncryptedData) ([]byte, error) {
	if cached, ok := em.keyCache.Load(data.EncryptedDEK); ok {
		return cached.([]byte), nil
	}
	blob, err := base64.StdEncoding.DecodeString(data.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var dek []byte
	switch data.Version {
	case versionKMS:
		if !em.useKMS {
			return nil, fmt.Errorf("%w: value sealed with KMS but KMS is disabled", ErrDecryptionFailed)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	case versionLocal:
		if em.localKEK == nil {
			return nil, fmt.Errorf("%w: no local key configured", ErrDecryptionFailed)
		}
		dek, err = open(em.localKEK, blob, []byte(localKeyID))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown version %q", ErrDecryptionFailed, data.Version)
	}

	em.keyCache.Store(data.EncryptedDEK, dek)
	return dek, nil
}

// ClearCache drops all cached data keys.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
