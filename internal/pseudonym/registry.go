// Package pseudonym maintains reversible pseudonyms for real identities.
// Reversal is authorization gated and always audited.
package pseudonym

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/bucketing"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/util"
)

const (
	tokenPrefix      = "psn_"
	reasonNotGiven   = "Not specified"
	maxTokenAttempts = 8
)

// MappingStore persists mappings beyond the process lifetime.
type MappingStore interface {
	SaveMapping(ctx context.Context, m models.PseudonymMapping) error
	LoadMappings(ctx context.Context) ([]models.PseudonymMapping, error)
}

type RevertRequest struct {
	Pseudonym  string `json:"pseudonym"`
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

type RevertResult struct {
	RealID      string             `json:"real_id"`
	CreatedAt   time.Time          `json:"created_at"`
	AccessCount int                `json:"access_count"`
	Audit       models.AuditRecord `json:"audit_log"`
}

type Stats struct {
	TotalPseudonyms  int   `json:"total_pseudonyms"`
	TotalReversions  int64 `json:"total_reversions"`
	AuditRecordCount int   `json:"audit_records"`
}

type entry struct {
	mu      sync.Mutex
	mapping models.PseudonymMapping
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// pending holds tokens reserved by a Create that has not persisted yet.
	pending map[string]struct{}
}

// Registry owns every mapping. Lookups take a shard read lock; reversals of
// one pseudonym are serialized by that entry's mutex only.
type Registry struct {
	shards  []*shard
	buckets *bucketing.BucketingManager

	store     MappingStore
	durable   AuditSink
	observers []AuditSink
	trail     *AuditLog

	count      atomic.Int64
	reversions atomic.Int64

	logger   *zap.Logger
	now      func() time.Time
	newToken func() string
}

type Option func(*Registry)

// WithStore persists mappings on create and reversal.
func WithStore(s MappingStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithDurableAudit sets the sink a reversal must reach before it counts.
func WithDurableAudit(s AuditSink) Option {
	return func(r *Registry) { r.durable = s }
}

// WithAuditObservers adds best-effort sinks (streams, search indexes).
func WithAuditObservers(s ...AuditSink) Option {
	return func(r *Registry) { r.observers = append(r.observers, s...) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func withTokenSource(f func() string) Option {
	return func(r *Registry) { r.newToken = f }
}

func NewRegistry(buckets *bucketing.BucketingManager, logger *zap.Logger, opts ...Option) *Registry {
	if buckets == nil {
		buckets = bucketing.NewBucketingManager(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		buckets:  buckets,
		trail:    NewAuditLog(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: newToken,
	}
	r.shards = make([]*shard, buckets.Shards())
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry), pending: make(map[string]struct{})}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newToken() string {
	return tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *Registry) shardFor(pseudonym string) *shard {
	return r.shards[r.buckets.Bucket(pseudonym)]
}

// Create issues a fresh pseudonym for realID. realID is stored exactly as
// given. The pseudonym becomes resolvable only once it has been persisted.
func (r *Registry) Create(ctx context.Context, realID string) (*models.PseudonymMapping, error) {
	if strings.TrimSpace(realID) == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, "real_id is required")
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := r.newToken()
		sh := r.shardFor(token)

		sh.mu.Lock()
		_, exists := sh.entries[token]
		_, reserved := sh.pending[token]
		if exists || reserved {
			sh.mu.Unlock()
			continue
		}
		sh.pending[token] = struct{}{}
		sh.mu.Unlock()

		m := models.PseudonymMapping{
			Pseudonym: token,
			RealID:    realID,
			CreatedAt: r.now(),
		}
		if r.store != nil {
			if err := r.store.SaveMapping(ctx, m); err != nil {
				sh.mu.Lock()
				delete(sh.pending, token)
				sh.mu.Unlock()
				return nil, fmt.Errorf("persist pseudonym: %w", err)
			}
		}

		sh.mu.Lock()
		delete(sh.pending, token)
		sh.entries[token] = &entry{mapping: m}
		sh.mu.Unlock()

		r.count.Add(1)
		r.logger.Info("pseudonym created", zap.String("pseudonym", token))
		return &m, nil
	}
	return nil, fmt.Errorf("could not allocate a unique pseudonym after %d attempts", maxTokenAttempts)
}

// Revert resolves a pseudonym to its real identity. The audit record is
// written before the access counter moves; if it cannot be written the
// reversal fails and nothing changes.
func (r *Registry) Revert(ctx context.Context, req RevertRequest) (*RevertResult, error) {
	if !req.Authorized {
		r.logger.Warn("unauthorized pseudonym reversal", zap.String("pseudonym", req.Pseudonym))
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "authorization required to revert pseudonym")
	}

	sh := r.shardFor(req.Pseudonym)
	sh.mu.RLock()
	e, ok := sh.entries[req.Pseudonym]
	sh.mu.RUnlock()
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, "pseudonym %q", req.Pseudonym)
	}

	reason := util.SanitizeInput(req.Reason)
	if reason == "" {
		reason = reasonNotGiven
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := models.AuditRecord{
		RecordID:    uuid.NewString(),
		Timestamp:   r.now(),
		Pseudonym:   req.Pseudonym,
		Reason:      reason,
		AccessCount: e.mapping.AccessCount + 1,
	}
	if r.durable != nil {
		if err := r.durable.Append(ctx, rec); err != nil {
			r.logger.Error("audit append failed, reversal aborted",
				zap.String("pseudonym", req.Pseudonym), zap.Error(err))
			return nil, fmt.Errorf("append audit record: %w", err)
		}
	}
	_ = r.trail.Append(ctx, rec)
	e.mapping.AccessCount = rec.AccessCount
	r.reversions.Add(1)

	for _, o := range r.observers {
		if err := o.Append(ctx, rec); err != nil {
			r.logger.Warn("audit observer failed", zap.String("record_id", rec.RecordID), zap.Error(err))
		}
	}
	if r.store != nil {
		if err := r.store.SaveMapping(ctx, e.mapping); err != nil {
			r.logger.Warn("persist access count failed", zap.String("pseudonym", req.Pseudonym), zap.Error(err))
		}
	}

	r.logger.Info("pseudonym reverted",
		zap.String("pseudonym", req.Pseudonym),
		zap.Int("access_count", rec.AccessCount),
		zap.String("reason", reason),
	)
	return &RevertResult{
		RealID:      e.mapping.RealID,
		CreatedAt:   e.mapping.CreatedAt,
		AccessCount: e.mapping.AccessCount,
		Audit:       rec,
	}, nil
}

// Lookup returns a copy of a mapping without touching its counter.
func (r *Registry) Lookup(pseudonym string) (*models.PseudonymMapping, bool) {
	sh := r.shardFor(pseudonym)
	sh.mu.RLock()
	e, ok := sh.entries[pseudonym]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	m := e.mapping
	e.mu.Unlock()
	return &m, true
}

func (r *Registry) Stats() Stats {
	return Stats{
		TotalPseudonyms:  int(r.count.Load()),
		TotalReversions:  r.reversions.Load(),
		AuditRecordCount: r.trail.Len(),
	}
}

// AuditTrail returns the reversal records for a pseudonym seen by this process.
func (r *Registry) AuditTrail(pseudonym string) []models.AuditRecord {
	return r.trail.Records(pseudonym)
}

// Restore loads persisted mappings. Existing in-memory entries win.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	mappings, err := r.store.LoadMappings(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore pseudonyms: %w", err)
	}
	restored := 0
	for _, m := range mappings {
		if m.Pseudonym == "" || m.RealID == "" {
			continue
		}
		sh := r.shardFor(m.Pseudonym)
		sh.mu.Lock()
		if _, exists := sh.entries[m.Pseudonym]; !exists {
			sh.entries[m.Pseudonym] = &entry{mapping: m}
			restored++
			r.count.Add(1)
			r.reversions.Add(int64(m.AccessCount))
		}
		sh.mu.Unlock()
	}
	r.logger.Info("pseudonyms restored", zap.Int("count", restored))
	return restored, nil
}
