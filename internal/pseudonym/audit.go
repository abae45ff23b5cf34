package pseudonym

import (
	"context"
	"sync"

	"gridsec-analytics/internal/models"
)

// AuditSink receives every reversal record.
type AuditSink interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

// AuditLog is the in-process append-only trail, indexed by pseudonym.
type AuditLog struct {
	mu      sync.RWMutex
	records map[string][]models.AuditRecord
	total   int
}

func NewAuditLog() *AuditLog {
	return &AuditLog{records: make(map[string][]models.AuditRecord)}
}

func (l *AuditLog) Append(_ context.Context, rec models.AuditRecord) error {
	l.mu.Lock()
	l.records[rec.Pseudonym] = append(l.records[rec.Pseudonym], rec)
	l.total++
	l.mu.Unlock()
	return nil
}

// Records returns a copy of the trail for one pseudonym, oldest first.
func (l *AuditLog) Records(pseudonym string) []models.AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	recs := l.records[pseudonym]
	out := make([]models.AuditRecord, len(recs))
	copy(out, recs)
	return out
}

func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
