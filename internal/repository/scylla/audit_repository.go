package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/util"
)

// AuditRepository is the durable reversal trail. Writes go to both tables in
// one logged batch so the per-day index never drifts from the main table.
type AuditRepository struct {
	client *ScyllaClient
}

func NewAuditRepository(client *ScyllaClient) *AuditRepository {
	return &AuditRepository{client: client}
}

func (r *AuditRepository) Append(ctx context.Context, rec models.AuditRecord) error {
	ts := rec.Timestamp.UTC()
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)

	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(r.client.Prepared.InsertAudit.Statement(),
		rec.Pseudonym, ts, rec.RecordID, rec.Reason, rec.AccessCount)
	batch.Query(r.client.Prepared.InsertAuditByDay.Statement(),
		day, ts, rec.RecordID, rec.Pseudonym)

	if err := r.client.ExecuteBatchWithRetry(ctx, batch, 2); err != nil {
		util.Error("Failed to append audit record",
			zap.String("pseudonym", rec.Pseudonym),
			zap.String("record_id", rec.RecordID),
			zap.Error(err))
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// ListByPseudonym returns the durable trail for one pseudonym, oldest first.
func (r *AuditRepository) ListByPseudonym(ctx context.Context, pseudonym string) ([]models.AuditRecord, error) {
	iter := r.client.Session.Query(r.client.Prepared.ListAudit.Statement(), pseudonym).WithContext(ctx).Iter()

	var (
		out []models.AuditRecord
		rec models.AuditRecord
	)
	for iter.Scan(&rec.RecordID, &rec.Timestamp, &rec.Pseudonym, &rec.Reason, &rec.AccessCount) {
		out = append(out, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return out, nil
}

// CountOnDay counts reversals recorded on the UTC day containing t.
func (r *AuditRepository) CountOnDay(ctx context.Context, t time.Time) (int, error) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	var n int
	if err := r.client.Session.Query(r.client.Prepared.CountAuditByDay.Statement(), day).WithContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}
