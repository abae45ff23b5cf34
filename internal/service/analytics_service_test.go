package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/classifier"
	"gridsec-analytics/internal/eventstore"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/privacy"
	"gridsec-analytics/internal/pseudonym"
)

type staticSource struct{ events []models.Event }

func (s staticSource) Load() (*eventstore.LoadResult, error) {
	return &eventstore.LoadResult{Events: s.events, Source: "memory"}, nil
}

type recordingWarehouse struct {
	batches map[string]int
	err     error
}

func (w *recordingWarehouse) InsertAnonymized(_ context.Context, batchID string, _ float64, events []models.Event) error {
	if w.err != nil {
		return w.err
	}
	if w.batches == nil {
		w.batches = make(map[string]int)
	}
	w.batches[batchID] = len(events)
	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	detectors []string
}

func (r *recordingSink) PublishDetection(_ context.Context, detector string, _ int, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, detector)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, int, error) {
	return false, 0, nil
}

func gridEvents(n int) []models.Event {
	base := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := models.Event{
			EventID:     fmt.Sprintf("evt_%04d", i),
			UserID:      fmt.Sprintf("operator_%d", i%5),
			Action:      models.ActionRead,
			TableName:   "meter_readings",
			Timestamp:   base.Add(time.Duration(i%4+9) * time.Hour).Add(time.Duration(i) * time.Hour),
			ThreatLevel: models.ThreatLow,
			Voltage:     models.Float(230 + float64(i%5)),
			Frequency:   models.Float(50),
		}
		if i%4 == 0 {
			ev.UserID = fmt.Sprintf("admin_%d", i%3)
			ev.Action = models.ActionAdminRead
			ev.TableName = "billing_records"
			ev.Timestamp = base.Add(time.Duration(i%3+1) * time.Hour).Add(time.Duration(i) * time.Hour)
			ev.IsSuspicious = true
			ev.ThreatLevel = models.ThreatHigh
			ev.AttackType = models.String("data_exfiltration")
		}
		events = append(events, ev)
	}
	return events
}

func newTestService(t *testing.T, events []models.Event, mutate func(*Deps)) *AnalyticsService {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sensitive := features.NewTableSet(features.DefaultSensitiveTables)
	params := classifier.Params{
		TestRatio: 0.25,
		Forest:    classifier.ForestParams{NumTrees: 10, MaxDepth: 5, Seed: 7},
	}
	d := Deps{
		Events:   staticSource{events: events},
		Privacy:  privacy.NewEngine(privacy.WithSeed(11)),
		Models:   classifier.NewModelSlot(classifier.NewTrainer(params, sensitive, logger), classifier.NewMemoryStore(), sensitive, logger),
		Registry: pseudonym.NewRegistry(nil, logger),
		Epsilon:  1.0,
	}
	if mutate != nil {
		mutate(&d)
	}
	return NewAnalyticsService(d, logger)
}

func TestSummaryWithoutEvents(t *testing.T) {
	svc := newTestService(t, nil, nil)
	sum, err := svc.Summary(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalEvents)
	assert.Empty(t, sum.Events)
	assert.NotEmpty(t, sum.Message)
}

func TestSummaryCountsAttackTypes(t *testing.T) {
	events := gridEvents(40)
	svc := newTestService(t, events, nil)

	sum, err := svc.Summary(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 40, sum.TotalEvents)
	assert.Equal(t, 10, sum.SuspiciousCount)
	assert.Equal(t, map[string]int{"data_exfiltration": 10}, sum.AttackTypes)
	require.Len(t, sum.Events, 5)
	assert.Equal(t, "evt_0039", sum.Events[4].EventID)
}

func TestFilter(t *testing.T) {
	svc := newTestService(t, gridEvents(100), nil)
	ctx := context.Background()

	all, err := svc.Filter(ctx, "all", "")
	require.NoError(t, err)
	assert.Equal(t, 100, all.TotalFiltered)
	assert.Len(t, all.Events, filteredEventsLimit)

	high, err := svc.Filter(ctx, "data_exfiltration", "high")
	require.NoError(t, err)
	assert.Equal(t, 25, high.TotalFiltered)
	for _, e := range high.Events {
		assert.True(t, e.IsSuspicious)
	}

	none, err := svc.Filter(ctx, "ransomware", "all")
	require.NoError(t, err)
	assert.Zero(t, none.TotalFiltered)
	assert.Empty(t, none.Events)
}

func TestFilterWithoutEvents(t *testing.T) {
	svc := newTestService(t, nil, nil)
	res, err := svc.Filter(context.Background(), "all", "all")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Zero(t, res.TotalFiltered)
	assert.Zero(t, res.TotalEvents)
}

func TestAnonymizePersists(t *testing.T) {
	events := gridEvents(20)
	out := filepath.Join(t.TempDir(), "anon.json")
	wh := &recordingWarehouse{}
	svc := newTestService(t, events, func(d *Deps) {
		d.AnonymizedPath = out
		d.Warehouse = wh
	})

	resp, err := svc.Anonymize(context.Background(), AnonymizeRequest{Persist: true})
	require.NoError(t, err)
	assert.Equal(t, 20, resp.TotalEvents)
	assert.Equal(t, out, resp.OutputFile)
	assert.True(t, resp.Warehoused)
	assert.Equal(t, 20, wh.batches[resp.BatchID])

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	decoded, err := eventstore.Decode(raw, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, decoded.Events, 20)

	assert.Equal(t, 230.0, *events[0].Voltage, "source batch must not change")
}

func TestAnonymizeWarehouseFailureIsNotFatal(t *testing.T) {
	svc := newTestService(t, gridEvents(8), func(d *Deps) {
		d.Warehouse = &recordingWarehouse{err: errors.New("clickhouse down")}
	})
	resp, err := svc.Anonymize(context.Background(), AnonymizeRequest{Persist: true})
	require.NoError(t, err)
	assert.False(t, resp.Warehoused)
	assert.Empty(t, resp.OutputFile)
}

func TestAnonymizeRejectsBadEpsilon(t *testing.T) {
	svc := newTestService(t, gridEvents(8), nil)
	eps := -1.0
	_, err := svc.Anonymize(context.Background(), AnonymizeRequest{Epsilon: &eps})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestModelLifecycle(t *testing.T) {
	events := gridEvents(120)
	svc := newTestService(t, events, nil)
	ctx := context.Background()

	_, err := svc.Predict(ctx, &events[0])
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
	_, err = svc.ROC(ctx)
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)
	assert.False(t, svc.ModelInfo().Loaded)

	report, err := svc.Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, report.TrainSize+report.TestSize)
	assert.InDelta(t, 30, report.TestSize, 2)

	info := svc.ModelInfo()
	assert.True(t, info.Loaded)
	assert.Equal(t, 10, info.NEstimators)

	pred, err := svc.Predict(ctx, &events[0])
	require.NoError(t, err)
	assert.Equal(t, classifier.LabelSuspicious, pred.Label)
	assert.Equal(t, "admin_0", pred.Event.User)

	_, err = svc.Predict(ctx, &models.Event{UserID: "x"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	eval, err := svc.ModelMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.TestSize, eval.Samples)
	assert.Equal(t, report.Evaluation.ConfusionMatrix, eval.ConfusionMatrix)

	roc, err := svc.ROC(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, roc.Points, 2)
	assert.Equal(t, roc.Points, len(roc.TPR))
	assert.InDelta(t, 0.5, roc.AUC, 0.5)
	assert.NotEmpty(t, roc.Quality)
}

func TestDetectorsPublishFlaggedReports(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(t, gridEvents(60), func(d *Deps) {
		d.Findings = []FindingSink{sink}
	})
	ctx := context.Background()

	apt, err := svc.DetectAPT(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, apt.TotalFlagged)

	nosy, err := svc.DetectNosyAdmins(ctx)
	require.NoError(t, err)
	assert.Len(t, nosy.NosyAdmins, 3)

	dormant, err := svc.DetectDormantAccounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, dormant.TotalFlagged)

	assert.ElementsMatch(t, []string{detectorAPT, detectorNosyAdmin}, sink.detectors)
}

func TestDetectorsWithoutEvents(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(t, nil, func(d *Deps) {
		d.Findings = []FindingSink{sink}
	})
	ctx := context.Background()

	nosy, err := svc.DetectNosyAdmins(ctx)
	require.NoError(t, err)
	assert.Empty(t, nosy.NosyAdmins)
	assert.Zero(t, nosy.TotalAdminReads)

	dormant, err := svc.DetectDormantAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, dormant.DormantAccounts)
	assert.Zero(t, dormant.TotalFlagged)

	apt, err := svc.DetectAPT(ctx)
	require.NoError(t, err)
	assert.Empty(t, apt.APTThreats)
	assert.Zero(t, apt.TotalFlagged)

	assert.Empty(t, sink.detectors)
}

func TestRevertRateLimited(t *testing.T) {
	svc := newTestService(t, nil, func(d *Deps) {
		d.Limiter = denyLimiter{}
		d.RevertLimit = 1
	})
	ctx := context.Background()

	m, err := svc.CreatePseudonym(ctx, "customer-42")
	require.NoError(t, err)

	_, err = svc.RevertPseudonym(ctx, "10.0.0.9", pseudonym.RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
	assert.Zero(t, svc.PseudonymStats().TotalReversions)
	assert.Empty(t, svc.AuditTrail(m.Pseudonym))
}

func TestRevertWithoutLimiter(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	m, err := svc.CreatePseudonym(ctx, "customer-42")
	require.NoError(t, err)
	res, err := svc.RevertPseudonym(ctx, "10.0.0.9", pseudonym.RevertRequest{Pseudonym: m.Pseudonym, Authorized: true, Reason: "billing dispute"})
	require.NoError(t, err)
	assert.Equal(t, "customer-42", res.RealID)
	assert.Equal(t, 1, res.AccessCount)
	assert.Len(t, svc.AuditTrail(m.Pseudonym), 1)
}
