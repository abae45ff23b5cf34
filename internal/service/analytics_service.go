package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/classifier"
	"gridsec-analytics/internal/eventstore"
	"gridsec-analytics/internal/metrics"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/privacy"
)

const (
	defaultRecentEvents = 10
	filteredEventsLimit = 20
	filterAll           = "all"
)

// EventSource yields the current event history.
type EventSource interface {
	Load() (*eventstore.LoadResult, error)
}

// WarehouseSink receives anonymized batches for long-term analytics.
type WarehouseSink interface {
	InsertAnonymized(ctx context.Context, batchID string, epsilon float64, events []models.Event) error
}

type EventsSummary struct {
	Events          []models.Event `json:"events"`
	TotalEvents     int            `json:"total_events"`
	SuspiciousCount int            `json:"suspicious_count"`
	AttackTypes     map[string]int `json:"attack_types"`
	Skipped         int            `json:"skipped_records"`
	Message         string         `json:"message,omitempty"`
}

type FilterResult struct {
	Events        []models.Event `json:"events"`
	TotalFiltered int            `json:"total_filtered"`
	TotalEvents   int            `json:"total_events"`
}

type AnonymizeRequest struct {
	// Epsilon overrides the configured privacy budget when set.
	Epsilon *float64 `json:"epsilon,omitempty"`
	// Persist writes the anonymized batch to the output file and warehouse.
	Persist bool `json:"persist"`
}

type AnonymizeResponse struct {
	*privacy.AnonymizationResult
	BatchID    string `json:"batch_id"`
	OutputFile string `json:"output_file,omitempty"`
	Warehoused bool   `json:"warehoused"`
}

type PredictResponse struct {
	*classifier.Prediction
	Event PredictedEvent `json:"event"`
}

type PredictedEvent struct {
	User   string `json:"user"`
	Action string `json:"action"`
	Table  string `json:"table"`
}

type ROCResponse struct {
	classifier.ROCCurve
	AUC     float64 `json:"auc"`
	Quality string  `json:"quality"`
	Points  int     `json:"points"`
}

// Events returns the current history. A missing source is an empty history.
func (s *AnalyticsService) Events() ([]models.Event, error) {
	res, err := s.events.Load()
	if err != nil {
		return nil, err
	}
	metrics.EventsLoaded.Set(float64(len(res.Events)))
	if res.Skipped > 0 {
		metrics.EventsSkipped.Add(float64(res.Skipped))
	}
	return res.Events, nil
}

// requireEvents is Events for operations that cannot run on an empty history.
func (s *AnalyticsService) requireEvents() ([]models.Event, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperr.Wrap(apperr.ErrDataUnavailable, "no events available")
	}
	return events, nil
}

// Summary reports totals, the attack type distribution and the most recent events.
func (s *AnalyticsService) Summary(_ context.Context, recent int) (*EventsSummary, error) {
	res, err := s.events.Load()
	if err != nil {
		return nil, err
	}
	if recent <= 0 {
		recent = defaultRecentEvents
	}
	out := &EventsSummary{
		Events:      tail(res.Events, recent),
		TotalEvents: len(res.Events),
		AttackTypes: make(map[string]int),
		Skipped:     res.Skipped,
	}
	for i := range res.Events {
		if res.Events[i].IsSuspicious {
			out.SuspiciousCount++
			out.AttackTypes[res.Events[i].AttackTypeOr("Unknown")]++
		}
	}
	if len(res.Events) == 0 {
		out.Message = "No events found. Generate or import a dataset first."
	}
	return out, nil
}

// Filter narrows the history by attack type and threat level. An empty value
// or "all" disables that filter.
func (s *AnalyticsService) Filter(_ context.Context, attackType, threatLevel string) (*FilterResult, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	attackType = strings.TrimSpace(attackType)
	threatLevel = strings.TrimSpace(threatLevel)

	filtered := make([]models.Event, 0, len(events))
	for i := range events {
		e := &events[i]
		if attackType != "" && attackType != filterAll && (e.AttackType == nil || *e.AttackType != attackType) {
			continue
		}
		if threatLevel != "" && threatLevel != filterAll && string(e.ThreatLevel) != threatLevel {
			continue
		}
		filtered = append(filtered, *e)
	}
	return &FilterResult{
		Events:        tail(filtered, filteredEventsLimit),
		TotalFiltered: len(filtered),
		TotalEvents:   len(events),
	}, nil
}

// Anonymize perturbs the sensor readings of the whole history.
func (s *AnalyticsService) Anonymize(ctx context.Context, req AnonymizeRequest) (*AnonymizeResponse, error) {
	events, err := s.requireEvents()
	if err != nil {
		return nil, err
	}
	epsilon := s.epsilon
	if req.Epsilon != nil {
		epsilon = *req.Epsilon
	}

	result, err := s.privacy.Anonymize(events, epsilon)
	if err != nil {
		return nil, err
	}
	metrics.AnonymizationRuns.Inc()
	metrics.AnonymizationUtilityLoss.Set(result.AverageUtilityLoss)

	resp := &AnonymizeResponse{AnonymizationResult: result, BatchID: uuid.NewString()}
	s.logger.Info("events anonymized",
		zap.String("batch_id", resp.BatchID),
		zap.Float64("epsilon", epsilon),
		zap.Int("events", result.TotalEvents),
		zap.Float64("utility_loss", result.AverageUtilityLoss),
	)
	if !req.Persist {
		return resp, nil
	}

	if s.anonymizedPath != "" {
		if err := eventstore.Write(s.anonymizedPath, result.Events); err != nil {
			return nil, fmt.Errorf("write anonymized events: %w", err)
		}
		resp.OutputFile = s.anonymizedPath
	}
	if s.warehouse != nil {
		if err := s.warehouse.InsertAnonymized(ctx, resp.BatchID, epsilon, result.Events); err != nil {
			s.logger.Warn("warehouse insert failed", zap.String("batch_id", resp.BatchID), zap.Error(err))
		} else {
			resp.Warehoused = true
		}
	}
	return resp, nil
}

// Train fits a new model on the full history and publishes it.
func (s *AnalyticsService) Train(ctx context.Context) (*classifier.TrainingReport, error) {
	events, err := s.requireEvents()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	report, err := s.slot.Train(ctx, events)
	if err != nil {
		if !errors.Is(err, apperr.ErrTrainingInProgress) {
			s.logger.Error("training failed", zap.Error(err))
		}
		return nil, err
	}
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	metrics.ModelAccuracy.Set(report.Evaluation.Accuracy)
	report.Evaluation.ROC = classifier.SampleROC(report.Evaluation.ROC)
	return report, nil
}

// Predict scores one event. Only the fields the classifier reads are required.
func (s *AnalyticsService) Predict(_ context.Context, e *models.Event) (*PredictResponse, error) {
	if e == nil {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, "event is required")
	}
	var missing []string
	if e.UserID == "" {
		missing = append(missing, "user_id")
	}
	if e.Action == "" {
		missing = append(missing, "action")
	}
	if e.TableName == "" {
		missing = append(missing, "table_name")
	}
	if e.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, "missing %s", strings.Join(missing, ", "))
	}

	p, err := s.slot.Predict(e)
	if err != nil {
		return nil, err
	}
	metrics.Predictions.WithLabelValues(p.Label).Inc()
	return &PredictResponse{
		Prediction: p,
		Event:      PredictedEvent{User: e.UserID, Action: string(e.Action), Table: e.TableName},
	}, nil
}

// ModelMetrics evaluates the served model on the holdout split of the
// labelled history.
func (s *AnalyticsService) ModelMetrics(_ context.Context) (*classifier.Evaluation, error) {
	if _, err := s.slot.Current(); err != nil {
		return nil, err
	}
	events, err := s.requireEvents()
	if err != nil {
		return nil, err
	}
	eval, err := s.slot.EvaluateHoldout(events)
	if err != nil {
		return nil, err
	}
	eval.ROC = classifier.SampleROC(eval.ROC)
	return eval, nil
}

// ROC returns a sampled ROC curve of the served model over the holdout.
func (s *AnalyticsService) ROC(ctx context.Context) (*ROCResponse, error) {
	eval, err := s.ModelMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &ROCResponse{
		ROCCurve: eval.ROC,
		AUC:      eval.AUC,
		Quality:  eval.AUCQuality,
		Points:   eval.ROC.Len(),
	}, nil
}

func (s *AnalyticsService) ModelInfo() classifier.ModelInfo {
	return s.slot.Info()
}

func tail[T any](xs []T, n int) []T {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
