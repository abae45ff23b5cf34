package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/metrics"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/pseudonym"
)

// RevertLimiter bounds reversal attempts per caller.
type RevertLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

func (s *AnalyticsService) CreatePseudonym(ctx context.Context, realID string) (*models.PseudonymMapping, error) {
	m, err := s.registry.Create(ctx, realID)
	if err != nil {
		return nil, err
	}
	metrics.PseudonymsCreated.Inc()
	return m, nil
}

// RevertPseudonym resolves a pseudonym for caller. Limiter errors do not
// block the reversal.
func (s *AnalyticsService) RevertPseudonym(ctx context.Context, caller string, req pseudonym.RevertRequest) (*pseudonym.RevertResult, error) {
	if s.limiter != nil && s.revertLimit > 0 {
		ok, _, err := s.limiter.Allow(ctx, "revert:"+caller, s.revertLimit, s.revertWindow)
		switch {
		case err != nil:
			s.logger.Warn("revert rate limiter unavailable", zap.Error(err))
		case !ok:
			metrics.PseudonymReversions.WithLabelValues("rate_limited").Inc()
			return nil, apperr.Wrap(apperr.ErrRateLimited, "too many reversal attempts")
		}
	}

	res, err := s.registry.Revert(ctx, req)
	if err != nil {
		metrics.PseudonymReversions.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.PseudonymReversions.WithLabelValues("ok").Inc()
	return res, nil
}

func (s *AnalyticsService) PseudonymStats() pseudonym.Stats {
	return s.registry.Stats()
}

func (s *AnalyticsService) AuditTrail(pseudonymID string) []models.AuditRecord {
	return s.registry.AuditTrail(pseudonymID)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
