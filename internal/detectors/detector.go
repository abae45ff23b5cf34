// Package detectors holds the rule-based behaviour scans. Every scan reads the
// whole event history; the Scanner optionally caches reports by content hash.
package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"gridsec-analytics/internal/bucketing"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/metrics"
	"gridsec-analytics/internal/models"
)

type Config struct {
	SensitiveTables      []string
	NosyAdminThreshold   int
	DormancyHours        float64
	APTThreshold         int
	APTCriticalThreshold int
}

func DefaultConfig() Config {
	return Config{
		SensitiveTables:      features.DefaultSensitiveTables,
		NosyAdminThreshold:   5,
		DormancyHours:        24,
		APTThreshold:         3,
		APTCriticalThreshold: 5,
	}
}

// ResultCache stores encoded reports by key. Implementations must treat a
// miss as (nil, nil).
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Scanner struct {
	cfg       Config
	sensitive features.TableSet
	cache     ResultCache
	logger    *zap.Logger
}

// NewScanner builds a scanner. cache may be nil.
func NewScanner(cfg Config, cache ResultCache, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		cfg:       cfg,
		sensitive: features.NewTableSet(cfg.SensitiveTables),
		cache:     cache,
		logger:    logger,
	}
}

func (s *Scanner) NosyAdmins(ctx context.Context, events []models.Event) (*NosyAdminReport, error) {
	params := fmt.Sprintf("%v|%d", s.cfg.SensitiveTables, s.cfg.NosyAdminThreshold)
	return cached(ctx, s, "nosy_admin", params, events, func() *NosyAdminReport {
		return DetectNosyAdmins(events, s.sensitive, s.cfg.NosyAdminThreshold)
	})
}

func (s *Scanner) DormantAccounts(ctx context.Context, events []models.Event) (*DormantReport, error) {
	params := strconv.FormatFloat(s.cfg.DormancyHours, 'g', -1, 64)
	return cached(ctx, s, "dormant", params, events, func() *DormantReport {
		return DetectDormantAccounts(events, s.cfg.DormancyHours)
	})
}

func (s *Scanner) APT(ctx context.Context, events []models.Event) (*APTReport, error) {
	params := fmt.Sprintf("%d|%d", s.cfg.APTThreshold, s.cfg.APTCriticalThreshold)
	return cached(ctx, s, "apt", params, events, func() *APTReport {
		return DetectAPT(events, s.cfg.APTThreshold, s.cfg.APTCriticalThreshold)
	})
}

// cached runs scan unless a report for the same detector, parameters and event
// content is in the cache. Cache failures are logged and never fail the scan.
func cached[T any](ctx context.Context, s *Scanner, detector, params string, events []models.Event, scan func() *T) (*T, error) {
	if s.cache == nil {
		return scan(), nil
	}
	key, err := Fingerprint(detector, params, events)
	if err != nil {
		s.logger.Warn("fingerprint failed, scanning without cache", zap.String("detector", detector), zap.Error(err))
		return scan(), nil
	}

	if raw, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("detection cache read failed", zap.String("detector", detector), zap.Error(err))
	} else if raw != nil {
		var out T
		if err := json.Unmarshal(raw, &out); err == nil {
			metrics.DetectionCacheLookups.WithLabelValues(detector, "hit").Inc()
			return &out, nil
		}
	}
	metrics.DetectionCacheLookups.WithLabelValues(detector, "miss").Inc()

	report := scan()
	if raw, err := json.Marshal(report); err == nil {
		if err := s.cache.Set(ctx, key, raw); err != nil {
			s.logger.Warn("detection cache write failed", zap.String("detector", detector), zap.Error(err))
		}
	}
	return report, nil
}

// Fingerprint hashes the detector name, its parameters and the canonical JSON
// encoding of every event.
func Fingerprint(detector, params string, events []models.Event) (string, error) {
	fp := bucketing.NewFingerprinter()
	fp.WriteString(detector)
	fp.WriteString(params)
	for i := range events {
		raw, err := json.Marshal(events[i])
		if err != nil {
			return "", err
		}
		fp.Write(raw)
	}
	return detector + ":" + fp.Sum(), nil
}

func userKey(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
