package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gridsec-analytics/internal/detectors"
	"gridsec-analytics/internal/metrics"
)

const (
	detectorNosyAdmin = "nosy_admin"
	detectorDormant   = "dormant_accounts"
	detectorAPT       = "apt"
)

// FindingSink receives detector reports that flagged at least one user.
type FindingSink interface {
	PublishDetection(ctx context.Context, detector string, flagged int, report interface{}) error
}

func (s *AnalyticsService) DetectNosyAdmins(ctx context.Context) (*detectors.NosyAdminReport, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	report, err := s.scanner.NosyAdmins(ctx, events)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, detectorNosyAdmin, len(report.NosyAdmins), report)
	return report, nil
}

func (s *AnalyticsService) DetectDormantAccounts(ctx context.Context) (*detectors.DormantReport, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	report, err := s.scanner.DormantAccounts(ctx, events)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, detectorDormant, report.TotalFlagged, report)
	return report, nil
}

func (s *AnalyticsService) DetectAPT(ctx context.Context) (*detectors.APTReport, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	report, err := s.scanner.APT(ctx, events)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, detectorAPT, report.TotalFlagged, report)
	return report, nil
}

// publish fans a report out to every sink. Sink failures are logged only.
func (s *AnalyticsService) publish(ctx context.Context, detector string, flagged int, report interface{}) {
	metrics.DetectionsFlagged.WithLabelValues(detector).Set(float64(flagged))
	if flagged == 0 || len(s.findings) == 0 {
		return
	}

	var g errgroup.Group
	for _, sink := range s.findings {
		g.Go(func() error {
			if err := sink.PublishDetection(ctx, detector, flagged, report); err != nil {
				s.logger.Warn("publishing detection failed",
					zap.String("detector", detector),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
