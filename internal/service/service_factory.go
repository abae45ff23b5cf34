package service

import (
	"time"

	"go.uber.org/zap"

	"gridsec-analytics/internal/classifier"
	"gridsec-analytics/internal/detectors"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/privacy"
	"gridsec-analytics/internal/pseudonym"
)

// Deps are the collaborators of the analytics service. Warehouse, Findings and
// Limiter are optional.
type Deps struct {
	Events   EventSource
	Privacy  *privacy.Engine
	Models   *classifier.ModelSlot
	Scanner  *detectors.Scanner
	Registry *pseudonym.Registry

	Warehouse WarehouseSink
	Findings  []FindingSink
	Limiter   RevertLimiter

	Epsilon        float64
	AnonymizedPath string
	RevertLimit    int
	RevertWindow   time.Duration
}

// AnalyticsService is the single entry point used by the HTTP handlers and
// the pipeline command.
type AnalyticsService struct {
	events   EventSource
	privacy  *privacy.Engine
	slot     *classifier.ModelSlot
	scanner  *detectors.Scanner
	registry *pseudonym.Registry

	warehouse WarehouseSink
	findings  []FindingSink
	limiter   RevertLimiter

	epsilon        float64
	anonymizedPath string
	revertLimit    int
	revertWindow   time.Duration

	logger *zap.Logger
}

func NewAnalyticsService(d Deps, logger *zap.Logger) *AnalyticsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Privacy == nil {
		d.Privacy = privacy.NewEngine()
	}
	if d.Models == nil {
		sensitive := features.NewTableSet(features.DefaultSensitiveTables)
		trainer := classifier.NewTrainer(classifier.DefaultParams(), sensitive, logger)
		d.Models = classifier.NewModelSlot(trainer, classifier.NewMemoryStore(), sensitive, logger)
	}
	if d.Scanner == nil {
		d.Scanner = detectors.NewScanner(detectors.DefaultConfig(), nil, logger)
	}
	if d.Registry == nil {
		d.Registry = pseudonym.NewRegistry(nil, logger)
	}
	if d.Epsilon <= 0 {
		d.Epsilon = 1.0
	}
	if d.RevertWindow <= 0 {
		d.RevertWindow = time.Minute
	}
	return &AnalyticsService{
		events:         d.Events,
		privacy:        d.Privacy,
		slot:           d.Models,
		scanner:        d.Scanner,
		registry:       d.Registry,
		warehouse:      d.Warehouse,
		findings:       d.Findings,
		limiter:        d.Limiter,
		epsilon:        d.Epsilon,
		anonymizedPath: d.AnonymizedPath,
		revertLimit:    d.RevertLimit,
		revertWindow:   d.RevertWindow,
		logger:         logger,
	}
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps      Deps
	logger    *zap.Logger
	analytics *AnalyticsService
}

func NewServiceFactory(deps Deps, logger *zap.Logger) *ServiceFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceFactory{deps: deps, logger: logger}
}

// AnalyticsService returns the analytics service instance (singleton)
func (f *ServiceFactory) AnalyticsService() *AnalyticsService {
	if f.analytics == nil {
		f.analytics = NewAnalyticsService(f.deps, f.logger.Named("analytics"))
	}
	return f.analytics
}
