// Package privacy perturbs sensor telemetry with the Laplace mechanism before it
// leaves the analytics boundary.
package privacy

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/models"
)

// FieldSpec is the noise and post-processing policy for one sensor field.
type FieldSpec struct {
	Field       models.SensorField
	Sensitivity float64
	Min         float64
	Max         float64
}

// DefaultFields lists the perturbed readings. Frequency is deliberately absent.
var DefaultFields = []FieldSpec{
	{Field: models.SensorVoltage, Sensitivity: 5.0, Min: 200, Max: 260},
	{Field: models.SensorCurrent, Sensitivity: 2.0, Min: 0, Max: 30},
	{Field: models.SensorPowerFactor, Sensitivity: 0.1, Min: 0.5, Max: 1.0},
	{Field: models.SensorTemperature, Sensitivity: 3.0, Min: 15, Max: 95},
	{Field: models.SensorLoad, Sensitivity: 1.0, Min: 0, Max: 20},
}

type Quality string

const (
	QualityExcellent  Quality = "excellent"
	QualityGood       Quality = "good"
	QualityAcceptable Quality = "acceptable"
)

// FieldStats reports the utility cost of perturbing one field.
type FieldStats struct {
	Field         models.SensorField `json:"field"`
	Sensitivity   float64            `json:"sensitivity"`
	NoiseScale    float64            `json:"noise_scale"`
	Perturbed     int                `json:"perturbed"`
	MeanBefore    float64            `json:"mean_before"`
	MeanAfter     float64            `json:"mean_after"`
	ChangePercent float64            `json:"change_percent"`
}

type AnonymizationResult struct {
	Events             []models.Event `json:"-"`
	Epsilon            float64        `json:"epsilon"`
	TotalEvents        int            `json:"total_events"`
	Fields             []FieldStats   `json:"fields"`
	AverageUtilityLoss float64        `json:"average_utility_loss"`
	Quality            Quality        `json:"quality"`
}

// Engine applies Laplace noise to a fixed set of sensor fields.
type Engine struct {
	fields []FieldSpec
	seed   uint64
}

type Option func(*Engine)

// WithSeed makes every Anonymize call draw the same noise sequence.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

// WithFields replaces DefaultFields.
func WithFields(fields []FieldSpec) Option {
	return func(e *Engine) { e.fields = fields }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{fields: DefaultFields}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) source() rand.Source {
	if e.seed != 0 {
		return rand.NewPCG(e.seed, e.seed^0x9e3779b97f4a7c15)
	}
	now := uint64(time.Now().UnixNano())
	return rand.NewPCG(now, rand.Uint64())
}

// Anonymize returns a perturbed copy of events. The input batch is not modified.
// Missing readings are skipped per field; no event is dropped.
func (e *Engine) Anonymize(events []models.Event, epsilon float64) (*AnonymizationResult, error) {
	if math.IsNaN(epsilon) || epsilon <= 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, "epsilon must be > 0, got %v", epsilon)
	}

	out := make([]models.Event, len(events))
	for i := range events {
		out[i] = events[i].Clone()
	}

	src := e.source()
	result := &AnonymizationResult{
		Events:      out,
		Epsilon:     epsilon,
		TotalEvents: len(events),
		Fields:      make([]FieldStats, 0, len(e.fields)),
	}

	var lossSum float64
	var lossN int
	for _, spec := range e.fields {
		scale := spec.Sensitivity / epsilon
		noise := distuv.Laplace{Mu: 0, Scale: scale, Src: src}

		stats := FieldStats{Field: spec.Field, Sensitivity: spec.Sensitivity, NoiseScale: scale}
		var before, after float64
		for i := range out {
			v, ok := out[i].Sensor(spec.Field)
			if !ok {
				continue
			}
			before += v
			if scale > 0 {
				v += noise.Rand()
			}
			v = round2(clip(v, spec.Min, spec.Max))
			out[i].SetSensor(spec.Field, v)
			after += v
			stats.Perturbed++
		}
		if stats.Perturbed == 0 {
			result.Fields = append(result.Fields, stats)
			continue
		}

		stats.MeanBefore = before / float64(stats.Perturbed)
		stats.MeanAfter = after / float64(stats.Perturbed)
		// Zero-mean fields report 0% and stay out of the average.
		if stats.MeanBefore != 0 {
			stats.ChangePercent = math.Abs(stats.MeanBefore-stats.MeanAfter) / math.Abs(stats.MeanBefore) * 100
			lossSum += stats.ChangePercent
			lossN++
		}
		result.Fields = append(result.Fields, stats)
	}

	if lossN > 0 {
		result.AverageUtilityLoss = lossSum / float64(lossN)
	}
	result.Quality = qualityBand(result.AverageUtilityLoss)
	return result, nil
}

func qualityBand(loss float64) Quality {
	switch {
	case loss < 5:
		return QualityExcellent
	case loss < 10:
		return QualityGood
	default:
		return QualityAcceptable
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
