package detectors

import (
	"sort"

	"gridsec-analytics/internal/models"
)

const (
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type APTThreat struct {
	TotalSuspiciousActions int      `json:"total_suspicious_actions"`
	TimeSpanHours          float64  `json:"time_span_hours"`
	AttackTypes            []string `json:"attack_types"`
	TargetedTables         []string `json:"targeted_tables"`
	Severity               string   `json:"severity"`
	APTScore               int      `json:"apt_score"`
}

type APTReport struct {
	APTThreats   map[string]APTThreat `json:"apt_threats"`
	Threshold    int                  `json:"threshold"`
	TotalFlagged int                  `json:"total_flagged"`
}

// DetectAPT correlates repeated suspicious events per user. A user with at
// least threshold suspicious events is flagged; criticalAt or more is critical.
func DetectAPT(events []models.Event, threshold, criticalAt int) *APTReport {
	byUser := make(map[string][]*models.Event)
	for i := range events {
		if !events[i].IsSuspicious {
			continue
		}
		u := userKey(events[i].UserID)
		byUser[u] = append(byUser[u], &events[i])
	}

	flagged := make(map[string]APTThreat)
	for user, evs := range byUser {
		n := len(evs)
		if n < threshold {
			continue
		}
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })

		var attackTypes, tables []string
		seenType := make(map[string]struct{})
		seenTable := make(map[string]struct{})
		for _, e := range evs {
			if e.AttackType != nil {
				if _, ok := seenType[*e.AttackType]; !ok {
					seenType[*e.AttackType] = struct{}{}
					attackTypes = append(attackTypes, *e.AttackType)
				}
			}
			if _, ok := seenTable[e.TableName]; !ok {
				seenTable[e.TableName] = struct{}{}
				tables = append(tables, e.TableName)
			}
		}

		severity := SeverityHigh
		if n >= criticalAt {
			severity = SeverityCritical
		}
		flagged[user] = APTThreat{
			TotalSuspiciousActions: n,
			TimeSpanHours:          round2(evs[n-1].Timestamp.Sub(evs[0].Timestamp).Hours()),
			AttackTypes:            attackTypes,
			TargetedTables:         tables,
			Severity:               severity,
			APTScore:               min(n*10, 100),
		}
	}
	return &APTReport{APTThreats: flagged, Threshold: threshold, TotalFlagged: len(flagged)}
}
