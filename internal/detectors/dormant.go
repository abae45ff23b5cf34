package detectors

import (
	"sort"
	"time"

	"gridsec-analytics/internal/models"
)

type DormantAccount struct {
	MaxInactivityHours     float64   `json:"max_inactivity_hours"`
	LastActive             time.Time `json:"last_active"`
	TotalActions           int       `json:"total_actions"`
	SuspiciousReactivation bool      `json:"suspicious_reactivation"`
}

type DormantReport struct {
	DormantAccounts map[string]DormantAccount `json:"dormant_accounts"`
	ThresholdHours  float64                   `json:"threshold_hours"`
	TotalFlagged    int                       `json:"total_flagged"`
}

// DetectDormantAccounts flags users whose longest gap between consecutive
// events exceeds thresholdHours. Users with a single event are skipped.
func DetectDormantAccounts(events []models.Event, thresholdHours float64) *DormantReport {
	byUser := make(map[string][]time.Time)
	for i := range events {
		u := userKey(events[i].UserID)
		byUser[u] = append(byUser[u], events[i].Timestamp)
	}

	flagged := make(map[string]DormantAccount)
	for user, ts := range byUser {
		if len(ts) < 2 {
			continue
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

		var maxGap float64
		for i := 1; i < len(ts); i++ {
			if gap := ts[i].Sub(ts[i-1]).Hours(); gap > maxGap {
				maxGap = gap
			}
		}
		if maxGap <= thresholdHours {
			continue
		}
		flagged[user] = DormantAccount{
			MaxInactivityHours:     round2(maxGap),
			LastActive:             ts[len(ts)-1].UTC(),
			TotalActions:           len(ts),
			SuspiciousReactivation: true,
		}
	}
	return &DormantReport{DormantAccounts: flagged, ThresholdHours: thresholdHours, TotalFlagged: len(flagged)}
}
