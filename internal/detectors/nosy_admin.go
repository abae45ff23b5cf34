package detectors

import (
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/models"
)

// NosyAdminReport lists administrators reading sensitive tables at or above
// the threshold.
type NosyAdminReport struct {
	NosyAdmins      map[string]int `json:"nosy_admins"`
	Threshold       int            `json:"threshold"`
	TotalAdminReads int            `json:"total_admin_reads"`
}

// DetectNosyAdmins counts ADMIN_READ events on sensitive tables per user.
func DetectNosyAdmins(events []models.Event, sensitive features.TableSet, threshold int) *NosyAdminReport {
	counts := make(map[string]int)
	total := 0
	for i := range events {
		e := &events[i]
		if e.Action != models.ActionAdminRead || !sensitive.Contains(e.TableName) {
			continue
		}
		counts[userKey(e.UserID)]++
		total++
	}

	flagged := make(map[string]int)
	for user, n := range counts {
		if n >= threshold {
			flagged[user] = n
		}
	}
	return &NosyAdminReport{NosyAdmins: flagged, Threshold: threshold, TotalAdminReads: total}
}
