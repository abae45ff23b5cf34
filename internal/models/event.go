package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gridsec-analytics/internal/apperr"
)

type Action string

const (
	ActionRead       Action = "READ"
	ActionUpdate     Action = "UPDATE"
	ActionWrite      Action = "WRITE"
	ActionAdminRead  Action = "ADMIN_READ"
	ActionAdminWrite Action = "ADMIN_WRITE"
	ActionDelete     Action = "DELETE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionUpdate, ActionWrite, ActionAdminRead, ActionAdminWrite, ActionDelete:
		return true
	}
	return false
}

// IsAdmin is true for the privileged ADMIN_* actions.
func (a Action) IsAdmin() bool {
	return a == ActionAdminRead || a == ActionAdminWrite
}

type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Event is a single access/audit record from the grid environment.
// Sensor readings are pointers: a missing reading is not the same as zero.
type Event struct {
	Timestamp         time.Time   `json:"timestamp"`
	EventID           string      `json:"event_id"`
	UserID            string      `json:"user_id"`
	Action            Action      `json:"action"`
	TableName         string      `json:"table_name"`
	IPAddress         string      `json:"ip_address"`
	SessionID         string      `json:"session_id"`
	DeviceID          string      `json:"device_id"`
	DeviceType        string      `json:"device_type"`
	Location          string      `json:"location"`
	Voltage           *float64    `json:"voltage,omitempty"`
	Current           *float64    `json:"current,omitempty"`
	PowerFactor       *float64    `json:"power_factor,omitempty"`
	Frequency         *float64    `json:"frequency,omitempty"`
	Temperature       *float64    `json:"temperature,omitempty"`
	Load              *float64    `json:"load,omitempty"`
	IsSuspicious      bool        `json:"is_suspicious"`
	ThreatLevel       ThreatLevel `json:"threat_level"`
	AttackType        *string     `json:"attack_type"`
	AttackCategory    *string     `json:"attack_category"`
	AttackDescription string      `json:"attack_description"`
	IndicatorTags     string      `json:"indicators"`
	ConfidenceScore   float64     `json:"confidence_score"`
}

// Layouts accepted for timestamps. Values without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses RFC3339 or naive ISO-8601 timestamps and normalizes to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", apperr.ErrInvalidInput, s)
}

type eventAlias Event

// UnmarshalJSON accepts the naive ISO timestamps written by the dataset tooling.
func (e *Event) UnmarshalJSON(data []byte) error {
	aux := struct {
		*eventAlias
		Timestamp string `json:"timestamp"`
	}{eventAlias: (*eventAlias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp == "" {
		e.Timestamp = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

// MarshalJSON writes the timestamp in UTC RFC3339.
func (e Event) MarshalJSON() ([]byte, error) {
	aux := struct {
		eventAlias
		Timestamp string `json:"timestamp"`
	}{eventAlias: eventAlias(e), Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano)}
	return json.Marshal(aux)
}

// Validate enforces the required fields and the label invariant.
func (e *Event) Validate() error {
	var missing []string
	if e.EventID == "" {
		missing = append(missing, "event_id")
	}
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
		return fmt.Errorf("%w: event %q missing %s", apperr.ErrInvalidInput, e.EventID, strings.Join(missing, ", "))
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: event %q has unknown action %q", apperr.ErrInvalidInput, e.EventID, e.Action)
	}
	hasAttack := e.AttackType != nil
	if hasAttack != e.IsSuspicious {
		return fmt.Errorf("%w: event %q attack_type must be set iff is_suspicious", apperr.ErrInvalidInput, e.EventID)
	}
	if e.ConfidenceScore < 0 || e.ConfidenceScore > 1 {
		return fmt.Errorf("%w: event %q confidence_score %.3f out of [0,1]", apperr.ErrInvalidInput, e.EventID, e.ConfidenceScore)
	}
	return nil
}

// Indicators splits the comma-delimited tag list into a de-duplicated set.
func (e *Event) Indicators() []string {
	if e.IndicatorTags == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var tags []string
	for _, tag := range strings.Split(e.IndicatorTags, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// AttackTypeOr returns the attack type or the fallback when it is null.
func (e *Event) AttackTypeOr(fallback string) string {
	if e.AttackType == nil {
		return fallback
	}
	return *e.AttackType
}

// Clone returns a deep copy; sensor pointers are not shared with the original.
func (e Event) Clone() Event {
	out := e
	out.Voltage = copyFloat(e.Voltage)
	out.Current = copyFloat(e.Current)
	out.PowerFactor = copyFloat(e.PowerFactor)
	out.Frequency = copyFloat(e.Frequency)
	out.Temperature = copyFloat(e.Temperature)
	out.Load = copyFloat(e.Load)
	if e.AttackType != nil {
		v := *e.AttackType
		out.AttackType = &v
	}
	if e.AttackCategory != nil {
		v := *e.AttackCategory
		out.AttackCategory = &v
	}
	return out
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
