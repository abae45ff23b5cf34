// Package features turns events into the fixed-width vectors the classifier
// is trained and queried on.
package features

import (
	"time"

	"gridsec-analytics/internal/models"
)

// Names is the vector layout. It is stored with every trained model.
var Names = []string{
	"user_id_encoded",
	"action_encoded",
	"table_name_encoded",
	"hour",
	"day_of_week",
	"is_admin_action",
	"is_sensitive_table",
}

// DefaultSensitiveTables is the canonical sensitive-table set, shared with the
// nosy admin detector.
var DefaultSensitiveTables = []string{"billing_records", "payment_info", "customer_pii"}

type Vector struct {
	UserID           int `json:"user_id_encoded"`
	Action           int `json:"action_encoded"`
	TableName        int `json:"table_name_encoded"`
	Hour             int `json:"hour"`
	DayOfWeek        int `json:"day_of_week"`
	IsAdminAction    int `json:"is_admin_action"`
	IsSensitiveTable int `json:"is_sensitive_table"`
}

// Values returns the vector in Names order.
func (v Vector) Values() []float64 {
	return []float64{
		float64(v.UserID),
		float64(v.Action),
		float64(v.TableName),
		float64(v.Hour),
		float64(v.DayOfWeek),
		float64(v.IsAdminAction),
		float64(v.IsSensitiveTable),
	}
}

// TableSet is a membership set of table names.
type TableSet map[string]struct{}

func NewTableSet(tables []string) TableSet {
	s := make(TableSet, len(tables))
	for _, t := range tables {
		s[t] = struct{}{}
	}
	return s
}

func (s TableSet) Contains(table string) bool {
	_, ok := s[table]
	return ok
}

// Extractor applies a fitted Mapping. It is safe for concurrent use.
type Extractor struct {
	mapping   *Mapping
	sensitive TableSet
}

func NewExtractor(mapping *Mapping, sensitive TableSet) *Extractor {
	if sensitive == nil {
		sensitive = NewTableSet(DefaultSensitiveTables)
	}
	return &Extractor{mapping: mapping, sensitive: sensitive}
}

func (x *Extractor) Mapping() *Mapping { return x.mapping }

// Extract never fails: unseen categories become Unseen.
func (x *Extractor) Extract(e *models.Event) Vector {
	ts := e.Timestamp.UTC()
	return Vector{
		UserID:           x.mapping.code(ColumnUserID, e.UserID),
		Action:           x.mapping.code(ColumnAction, string(e.Action)),
		TableName:        x.mapping.code(ColumnTableName, e.TableName),
		Hour:             ts.Hour(),
		DayOfWeek:        mondayFirst(ts.Weekday()),
		IsAdminAction:    boolInt(e.Action.IsAdmin()),
		IsSensitiveTable: boolInt(x.sensitive.Contains(e.TableName)),
	}
}

// Matrix extracts every event; rows are in input order.
func (x *Extractor) Matrix(events []models.Event) [][]float64 {
	rows := make([][]float64, len(events))
	for i := range events {
		rows[i] = x.Extract(&events[i]).Values()
	}
	return rows
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
