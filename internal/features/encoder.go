package features

import (
	"sort"

	"gridsec-analytics/internal/models"
)

// Unseen is the code assigned to category values absent from the fitted encoder.
const Unseen = -1

// Encoder maps category values to stable integer codes. Classes are kept
// sorted so the code of a value is its index.
type Encoder struct {
	Classes []string `json:"classes"`
	index   map[string]int
}

// FitEncoder builds an encoder over the distinct values.
func FitEncoder(values []string) *Encoder {
	seen := make(map[string]struct{}, len(values))
	classes := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		classes = append(classes, v)
	}
	sort.Strings(classes)
	return &Encoder{Classes: classes}
}

// Code returns the integer code for v, or Unseen.
func (e *Encoder) Code(v string) int {
	if e == nil {
		return Unseen
	}
	if e.index == nil {
		i := sort.SearchStrings(e.Classes, v)
		if i < len(e.Classes) && e.Classes[i] == v {
			return i
		}
		return Unseen
	}
	if c, ok := e.index[v]; ok {
		return c
	}
	return Unseen
}

func (e *Encoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// Categorical columns encoded into the feature vector.
const (
	ColumnUserID    = "user_id"
	ColumnAction    = "action"
	ColumnTableName = "table_name"
)

var categoricalColumns = []string{ColumnUserID, ColumnAction, ColumnTableName}

// Mapping holds one encoder per categorical column. It is persisted with the
// model and never refitted after training.
type Mapping struct {
	Encoders map[string]*Encoder `json:"encoders"`
}

// BuildMapping fits encoders for every categorical column over events.
func BuildMapping(events []models.Event) *Mapping {
	cols := make(map[string][]string, len(categoricalColumns))
	for i := range events {
		cols[ColumnUserID] = append(cols[ColumnUserID], events[i].UserID)
		cols[ColumnAction] = append(cols[ColumnAction], string(events[i].Action))
		cols[ColumnTableName] = append(cols[ColumnTableName], events[i].TableName)
	}
	m := &Mapping{Encoders: make(map[string]*Encoder, len(categoricalColumns))}
	for _, c := range categoricalColumns {
		m.Encoders[c] = FitEncoder(cols[c])
	}
	m.Prepare()
	return m
}

// Prepare builds lookup indexes. Call after decoding a persisted mapping.
func (m *Mapping) Prepare() {
	for _, enc := range m.Encoders {
		if enc != nil {
			enc.buildIndex()
		}
	}
}

// Complete reports whether every categorical column has an encoder.
func (m *Mapping) Complete() bool {
	if m == nil {
		return false
	}
	for _, c := range categoricalColumns {
		if m.Encoders[c] == nil {
			return false
		}
	}
	return true
}

func (m *Mapping) code(column, value string) int {
	return m.Encoders[column].Code(value)
}
