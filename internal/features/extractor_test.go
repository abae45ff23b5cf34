package features

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsec-analytics/internal/models"
)

func trainingEvents() []models.Event {
	ts := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC) // Monday
	return []models.Event{
		{Timestamp: ts, UserID: "operator_2", Action: models.ActionRead, TableName: "meter_readings"},
		{Timestamp: ts, UserID: "admin_1", Action: models.ActionAdminRead, TableName: "billing_records"},
		{Timestamp: ts, UserID: "operator_1", Action: models.ActionWrite, TableName: "meter_readings"},
	}
}

func TestBuildMappingSortsClasses(t *testing.T) {
	m := BuildMapping(trainingEvents())

	assert.Equal(t, []string{"admin_1", "operator_1", "operator_2"}, m.Encoders[ColumnUserID].Classes)
	assert.Equal(t, []string{"ADMIN_READ", "READ", "WRITE"}, m.Encoders[ColumnAction].Classes)
	assert.Equal(t, []string{"billing_records", "meter_readings"}, m.Encoders[ColumnTableName].Classes)
	assert.True(t, m.Complete())
}

func TestExtractIsDeterministic(t *testing.T) {
	events := trainingEvents()
	x := NewExtractor(BuildMapping(events), nil)

	first := x.Extract(&events[1])
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, x.Extract(&events[1]))
	}
	assert.Equal(t, Vector{
		UserID: 0, Action: 0, TableName: 0,
		Hour: 14, DayOfWeek: 0,
		IsAdminAction: 1, IsSensitiveTable: 1,
	}, first)
}

func TestExtractUnseenCategoryUsesSentinel(t *testing.T) {
	x := NewExtractor(BuildMapping(trainingEvents()), nil)

	ev := models.Event{
		Timestamp: time.Date(2025, 3, 9, 2, 0, 0, 0, time.UTC), // Sunday
		UserID:    "contractor_9",
		Action:    models.ActionAdminWrite,
		TableName: "scada_control",
	}
	v := x.Extract(&ev)
	assert.Equal(t, Unseen, v.UserID)
	assert.Equal(t, Unseen, v.Action)
	assert.Equal(t, Unseen, v.TableName)
	assert.Equal(t, 6, v.DayOfWeek)
	assert.Equal(t, 1, v.IsAdminAction)
	assert.Equal(t, 0, v.IsSensitiveTable)
}

func TestExtractConvertsToUTC(t *testing.T) {
	x := NewExtractor(BuildMapping(trainingEvents()), nil)
	loc := time.FixedZone("UTC+5", 5*3600)
	ev := models.Event{Timestamp: time.Date(2025, 3, 4, 3, 0, 0, 0, loc), UserID: "admin_1"}

	v := x.Extract(&ev)
	assert.Equal(t, 22, v.Hour)
	assert.Equal(t, 0, v.DayOfWeek)
}

func TestMappingSurvivesJSONRoundTrip(t *testing.T) {
	events := trainingEvents()
	m := BuildMapping(events)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var decoded Mapping
	require.NoError(t, json.Unmarshal(raw, &decoded))
	decoded.Prepare()

	a := NewExtractor(m, nil)
	b := NewExtractor(&decoded, nil)
	for i := range events {
		assert.Equal(t, a.Extract(&events[i]), b.Extract(&events[i]))
	}
}

func TestCustomSensitiveTables(t *testing.T) {
	x := NewExtractor(BuildMapping(trainingEvents()), NewTableSet([]string{"meter_readings"}))
	events := trainingEvents()

	assert.Equal(t, 1, x.Extract(&events[0]).IsSensitiveTable)
	assert.Equal(t, 0, x.Extract(&events[1]).IsSensitiveTable)
	assert.Len(t, x.Extract(&events[0]).Values(), len(Names))
}
