package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridsec-analytics/internal/eventstore"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/service"
)

type memorySource []models.Event

func (m memorySource) Load() (*eventstore.LoadResult, error) {
	return &eventstore.LoadResult{Events: m}, nil
}

func newTestServer(t *testing.T, events []models.Event) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	svc := service.NewAnalyticsService(service.Deps{Events: memorySource(events)}, logger)
	router := NewRouter(NewAnalyticsHandler(svc, logger), RouterOptions{
		Health: func(context.Context) map[string]string { return map[string]string{"redis": "ok"} },
	}, logger)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out Response
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	if buf.Len() > 0 {
		_ = json.Unmarshal(buf.Bytes(), &out)
	}
	return res.StatusCode, out
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	res, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["model"])

	m, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	m.Body.Close()
	assert.Equal(t, http.StatusOK, m.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)

	code, body := call(t, srv, http.MethodPost, "/api/v1/model/train", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, body.Success)

	for _, path := range []string{
		"/api/v1/events/filter?attack_type=all",
		"/api/v1/detect/nosy-admin",
		"/api/v1/detect/dormant-accounts",
		"/api/v1/detect/apt",
	} {
		code, body = call(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, code, path)
		assert.True(t, body.Success, path)
	}

	code, _ = call(t, srv, http.MethodPost, "/api/v1/model/predict",
		`{"user_id":"u1","action":"READ","table_name":"meter_readings","timestamp":"2025-01-01T10:00:00"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = call(t, srv, http.MethodPost, "/api/v1/model/predict", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodPost, "/api/v1/pseudonym/create", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodGet, "/api/v1/events/summary?recent=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPseudonymFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	code, _ := call(t, srv, http.MethodPost, "/api/v1/pseudonym/create", `{"real_id":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := call(t, srv, http.MethodPost, "/api/v1/pseudonym/create", `{"real_id":"customer-17"}`)
	require.Equal(t, http.StatusCreated, code)
	data := body.Data.(map[string]interface{})
	psn := data["pseudonym"].(string)
	assert.True(t, strings.HasPrefix(psn, "psn_"))
	assert.NotContains(t, data, "real_id")

	code, _ = call(t, srv, http.MethodPost, "/api/v1/pseudonym/revert", `{"pseudonym":"`+psn+`","authorized":false}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, srv, http.MethodPost, "/api/v1/pseudonym/revert", `{"pseudonym":"psn_missing","authorized":true}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(t, srv, http.MethodPost, "/api/v1/pseudonym/revert", `{"pseudonym":"`+psn+`","authorized":true,"reason":"fraud review"}`)
	require.Equal(t, http.StatusOK, code)
	res := body.Data.(map[string]interface{})
	assert.Equal(t, "customer-17", res["real_id"])
	assert.EqualValues(t, 1, res["access_count"])

	code, body = call(t, srv, http.MethodGet, "/api/v1/pseudonym/stats", "")
	require.Equal(t, http.StatusOK, code)
	stats := body.Data.(map[string]interface{})
	assert.EqualValues(t, 1, stats["total_pseudonyms"])
	assert.EqualValues(t, 1, stats["total_reversions"])

	code, body = call(t, srv, http.MethodGet, "/api/v1/pseudonym/"+psn+"/audit", "")
	require.Equal(t, http.StatusOK, code)
	trail := body.Data.(map[string]interface{})["audit_log"].([]interface{})
	assert.Len(t, trail, 1)
}

func TestSummaryAndDetectors(t *testing.T) {
	base := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	var events []models.Event
	for i := 0; i < 6; i++ {
		events = append(events, models.Event{
			EventID:      "e" + string(rune('a'+i)),
			UserID:       "admin_1",
			Action:       models.ActionAdminRead,
			TableName:    "customer_pii",
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			IsSuspicious: true,
			AttackType:   models.String("insider_threat"),
		})
	}
	srv := newTestServer(t, events)

	code, body := call(t, srv, http.MethodGet, "/api/v1/events/summary", "")
	require.Equal(t, http.StatusOK, code)
	sum := body.Data.(map[string]interface{})
	assert.EqualValues(t, 6, sum["total_events"])
	assert.EqualValues(t, 6, sum["suspicious_count"])

	code, body = call(t, srv, http.MethodGet, "/api/v1/detect/nosy-admin", "")
	require.Equal(t, http.StatusOK, code)
	nosy := body.Data.(map[string]interface{})["nosy_admins"].(map[string]interface{})
	assert.EqualValues(t, 6, nosy["admin_1"])

	code, body = call(t, srv, http.MethodGet, "/api/v1/detect/apt", "")
	require.Equal(t, http.StatusOK, code)
	apt := body.Data.(map[string]interface{})["apt_threats"].(map[string]interface{})["admin_1"].(map[string]interface{})
	assert.Equal(t, "critical", apt["severity"])
	assert.EqualValues(t, 60, apt["apt_score"])
}
