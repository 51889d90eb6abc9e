// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/prevention"
	"grimm.is/vakthund/internal/telemetry"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	srv  *Server
	prev *prevention.Engine
	ring *telemetry.Ring
	reg  *prometheus.Registry
}

func newEnv(t *testing.T, maxRules int) *testEnv {
	t.Helper()
	ring := telemetry.NewRing(16)
	prev, err := prevention.NewEngine(prevention.Config{
		MinSeverity:       detection.SeverityMedium,
		QuarantineTimeout: 10 * time.Minute,
		MaxRules:          maxRules,
		DefaultPolicy:     prevention.ActionAllow,
		RefillRate:        10,
		Burst:             10,
	}, prevention.NewMemoryBackend(), telemetry.EmitterFunc(func(r telemetry.Record) {
		_ = ring.Write(context.Background(), r)
	}), logging.Nop())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	mock := clock.NewMock()
	mock.Set(t0)
	srv, err := NewServer(Options{
		Prevention: prev,
		Stats:      func() any { return map[string]int{"ingested": 7} },
		Ring:       ring,
		Gatherer:   reg,
		Clock:      mock,
		Logger:     logging.Nop(),
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, prev: prev, ring: ring, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndStats(t *testing.T) {
	env := newEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "prevention")
	assert.Contains(t, body, "rules")
	assert.JSONEq(t, `{"ingested":7}`, string(body["pipeline"]))
}

func TestRuleLifecycle(t *testing.T) {
	env := newEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/api/rules", `{"source":"10.0.0.9","action":"block"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, "10.0.0.9", created["source"])
	assert.Equal(t, "block", created["action"])
	assert.Equal(t, "user", created["origin"])

	rec = env.do(t, http.MethodGet, "/api/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		DefaultPolicy string           `json:"default_policy"`
		Rules         []map[string]any `json:"rules"`
	}](t, rec)
	assert.Equal(t, "allow", list.DefaultPolicy)
	require.Len(t, list.Rules, 1)
	assert.Equal(t, prevention.ActionBlock, env.prev.Rules().Evaluate(netip.MustParseAddr("10.0.0.9"), t0))

	rec = env.do(t, http.MethodDelete, "/api/rules/10.0.0.9", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/rules/10.0.0.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, rec).Kind)

	var types []telemetry.Type
	for _, r := range env.ring.Recent() {
		types = append(types, r.Type)
	}
	assert.Equal(t, []telemetry.Type{telemetry.TypeRuleInstalled, telemetry.TypeRuleRemoved}, types)
}

func TestRuleValidation(t *testing.T) {
	env := newEnv(t, 100)

	for name, body := range map[string]string{
		"malformed json": `{"source":`,
		"bad source":     `{"source":"10.0.0.999","action":"block"}`,
		"bad action":     `{"source":"10.0.0.9","action":"reject"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/rules", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation", decode[errorBody](t, rec).Kind)
		})
	}

	rec := env.do(t, http.MethodDelete, "/api/rules/not-an-ip", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleSetFull(t *testing.T) {
	env := newEnv(t, 1)

	rec := env.do(t, http.MethodPost, "/api/rules", `{"source":"10.0.0.1","action":"allow"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/rules", `{"source":"10.0.0.2","action":"block"}`)
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Equal(t, "capacity", decode[errorBody](t, rec).Kind)
}

func TestQuarantineView(t *testing.T) {
	env := newEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/api/quarantine", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	env.prev.HandleAlert(detection.Alert{
		EventID:   4,
		Timestamp: t0,
		Source:    netip.MustParseAddrPort("10.0.0.44:40000"),
		Kind:      detection.KindSignature,
		Severity:  detection.SeverityCritical,
		Rule:      "SIM-001",
	}, t0)

	rec = env.do(t, http.MethodGet, "/api/quarantine", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]map[string]any](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.44", records[0]["source"])
	assert.EqualValues(t, 4, records[0]["last_event_id"])

	rec = env.do(t, http.MethodGet, "/api/telemetry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]map[string]any](t, rec))
}

func TestQuarantineViewFollowsEventTime(t *testing.T) {
	env := newEnv(t, 100)
	captured := t0.Add(-24 * time.Hour)
	srv, err := NewServer(Options{
		Prevention: env.prev,
		Clock:      clock.NewMock(),
		EventTime:  func() (time.Time, bool) { return captured.Add(time.Minute), true },
		Logger:     logging.Nop(),
	})
	require.NoError(t, err)

	env.prev.HandleAlert(detection.Alert{
		EventID:   9,
		Timestamp: captured,
		Source:    netip.MustParseAddrPort("10.0.0.45:40000"),
		Kind:      detection.KindSignature,
		Severity:  detection.SeverityCritical,
		Rule:      "SIM-001",
	}, captured)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quarantine", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]map[string]any](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.45", records[0]["source"])

	rec = env.do(t, http.MethodGet, "/api/quarantine", "")
	assert.JSONEq(t, `[]`, rec.Body.String(), "the wall clock is a day past the deadline")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, 100)
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "vakthund", Name: "test_total", Help: "test"})
	env.reg.MustRegister(c)
	c.Add(3)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vakthund_test_total 3")
}

func TestTelemetryStream(t *testing.T) {
	env := newEnv(t, 100)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/telemetry/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription is taken after the handshake, so keep writing until
	// one record gets through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = env.ring.Write(context.Background(), telemetry.Record{Type: telemetry.TypeThrottle, Time: t0, Source: "10.0.0.5"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got telemetry.Record
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, telemetry.TypeThrottle, got.Type)
	assert.Equal(t, "10.0.0.5", got.Source)
}

func TestNewServerRequiresPrevention(t *testing.T) {
	_, err := NewServer(Options{})
	require.Error(t, err)
}
