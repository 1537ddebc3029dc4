package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/policy-guardian/internal/api/rest"
	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/service/guardian"
)

func testRules() []*compliance.ComplianceRule {
	return []*compliance.ComplianceRule{
		{
			ID:                 "harm",
			Name:               "Harm prevention",
			Principle:          compliance.PrincipleNonMaleficence,
			Weight:             1.0,
			ViolationThreshold: 0.3,
			Critical:           true,
			Conditions: []compliance.Condition{
				compliance.BooleanFlag{ConditionName: "flagged_harmful", Field: "harmful_content", ViolatesWhen: true},
			},
		},
	}
}

func newTestServer(t *testing.T, mutate func(c *guardian.Config)) (*httptest.Server, *guardian.Engine) {
	t.Helper()

	cfg := guardian.DefaultConfig()
	cfg.Rules = testRules()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := guardian.New(context.Background(), zaptest.NewLogger(t), cfg,
		guardian.WithIdentity(guardian.IdentityFunc(rest.UserIDFromContext)),
	)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := rest.NewServer(rest.Config{Addr: "127.0.0.1:0"}, engine, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return ts, engine
}

func post(t *testing.T, ts *httptest.Server, path string, body interface{}, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthAndStatus(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = ts.Client().Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Agents  []map[string]interface{} `json:"agents"`
		Metrics struct {
			Rules int `json:"rules"`
		} `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Len(t, status.Agents, len(guardian.DefaultConfig().SeedAgents))
	assert.Equal(t, 1, status.Metrics.Rules)
}

func TestEvaluate(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name        string
		data        map[string]interface{}
		wantAllowed bool
	}{
		{name: "clean response", data: map[string]interface{}{"ai_response": "All good."}, wantAllowed: true},
		{name: "harmful response", data: map[string]interface{}{"ai_response": "x", "harmful_content": true}, wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts, "/v1/evaluate", map[string]interface{}{
				"context": map[string]interface{}{"type": "chat"},
				"data":    tt.data,
			}, http.Header{rest.UserHeader: []string{"user-42"}})
			require.Equal(t, http.StatusOK, resp.StatusCode)

			result := body["result"].(map[string]interface{})
			assert.Equal(t, tt.wantAllowed, result["decision_allowed"])
			ctx := result["context"].(map[string]interface{})
			assert.Equal(t, "user-42", ctx["user_id"])
		})
	}
}

func TestEvaluate_RejectsBadBodies(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name     string
		body     interface{}
		wantCode string
	}{
		{name: "malformed json", body: `{"data":`, wantCode: "INVALID_JSON"},
		{name: "unknown field", body: `{"data":{},"extra":1}`, wantCode: "INVALID_JSON"},
		{name: "missing data", body: `{"context":{"type":"chat"}}`, wantCode: "VALIDATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts, "/v1/evaluate", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestThreatLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, func(c *guardian.Config) { c.AutoRespond = false })

	resp, body := post(t, ts, "/v1/threats", map[string]interface{}{
		"threat_type": "security_breach",
		"source":      "api_gateway",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["detected"])

	detected := body["threat"].(map[string]interface{})
	assert.Equal(t, "CRITICAL", detected["threat_level"])
	assert.Equal(t, "guardian-01", detected["assigned_guardian"])
	id := detected["id"].(string)

	resp, body = post(t, ts, "/v1/threats/"+id+"/respond", map[string]interface{}{
		"actions": []string{"BLOCK", "ESCALATE"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["already_resolved"])
	response := body["response"].(map[string]interface{})
	assert.Equal(t, true, response["threat_neutralized"])

	resp, body = post(t, ts, "/v1/threats/"+id+"/respond", map[string]interface{}{
		"actions": []string{"BLOCK"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["already_resolved"])

	resp, body = post(t, ts, "/v1/threats/missing/respond", map[string]interface{}{
		"actions": []string{"BLOCK"},
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RESOURCE_NOT_FOUND", body["code"])

	resp, body = post(t, ts, "/v1/threats/"+id+"/respond", map[string]interface{}{
		"actions": []string{"NUKE"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
}

func TestDetect_BelowFloor(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := post(t, ts, "/v1/threats", map[string]interface{}{
		"threat_type": "custom_signal",
		"source":      "sensor",
		"data":        map[string]interface{}{"score": 0.01},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["detected"])
	assert.Nil(t, body["threat"])
}

func TestEmergencyClear(t *testing.T) {
	ts, _ := newTestServer(t, func(c *guardian.Config) { c.AutoRespond = false })

	_, body := post(t, ts, "/v1/threats", map[string]interface{}{
		"threat_type": "anomaly_detection",
		"source":      "network",
		"data":        map[string]interface{}{"anomaly_score": 0.6},
	}, nil)
	id := body["threat"].(map[string]interface{})["id"].(string)

	resp, _ := post(t, ts, "/v1/threats/"+id+"/respond", map[string]interface{}{
		"actions": []string{"SHUTDOWN"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = post(t, ts, "/v1/emergency/clear", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])

	resp, body = post(t, ts, "/v1/emergency/clear", map[string]interface{}{"operator": "ops"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cleared"])

	_, body = post(t, ts, "/v1/emergency/clear", map[string]interface{}{"operator": "ops"}, nil)
	assert.Equal(t, false, body["cleared"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	post(t, ts, "/v1/evaluate", map[string]interface{}{"data": map[string]interface{}{"ai_response": "hi"}}, nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "guardian_compliance_evaluations_total 1")
	assert.Contains(t, text, `guardian_compliance_decisions_total{outcome="allowed"} 1`)
	assert.Contains(t, text, "guardian_rules_registered 1")
	assert.Contains(t, text, `guardian_agents_count{status="ACTIVE"}`)
	assert.True(t, strings.Contains(text, `guardian_api_http_requests_total{handler="POST /v1/evaluate",method="POST",status="200"} 1`))
}

func TestServer_ServeAndShutdown(t *testing.T) {
	cfg := guardian.DefaultConfig()
	cfg.Rules = testRules()
	engine, err := guardian.New(context.Background(), zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := rest.NewRateLimiter(nil, rest.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	srv, err := rest.NewServer(rest.Config{ShutdownTimeout: time.Second}, engine, logger, rest.WithRateLimiter(limiter))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	get := func(path string) int {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/status"))
	assert.Equal(t, http.StatusTooManyRequests, get("/status"))
	// Probes bypass the limiter.
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/healthz"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
