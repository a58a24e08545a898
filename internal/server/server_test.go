package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/config"
	"cityflow/internal/db"
	"cityflow/internal/domain"
	"cityflow/internal/engine"
	"cityflow/internal/engine/auth"
	"cityflow/internal/metrics"
	"cityflow/internal/migrate"
	"cityflow/internal/notify"
	"cityflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Sent   *notify.Recorder
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err, "ensure workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(conn), "migrate")

	reg := prometheus.NewRegistry()
	rec := &notify.Recorder{}
	e := engine.New(conn, config.Default())
	e.Notifier = rec
	e.Metrics = metrics.New(reg)
	e.RetryInterval = time.Millisecond

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, EnableDevLogin: true},
		Gatherer: reg,
	})
	require.NoError(t, err, "build handler")
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, Sent: rec, client: srv.Client()}
}

func (s *testServer) token(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) apiKey(t *testing.T, actor, role string) map[string]string {
	t.Helper()
	ctx := context.Background()
	key := "key-" + actor
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, s.Engine.Repo.InsertAPIKey(ctx, tx, repo.APIKey{
		ID:      "ak-" + actor,
		ActorID: actor,
		Role:    role,
		KeyHash: repo.HashAPIKey(key),
	}))
	require.NoError(t, tx.Commit())
	return map[string]string{"X-Api-Key": key}
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func trafficRule() map[string]any {
	return map[string]any{
		"name":             "congestion alert",
		"trigger":          map[string]any{"type": "alert", "category": "traffic"},
		"actions":          []map[string]any{{"type": "notification", "target": "ops-team"}},
		"cooldown_minutes": 10,
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/rules", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/rules", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)
}

func TestRuleFiresOnSignal(t *testing.T) {
	srv := newTestServer(t)
	op := srv.token(t, "alice", auth.RoleOperator)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rules", trafficRule(), op)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rule RuleResponse
	require.NoError(t, json.Unmarshal(data, &rule))
	assert.True(t, rule.Enabled)
	assert.Equal(t, "ops-team", rule.Actions[0].Target)

	signal := map[string]any{"kind": "alert", "category": "traffic", "severity": "high"}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/signals", signal, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var report engine.FiringReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Fired, 1)
	assert.Equal(t, rule.ID, report.Fired[0].RuleID)
	require.Len(t, srv.Sent.Sent(), 1)
	assert.Equal(t, "ops-team", srv.Sent.Sent()[0].Target)

	// second signal lands inside the cooldown
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/signals", signal, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Empty(t, report.Fired)
	assert.Equal(t, []string{rule.ID}, report.Suppressed)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/rules/"+rule.ID, nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rule))
	assert.Equal(t, 1, rule.ExecutionCount)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?entity_kind=rule&limit=1", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "rule.fired", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)
}

func TestViewerCannotWriteRules(t *testing.T) {
	srv := newTestServer(t)
	viewer := srv.token(t, "bob", auth.RoleViewer)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rules", trafficRule(), viewer)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "forbidden", body.Code)
	assert.Equal(t, auth.PermRulesWrite, body.Details["permission"])

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/rules", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestInvalidRuleRejected(t *testing.T) {
	srv := newTestServer(t)
	op := srv.token(t, "alice", auth.RoleOperator)

	missingTarget := trafficRule()
	missingTarget["actions"] = []map[string]any{{"type": "sms"}}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rules", missingTarget, op)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "validation_failed", decodeError(t, data).Code)

	badTrigger := trafficRule()
	badTrigger["trigger"] = map[string]any{"type": "earthquake"}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rules", badTrigger, op)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestPermitApprovalPath(t *testing.T) {
	srv := newTestServer(t)
	inspector := srv.token(t, "ines", auth.RoleInspector)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/permits", map[string]any{
		"permit_number": "BLD-2024-001",
		"subject":       "Shop sign",
	}, inspector)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var permit domain.PermitWorkflow
	require.NoError(t, json.Unmarshal(data, &permit))
	assert.Equal(t, domain.StepSubmitted, permit.CurrentStep)

	advance := srv.URL + "/v0/permits/" + permit.ID + "/advance"
	for _, want := range []domain.PermitStep{domain.StepReview, domain.StepApproved, domain.StepIssued} {
		res, data = doJSON(t, srv.client, http.MethodPost, advance, map[string]any{"action": "approve"}, inspector)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		require.NoError(t, json.Unmarshal(data, &permit))
		assert.Equal(t, want, permit.CurrentStep)
	}
	assert.Len(t, permit.History, 4)

	res, data = doJSON(t, srv.client, http.MethodPost, advance, map[string]any{"action": "approve"}, inspector)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "terminal_state", body.Code)
	assert.Equal(t, "issued", body.Details["step"])

	res, data = doJSON(t, srv.client, http.MethodPost, advance, map[string]any{"action": "escalate"}, inspector)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestIngestMaterializesTasks(t *testing.T) {
	srv := newTestServer(t)
	dispatcher := srv.apiKey(t, "dispatch-bot", auth.RoleDispatcher)

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/technicians/t1", map[string]any{
		"name": "Salem", "specialty": "تكييف", "rating": 4,
	}, dispatcher)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/parts/CMP-9", map[string]any{"quantity": 8}, dispatcher)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/predictions", map[string]any{
		"predictions": []map[string]any{
			{
				"id": "P1", "device_name": "AC unit 4", "device_type": "تكييف", "urgency": "high",
				"repair_cost": 1200, "replace_cost": 3500,
				"required_parts": []map[string]any{{"sku": "CMP-9", "quantity": 5}},
			},
			{"id": "P2", "device_name": "Lamp 9", "urgency": "low"},
		},
	}, dispatcher)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var report engine.IngestReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 2, report.Stored)
	require.NotNil(t, report.Batch)
	assert.Equal(t, 1, report.Batch.Created)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks", nil, dispatcher)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedTasks
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	task := page.Items[0]
	assert.Equal(t, "P1", task.PredictionID)
	assert.Equal(t, domain.TaskScheduled, task.Status)
	require.NotNil(t, task.Technician)
	assert.Equal(t, "t1", task.Technician.ID)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/predictions/P1/materialize", nil, dispatcher)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", nil, dispatcher)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/parts", nil, dispatcher)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var parts []domain.PartStock
	require.NoError(t, json.Unmarshal(data, &parts))
	require.Len(t, parts, 1)
	assert.Equal(t, 3, parts[0].Quantity)
	assert.Equal(t, 0, parts[0].Reserved)
}

func TestTaskListCursor(t *testing.T) {
	srv := newTestServer(t)
	op := srv.token(t, "alice", auth.RoleOperator)

	preds := []map[string]any{}
	for _, id := range []string{"A", "B", "C"} {
		preds = append(preds, map[string]any{"id": id, "device_name": "pump " + id, "urgency": "critical"})
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/predictions", map[string]any{"predictions": preds}, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 3; i++ {
		target := srv.URL + "/v0/tasks?limit=2"
		if cursor != "" {
			target += "&cursor=" + url.QueryEscape(cursor)
		}
		res, data = doJSON(t, srv.client, http.MethodGet, target, nil, op)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var page paginatedTasks
		require.NoError(t, json.Unmarshal(data, &page))
		for _, it := range page.Items {
			assert.False(t, seen[it.ID], "task %s listed twice", it.ID)
			seen[it.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 3)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks?cursor=broken", nil, op)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestSettingsRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	op := srv.token(t, "alice", auth.RoleOperator)

	s := domain.DefaultAutomationSettings()
	s.PriorityThreshold = domain.ThresholdCritical
	s.ScheduleBufferDays = 3
	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/settings", s, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/settings", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got domain.AutomationSettings
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, s, got)

	s.ScheduleBufferDays = -1
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/settings", s, op)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestDevLoginAndMe(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "ines", "roles": []string{"inspector"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "ines", who.ActorID)
	assert.Contains(t, who.Permissions, auth.PermPermitsAdvance)
	assert.NotContains(t, who.Permissions, auth.PermRulesWrite)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "x", "roles": []string{"mayor"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	op := srv.token(t, "alice", auth.RoleOperator)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/signals", map[string]any{"kind": "alert", "category": "water"}, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), `cityflow_rules_events_total{category="water"} 1`), string(data))
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), "bearerAuth")
}

func TestForeignTokensRejected(t *testing.T) {
	srv := newTestServer(t)
	now := time.Now()

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		Roles:            []string{auth.RoleOperator},
	})
	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: tokenIssuer},
		Roles:            []string{auth.RoleOperator},
	})
	for _, tok := range []*jwt.Token{foreign, noExpiry} {
		signed, err := tok.SignedString([]byte(testSecret))
		require.NoError(t, err)
		res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/rules", nil, map[string]string{"Authorization": "Bearer " + signed})
		require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/rules", nil, map[string]string{"X-Api-Key": "unknown"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)
}

func TestDocsPage(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `url: "/v0/openapi.json"`)
}
