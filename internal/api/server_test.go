package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms-assistant/internal/common/auth"
	apperrors "qms-assistant/internal/common/errors"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeAssistant struct {
	askFn     func(question string) (*models.QueryResponse, error)
	upserted  []models.IntentRule
	upsertErr error
	disabled  []int64
	reloads   int
	ready     bool
}

func (f *fakeAssistant) Ask(ctx context.Context, question string) (*models.QueryResponse, error) {
	return f.askFn(question)
}

func (f *fakeAssistant) ListRules() []models.IntentRule {
	return []models.IntentRule{{ID: 1, Name: "risk inventory", Category: models.CategoryInventory, Status: models.RuleStatusActive}}
}

func (f *fakeAssistant) Rejected() []rules.Rejection { return nil }

func (f *fakeAssistant) UpsertRule(ctx context.Context, rule models.IntentRule) (models.IntentRule, error) {
	if f.upsertErr != nil {
		return models.IntentRule{}, f.upsertErr
	}
	f.upserted = append(f.upserted, rule)
	rule.ID = 9
	rule.Version = 1
	return rule, nil
}

func (f *fakeAssistant) ReloadRules(ctx context.Context) (rules.LoadReport, error) {
	f.reloads++
	return rules.LoadReport{Source: "static", Generation: 2, Loaded: 1, Active: 1, Reason: "reload"}, nil
}

func (f *fakeAssistant) DisableRule(ctx context.Context, id int64) error {
	if id == 404 {
		return apperrors.NewRuleNotFoundError(id)
	}
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakeAssistant) CacheStats() models.CacheStats {
	return models.CacheStats{Hits: 3, Misses: 1, Size: 1, Capacity: 100, HitRate: 0.75}
}

func (f *fakeAssistant) Ready() bool { return f.ready }

type fakeIntrospector struct {
	tokens map[string]*auth.TokenInfo
}

func (f *fakeIntrospector) Introspect(ctx context.Context, token string) (*auth.TokenInfo, error) {
	info, ok := f.tokens[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return info, nil
}

func tokenWithRoles(active bool, roles ...string) *auth.TokenInfo {
	info := &auth.TokenInfo{Active: active, Username: "qa-admin"}
	info.RealmAccess.Roles = roles
	return info
}

func newTestServer(t *testing.T, svc Assistant, guard TokenIntrospector) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(svc, guard, Config{RequestTimeout: 5 * time.Second, AdminRole: "rule-admin"}, logger.NewTestLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// ==========================
// Query endpoint
// ==========================

func TestQuery_Matched(t *testing.T) {
	id := "1"
	svc := &fakeAssistant{askFn: func(q string) (*models.QueryResponse, error) {
		assert.Equal(t, "query the risk-status inventory", q)
		return &models.QueryResponse{
			MatchedRuleID: &id,
			Confidence:    70,
			Strategy:      models.SingleSource("inventory"),
			Columns:       []string{"material", "qty"},
			Rows:          [][]interface{}{{"PCB", 12}},
		}, nil
	}}
	srv := newTestServer(t, svc, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/query", `{"question":"query the risk-status inventory"}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", body["matchedRuleId"])
	assert.Equal(t, "single_source:inventory", body["strategy"])
	assert.Equal(t, false, body["cached"])
	assert.Len(t, body["rows"], 1)
}

func TestQuery_NoMatchSerializesNullRuleID(t *testing.T) {
	svc := &fakeAssistant{askFn: func(string) (*models.QueryResponse, error) {
		return &models.QueryResponse{
			Strategy:        models.StrategyGeneralSearch,
			Columns:         []string{},
			Rows:            [][]interface{}{},
			Recommendations: []string{"No data found, please refine your query."},
		}, nil
	}}
	srv := newTestServer(t, svc, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/query", `{"question":"weather"}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	v, present := body["matchedRuleId"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Equal(t, []interface{}{}, body["rows"])
	assert.NotEmpty(t, body["recommendations"])
}

func TestQuery_InvalidRequests(t *testing.T) {
	svc := &fakeAssistant{askFn: func(string) (*models.QueryResponse, error) {
		t.Error("Ask must not be called")
		return nil, nil
	}}
	srv := newTestServer(t, svc, nil)

	for name, body := range map[string]string{
		"not json":      `question=hi`,
		"missing field": `{}`,
		"empty":         `{"question":""}`,
		"blank":         `{"question":"   "}`,
		"extra field":   `{"question":"hi","sql":"DROP TABLE x"}`,
		"too long":      `{"question":"` + strings.Repeat("a", 1001) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, out := do(t, http.MethodPost, srv.URL+"/api/v1/query", body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errorCode(out))
		})
	}
}

func TestQuery_ErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.NewMissingParameterError("factory"), http.StatusUnprocessableEntity, "MISSING_PARAMETER"},
		{apperrors.NewInvalidParameterError("qty", "not an integer"), http.StatusUnprocessableEntity, "INVALID_PARAMETER"},
		{apperrors.NewQueryExecutionFailedError("risk inventory", errors.New("boom")), http.StatusBadGateway, "QUERY_EXECUTION_FAILED"},
		{apperrors.NewQueryTimeoutError("risk inventory", time.Second), http.StatusGatewayTimeout, "QUERY_TIMEOUT"},
		{errors.New("unexpected"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &fakeAssistant{askFn: func(string) (*models.QueryResponse, error) { return nil, tt.err }}
			srv := newTestServer(t, svc, nil)

			resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/query", `{"question":"shenzhen output"}`, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}
}

// ==========================
// Administration
// ==========================

const validRule = `{
	"name": "inventory by factory",
	"category": "inventory",
	"triggerWords": ["inventory"],
	"parameterSpec": [{"name": "factory", "type": "string", "extractionSource": "factory"}],
	"queryTemplate": "SELECT * FROM inventory WHERE factory = ?"
}`

func TestUpsertRule(t *testing.T) {
	svc := &fakeAssistant{}
	srv := newTestServer(t, svc, nil)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/v1/rules", validRule, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(9), body["id"])
	require.Len(t, svc.upserted, 1)
	assert.Equal(t, models.CategoryInventory, svc.upserted[0].Category)
}

func TestUpsertRule_SchemaViolation(t *testing.T) {
	svc := &fakeAssistant{}
	srv := newTestServer(t, svc, nil)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/v1/rules", `{"name":"x","category":"weather"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(body))
	assert.Empty(t, svc.upserted)
}

func TestUpsertRule_InvariantViolation(t *testing.T) {
	svc := &fakeAssistant{upsertErr: apperrors.NewInvalidRuleDefinitionError("inventory by factory", "template has 2 placeholders but parameterSpec declares 1")}
	srv := newTestServer(t, svc, nil)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/v1/rules", validRule, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INVALID_RULE_DEFINITION", errorCode(body))
}

func TestListReloadDisable(t *testing.T) {
	svc := &fakeAssistant{}
	srv := newTestServer(t, svc, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/rules", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["rules"], 1)
	assert.Equal(t, []interface{}{}, body["rejected"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/rules/reload", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["generation"])
	assert.Equal(t, 1, svc.reloads)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/rules/7/disable", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disabled", body["status"])
	assert.Equal(t, []int64{7}, svc.disabled)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/rules/404/disable", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RULE_NOT_FOUND", errorCode(body))

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/rules/abc/disable", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	guard := &fakeIntrospector{tokens: map[string]*auth.TokenInfo{
		"admin":   tokenWithRoles(true, "rule-admin"),
		"viewer":  tokenWithRoles(true, "viewer"),
		"expired": tokenWithRoles(false, "rule-admin"),
	}}
	svc := &fakeAssistant{ready: true}
	srv := newTestServer(t, svc, guard)

	tests := []struct {
		token  string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"unknown", http.StatusUnauthorized},
		{"expired", http.StatusUnauthorized},
		{"viewer", http.StatusForbidden},
		{"admin", http.StatusOK},
	}
	for _, tt := range tests {
		resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/rules", "", tt.token)
		assert.Equal(t, tt.status, resp.StatusCode, "token %q", tt.token)
	}

	// the query and stats endpoints stay open
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/cache/stats", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.75, body["hitRate"])
}

// ==========================
// Probes
// ==========================

func TestHealthAndReadiness(t *testing.T) {
	svc := &fakeAssistant{}
	srv := newTestServer(t, svc, nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	svc.ready = true
	resp, _ = do(t, http.MethodGet, srv.URL+"/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestReadinessChecks(t *testing.T) {
	broken := errors.New("dial tcp: connection refused")
	svc := &fakeAssistant{ready: true}
	srv := httptest.NewServer(NewRouter(svc, nil, Config{
		ReadinessChecks: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return nil },
			"zeebe":    func(context.Context) error { return broken },
		},
	}, logger.NewTestLogger(t)))
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	failed, ok := body["failed"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, broken.Error(), failed["zeebe"])
	assert.NotContains(t, failed, "postgres")
}
