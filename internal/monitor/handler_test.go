package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/secmon/internal/circuitbreaker"
	"github.com/mbd888/secmon/internal/history"
	"github.com/mbd888/secmon/internal/risk"
	"github.com/mbd888/secmon/internal/security"
)

const testAdminSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	return routerFor(f), f
}

func routerFor(f *fixture) *gin.Engine {
	h := NewHandler(f.svc, nil)

	r := gin.New()
	v1 := r.Group("/v1/security")
	h.RegisterRoutes(v1)
	admin := r.Group("/v1/security")
	admin.Use(security.RequireAdmin(testAdminSecret))
	h.RegisterAdminRoutes(admin)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	if admin {
		req.Header.Set(security.AdminSecretHeader, testAdminSecret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_EvaluateLogin(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/evaluate/login", map[string]any{
		"userId": "alice", "ipAddress": "10.0.0.1", "success": true, "timestamp": noon,
	}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	d := decode(t, w)["decision"].(map[string]any)
	assert.Equal(t, "alice", d["userId"])
	assert.Equal(t, false, d["blocked"])
}

func TestHandler_EvaluateLogin_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/evaluate/login", map[string]any{"ipAddress": "10.0.0.1"}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "validation_error", body["error"])
	assert.NotEmpty(t, body["details"])

	req := httptest.NewRequest(http.MethodPost, "/v1/security/evaluate/login", bytes.NewBufferString("{"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])
}

func TestHandler_EvaluateTransaction(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/evaluate/transaction", map[string]any{
		"userId": "erin", "transactionId": "tx-1", "amount": 15000, "category": "retail", "timestamp": noon,
	}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	d := decode(t, w)["decision"].(map[string]any)
	assert.Equal(t, 0.5, d["score"])
	assert.Equal(t, true, d["stepUpRequired"])
	assert.Equal(t, false, d["quarantine"])
}

func TestHandler_RecordAction(t *testing.T) {
	r, f := setupRouter(t)

	body := map[string]any{
		"userId": "admin-1", "action": "export_customers", "resourceType": "report", "resourceId": "r-9",
		"details": map[string]any{"rows": 120, "format": "csv"},
	}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/v1/security/audit", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	req.Header.Set(IdempotencyKeyHeader, "export-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	e := decode(t, w)["entry"].(map[string]any)
	assert.Equal(t, `{"format":"csv","rows":120}`, e["details"])
	assert.Equal(t, "handler-test", e["userAgent"])
	assert.NotEmpty(t, e["currentHash"])

	// Same key, same entry.
	req = httptest.NewRequest(http.MethodPost, "/v1/security/audit", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, "export-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, e["id"], decode(t, w)["entry"].(map[string]any)["id"])
	assert.Equal(t, 1, f.trail.Len())

	w = do(t, r, http.MethodPost, "/v1/security/audit", map[string]any{"userId": "admin-1"}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AdminRoutesRequireSecret(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodGet, "/v1/security/incidents", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/v1/security/incidents", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_AuditTrailAndVerify(t *testing.T) {
	r, _ := setupRouter(t)

	for i := 0; i < 3; i++ {
		w := do(t, r, http.MethodPost, "/v1/security/audit", map[string]any{
			"userId": "admin-1", "action": "view_customer", "resourceType": "customer", "resourceId": "c-1",
		}, false)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, r, http.MethodGet, "/v1/security/audit?user_id=admin-1&limit=2", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])
	entries := body["entries"].([]any)
	assert.EqualValues(t, 3, entries[0].(map[string]any)["id"], "newest first by default")

	w = do(t, r, http.MethodGet, "/v1/security/audit?after_id=x", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/security/audit/entries/2", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/v1/security/audit/entries/99", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, http.MethodGet, "/v1/security/audit/entries/abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/security/audit/verify", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)["report"].(map[string]any)
	assert.Equal(t, true, report["intact"])
	assert.EqualValues(t, 3, report["checked"])
}

func TestHandler_IncidentLifecycle(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/incidents", map[string]any{
		"userId": "alice", "type": "suspicious_export", "severity": "medium",
		"details": map[string]any{"rows": 50000},
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	in := decode(t, w)["incident"].(map[string]any)
	id := in["id"].(string)
	assert.Equal(t, "open", in["status"])

	w = do(t, r, http.MethodPost, "/v1/security/incidents", map[string]any{"type": "x", "severity": "urgent"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/security/incidents?status=open&user_id=alice", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(t, r, http.MethodGet, "/v1/security/incidents/"+id, nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/v1/security/incidents/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/v1/security/incidents/"+id+"/resolve", map[string]any{"resolution": "expected batch job"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "resolved", decode(t, w)["incident"].(map[string]any)["status"])

	w = do(t, r, http.MethodPost, "/v1/security/incidents/"+id+"/resolve", map[string]any{"resolution": "again"}, true)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_resolved", decode(t, w)["error"])
}

func TestHandler_AccountLockAndUnlock(t *testing.T) {
	r, f := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/accounts/alice/lock", map[string]any{"duration": "30m", "reason": "fraud review"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	l := decode(t, w)["lockout"].(map[string]any)
	assert.Equal(t, noon.Add(30*time.Minute).Format(time.RFC3339), l["unlockAt"])

	w = do(t, r, http.MethodGet, "/v1/security/accounts/alice", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["account"].(map[string]any)["locked"])

	w = do(t, r, http.MethodPost, "/v1/security/accounts/alice/unlock", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodPost, "/v1/security/accounts/alice/unlock", nil, true)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_locked", decode(t, w)["error"])

	w = do(t, r, http.MethodPost, "/v1/security/accounts/alice/lock", map[string]any{"duration": "soon"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.clock.Set(noon.Add(time.Hour))
	w = do(t, r, http.MethodGet, "/v1/security/accounts/alice", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["account"].(map[string]any)["locked"])
}

func TestHandler_ReportCompromise(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/accounts/frank/compromise", map[string]any{
		"indicators": []string{"password_in_breach", "new_device", "mfa_reset"},
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := decode(t, w)["decision"].(map[string]any)
	assert.Equal(t, true, d["restricted"])
	assert.Equal(t, true, d["revokeSessions"])
}

func TestHandler_ConfigListsOptions(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodGet, "/v1/security/config", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["options"])
}

func TestHandler_LockReasonIsSanitized(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/security/accounts/alice/lock",
		map[string]any{"duration": "10m", "reason": "  " + strings.Repeat("x", 80) + "  "}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	l := decode(t, w)["lockout"].(map[string]any)
	assert.Len(t, l["reason"], 50)
}

func TestHandler_AccountStatus_StoreDown(t *testing.T) {
	f := newFixtureWithHistory(t, downStore{history.NewMemoryStore()},
		risk.WithBreaker(circuitbreaker.New(1, time.Hour)))
	r := routerFor(f)

	// The first call trips the circuit, the second is turned away by it.
	for i := 0; i < 2; i++ {
		w := do(t, r, http.MethodGet, "/v1/security/accounts/dave", nil, true)
		require.Equal(t, http.StatusServiceUnavailable, w.Code, "call %d: %s", i+1, w.Body.String())
		assert.Equal(t, "store_unavailable", decode(t, w)["error"])
	}
}
