package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/ledger"
	"github.com/fsl-continuum/fcuid/internal/ratelimit"
	"github.com/fsl-continuum/fcuid/internal/service"
	"github.com/fsl-continuum/fcuid/internal/storage/memory"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/validation"
	"github.com/fsl-continuum/fcuid/internal/verify"
)

type stubLedger struct {
	name string
	mu   sync.Mutex
	n    int
	down bool
}

func (l *stubLedger) Name() string { return l.name }

func (l *stubLedger) Write(ctx context.Context, e ledger.Entry) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return ledger.Receipt{}, errors.New("unreachable")
	}
	l.n++
	return ledger.Receipt{TxRef: fmt.Sprintf("%s-%d", l.name, l.n), Fragment: e.Fragment}, nil
}

// unknownFCUID is well formed with a valid checksum but never minted.
func unknownFCUID(t *testing.T) string {
	t.Helper()
	body := "fc-000000000000-000000000000"
	id := body + "-" + idgen.Checksum(body)
	require.True(t, validation.ValidateFCUID(id).Valid, "fixture %s must pass validation", id)
	return id
}

func setupTestRouter(t *testing.T, limits ratelimit.Config) (*gin.Engine, *stubLedger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := memory.New()
	a := &stubLedger{name: "a"}
	b := &stubLedger{name: "b"}
	writer := ledger.NewWriter(store, a, b, ledger.WithLogger(log), ledger.WithRetry(ledger.RetryConfig{
		MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, AttemptTimeout: time.Second,
	}))
	svc := service.New(store, writer, verify.New(store, verify.WithLogger(log)),
		service.WithLimiter(ratelimit.New(store, store, limits, ratelimit.WithLogger(log))),
		service.WithLogger(log),
		service.WithVerifyOnCommit(true),
	)
	return Router(&Handler{Service: svc, Log: log}), b
}

func do(r http.Handler, method, path string, body any, requester string) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requester != "" {
		req.Header.Set(RequesterHeader, requester)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestMintAndQuery(t *testing.T) {
	r, _ := setupTestRouter(t, ratelimit.DefaultConfig())

	w := do(r, http.MethodPost, "/v1/fcuids", map[string]any{
		"entity_type":   "deployment",
		"external_refs": map[string]string{"issue_tracker": "LIN-7"},
	}, "ci")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	minted := decode[service.MintResponse](t, w)
	assert.Empty(t, minted.Warning)
	id := minted.FCUID

	w = do(r, http.MethodGet, "/v1/fcuids/"+id, nil, "ci")
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[types.Record](t, w)
	assert.True(t, rec.LedgerRefs.Complete())
	assert.Equal(t, types.StatusActive, rec.Status)

	w = do(r, http.MethodGet, "/v1/lookup/external/issue_tracker/LIN-7", nil, "ci")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode[map[string]string](t, w)["fcuid"])

	tx, _ := types.SplitLedgerRef(*rec.LedgerRefs.LedgerA)
	w = do(r, http.MethodGet, "/v1/lookup/ledger/"+tx, nil, "ci")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode[map[string]string](t, w)["fcuid"])

	w = do(r, http.MethodGet, "/v1/fcuids/"+id+"/events?limit=2", nil, "ci")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.Event](t, w), 2)

	w = do(r, http.MethodPost, "/v1/fcuids/"+id+"/verify", nil, "ci")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[verify.Result](t, w).Consistent)
}

func TestErrorMapping(t *testing.T) {
	r, _ := setupTestRouter(t, ratelimit.DefaultConfig())
	w := do(r, http.MethodPost, "/v1/fcuids", nil, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[service.MintResponse](t, w).FCUID
	w = do(r, http.MethodPost, "/v1/fcuids", nil, "")
	other := decode[service.MintResponse](t, w).FCUID

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed id", http.MethodGet, "/v1/fcuids/fc-xyz", nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/v1/fcuids/" + unknownFCUID(t), nil, http.StatusNotFound},
		{"bad checksum", http.MethodGet, "/v1/fcuids/fc-000000000000-000000000000-00000000", nil, http.StatusBadRequest},
		{"bad system key", http.MethodPost, "/v1/fcuids/" + id + "/refs", map[string]string{"system": "Bad Key", "external_id": "x"}, http.StatusBadRequest},
		{"missing body field", http.MethodPost, "/v1/fcuids/" + id + "/refs", map[string]string{"system": "jira"}, http.StatusBadRequest},
		{"attach", http.MethodPost, "/v1/fcuids/" + id + "/refs", map[string]string{"system": "jira", "external_id": "OPS-1"}, http.StatusOK},
		{"conflicting ref", http.MethodPost, "/v1/fcuids/" + other + "/refs", map[string]string{"system": "jira", "external_id": "OPS-1"}, http.StatusConflict},
		{"skip a status", http.MethodPost, "/v1/fcuids/" + id + "/status", map[string]string{"status": "archived"}, http.StatusUnprocessableEntity},
		{"unknown status", http.MethodPost, "/v1/fcuids/" + id + "/status", map[string]string{"status": "done"}, http.StatusBadRequest},
		{"resolve unflagged", http.MethodPost, "/v1/fcuids/" + id + "/resolve", map[string]string{"note": "n/a"}, http.StatusUnprocessableEntity},
		{"resolve without note", http.MethodPost, "/v1/fcuids/" + id + "/resolve", map[string]string{}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/v2/nothing", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.body, "tester")
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestPartialCommitIsAccepted(t *testing.T) {
	r, b := setupTestRouter(t, ratelimit.DefaultConfig())
	b.down = true

	w := do(r, http.MethodPost, "/v1/fcuids", map[string]any{"defer_commit": true}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[service.MintResponse](t, w).FCUID

	w = do(r, http.MethodPost, "/v1/fcuids/"+id+"/commit", map[string]any{"payload": map[string]any{"k": "v"}}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, service.WarningLedgerPending, resp["warning"])
	assert.Equal(t, true, resp["degraded"])

	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
	w = do(r, http.MethodPost, "/v1/fcuids/"+id+"/commit", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitedResponse(t *testing.T) {
	r, _ := setupTestRouter(t, ratelimit.Config{Window: time.Minute, RequesterLimit: 1, IPLimit: 100})
	path := "/v1/fcuids/" + unknownFCUID(t)

	w := do(r, http.MethodGet, path, nil, "bot")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, http.MethodGet, path, nil, "bot")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.NotEqual(t, "0", w.Header().Get("Retry-After"))
}

func TestValidateAndHealth(t *testing.T) {
	r, _ := setupTestRouter(t, ratelimit.DefaultConfig())

	w := do(r, http.MethodGet, "/v1/validate/fc-0123", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[validation.Result](t, w)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Reason)

	w = do(r, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/reports/suspicious", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]types.SuspiciousEntry](t, w))
}
