package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/store/memory"
	"github.com/xraph/vmledger/vm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type server struct {
	t     *testing.T
	srv   *httptest.Server
	clock *testClock
}

func newServer(t *testing.T, opts ...Option) *server {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.DiscardHandler)
	engine := vmledger.New(memory.New(),
		vmledger.WithClock(clock.Now),
		vmledger.WithLogger(logger),
	)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop() })

	h := New(engine, append([]Option{WithLogger(logger)}, opts...)...)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &server{t: t, srv: srv, clock: clock}
}

// do sends a request and decodes the JSON response body.
func (s *server) do(method, path, account string, body any, headers ...string) (int, map[string]any) {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	if account != "" {
		req.Header.Set(HeaderAccountID, account)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *server) openAccount(owner, balance string) string {
	s.t.Helper()
	status, body := s.do(http.MethodPost, "/accounts", "", map[string]any{
		"owner_id":        owner,
		"initial_balance": balance,
	})
	require.Equal(s.t, http.StatusOK, status, body)
	return body["id"].(string)
}

func (s *server) createVM(account, name string) string {
	s.t.Helper()
	status, body := s.do(http.MethodPost, "/vms", account, map[string]any{
		"name":           name,
		"instance_class": "small",
		"project_id":     "proj-1",
	})
	require.Equal(s.t, http.StatusCreated, status, body)
	return body["id"].(string)
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func amountOf(body map[string]any, field string) float64 {
	m, _ := body[field].(map[string]any)
	n, _ := m["amount"].(float64)
	return n
}

func TestHealthAndCatalog(t *testing.T) {
	s := newServer(t)

	status, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = s.do(http.MethodGet, "/instance-classes", "", nil)
	assert.Equal(t, http.StatusOK, status)
	classes, ok := body["instance_classes"].([]any)
	require.True(t, ok)
	assert.Len(t, classes, 4)
	assert.Equal(t, vm.DefaultImage, body["default_image"])
}

func TestAccountHeaderRequired(t *testing.T) {
	s := newServer(t)

	status, body := s.do(http.MethodGet, "/vms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, codeUnauthorized, errorCode(body))

	status, body = s.do(http.MethodGet, "/vms", "not-an-id", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, codeUnauthorized, errorCode(body))
}

func TestRequestIDEchoed(t *testing.T) {
	s := newServer(t)
	rid := uuid.NewString()

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, rid)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, rid, resp.Header.Get(HeaderRequestID))

	resp, err = http.Get(s.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	_, err = uuid.Parse(resp.Header.Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestLifecycleCharges(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "0.10")
	vmID := s.createVM(acct, "web-1")

	s.clock.Advance(2 * time.Hour)

	status, body := s.do(http.MethodPost, "/vms/"+vmID+"/stop", acct, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, string(vm.StatusStopped), body["status"])
	assert.Equal(t, 10.0, amountOf(body, "total_cost"))

	status, body = s.do(http.MethodGet, "/accounts/me", acct, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, amountOf(body, "balance"))

	status, body = s.do(http.MethodPost, "/vms/"+vmID+"/start", acct, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInsufficientCredits, errorCode(body))

	status, body = s.do(http.MethodPost, "/vms/"+vmID+"/stop", acct, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, codeInvalidTransition, errorCode(body))
	e := body["error"].(map[string]any)
	assert.Equal(t, string(vm.StatusStopped), e["current_state"])
}

func TestCreateVMRejections(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "1.00")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown class", map[string]any{"name": "a", "instance_class": "huge", "project_id": "p"}, http.StatusBadRequest, codeInvalidInstanceClass},
		{"reserved name", map[string]any{"name": "admin", "instance_class": "small", "project_id": "p"}, http.StatusBadRequest, codeValidation},
		{"bad json", "{", http.StatusBadRequest, codeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(http.MethodPost, "/vms", acct, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}

	s.createVM(acct, "dup")
	status, body := s.do(http.MethodPost, "/vms", acct, map[string]any{
		"name": "dup", "instance_class": "small", "project_id": "proj-1",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, codeNameTaken, errorCode(body))

	poor := s.openAccount("user-2", "0.01")
	status, body = s.do(http.MethodPost, "/vms", poor, map[string]any{
		"name": "x", "instance_class": "small", "project_id": "p",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInsufficientCredits, errorCode(body))
}

func TestDeleteExcludesFromListing(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "1.00")
	vmID := s.createVM(acct, "db-1")
	s.clock.Advance(30 * time.Minute)

	status, body := s.do(http.MethodDelete, "/vms/"+vmID, acct, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, string(vm.StatusTerminated), body["status"])

	_, body = s.do(http.MethodGet, "/vms", acct, nil)
	assert.Equal(t, 0.0, body["count"])

	_, body = s.do(http.MethodGet, "/vms?include_terminated=true", acct, nil)
	assert.Equal(t, 1.0, body["count"])

	status, body = s.do(http.MethodGet, "/vms/"+vmID, acct, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(vm.StatusTerminated), body["status"])

	_, body = s.do(http.MethodGet, "/billing/history?reason=vm_usage", acct, nil)
	assert.Equal(t, 1.0, body["total"])

	_, body = s.do(http.MethodGet, "/audit?entity_id="+vmID, acct, nil)
	assert.Equal(t, 2.0, body["count"])
}

func TestVMNotFound(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "1.00")
	other := s.openAccount("user-2", "1.00")
	vmID := s.createVM(other, "theirs")

	for _, path := range []string{"/vms/" + vmID, "/vms/garbage"} {
		status, body := s.do(http.MethodGet, path, acct, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, codeNotFound, errorCode(body), path)
	}
}

func TestAddCredits(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "0")

	tests := []struct {
		name   string
		amount any
		status int
		code   string
	}{
		{"negative", "-1.00", http.StatusBadRequest, codeInvalidAmount},
		{"zero", 0, http.StatusBadRequest, codeInvalidAmount},
		{"sub-cent", "0.001", http.StatusBadRequest, codeInvalidAmount},
		{"missing", nil, http.StatusBadRequest, codeInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(http.MethodPost, "/billing/credits/add", acct, map[string]any{"amount": tt.amount})
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}

	key := uuid.NewString()
	for range 2 {
		status, body := s.do(http.MethodPost, "/billing/credits/add", acct,
			map[string]any{"amount": 5.25, "description": "top up"},
			HeaderIdempotencyKey, key)
		require.Equal(t, http.StatusOK, status, body)
		assert.Equal(t, 525.0, amountOf(body, "balance"))
	}

	status, body := s.do(http.MethodPost, "/billing/credits/add", acct,
		map[string]any{"amount": "1"}, HeaderIdempotencyKey, "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeValidation, errorCode(body))

	_, body = s.do(http.MethodGet, "/billing/history", acct, nil)
	assert.Equal(t, 1.0, body["total"])
	assert.Equal(t, false, body["has_next"])
}

func TestBillingViews(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "1.00")
	s.createVM(acct, "a")
	s.createVM(acct, "b")
	s.clock.Advance(time.Hour)

	status, body := s.do(http.MethodGet, "/billing/credits", acct, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 100.0, amountOf(body, "balance"))
	assert.Equal(t, 2.0, body["running_vms"])

	status, body = s.do(http.MethodGet, "/billing/usage-summary", acct, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 10.0, amountOf(body, "hourly_cost"))
	assert.Equal(t, 240.0, amountOf(body, "projected_daily"))

	status, body = s.do(http.MethodGet, "/billing/vm-costs", acct, nil)
	require.Equal(t, http.StatusOK, status)
	costs := body["vm_costs"].([]any)
	require.Len(t, costs, 2)
	assert.Equal(t, 5.0, amountOf(costs[0].(map[string]any), "unbilled"))

	status, body = s.do(http.MethodGet, "/billing/reconcile", acct, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["consistent"])
}

func TestHistoryValidation(t *testing.T) {
	s := newServer(t)
	acct := s.openAccount("user-1", "1.00")

	for _, q := range []string{"page=0x", "limit=500", "reason=bogus", "start=yesterday", "vm_id=nope"} {
		status, body := s.do(http.MethodGet, "/billing/history?"+q, acct, nil)
		assert.Equal(t, http.StatusBadRequest, status, q)
		assert.Equal(t, codeValidation, errorCode(body), q)
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	t.Cleanup(rl.Stop)
	s := newServer(t, WithRateLimiter(rl))

	status, _ := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, codeRateLimited, errorCode(body))
	assert.Equal(t, 1, rl.Count())
}

func TestRateLimiterKeys(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Positive(t, rl.RetryAfter("a"))
	assert.Zero(t, rl.RetryAfter("unknown"))
	rl.Stop()
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", vmledger.ErrInsufficientCredits), http.StatusBadRequest, codeInsufficientCredits},
		{&vm.TransitionError{From: vm.StatusStopped, To: vm.StatusStopped}, http.StatusConflict, codeInvalidTransition},
		{vmledger.ErrInvalidInstanceClass, http.StatusBadRequest, codeInvalidInstanceClass},
		{vmledger.ErrInvalidAmount, http.StatusBadRequest, codeInvalidAmount},
		{vmledger.ValidationError{Field: "name", Message: "bad"}, http.StatusBadRequest, codeValidation},
		{vmledger.ErrVMNameTaken, http.StatusConflict, codeNameTaken},
		{vmledger.ErrVMNotFound, http.StatusNotFound, codeNotFound},
		{vmledger.ErrConcurrencyConflict, http.StatusServiceUnavailable, codeConcurrencyConflict},
		{vmledger.ErrProvisionFailed, http.StatusBadGateway, codeProvisionFailed},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, codeTimeout},
		{fmt.Errorf("%w: disk", vmledger.ErrPersistenceFailure), http.StatusInternalServerError, codePersistenceFailure},
		{errors.New("boom"), http.StatusInternalServerError, codePersistenceFailure},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
