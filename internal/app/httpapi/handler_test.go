package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/sitcoin/internal/app"
	"github.com/R3E-Network/sitcoin/internal/app/auth"
	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
	ledgersvc "github.com/R3E-Network/sitcoin/internal/app/services/ledger"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/internal/httputil"
	"github.com/R3E-Network/sitcoin/internal/middleware"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

var testSecret = []byte("handler-test-secret-handler-test")

type testAPI struct {
	t      *testing.T
	app    *app.Application
	server *httptest.Server
	base   *httputil.Client
	admin  *httputil.Client
}

func newTestAPI(t *testing.T, auditFile string) *testAPI {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{DisableReconciler: true}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	handler, err := NewHandler(application, Options{
		Auth:        middleware.NewAuthMiddleware(testSecret, "sitcoin", nil, logger.NewNop(), []string{"/healthz", "/metrics"}),
		RateLimiter: middleware.NewRateLimiter(1000, 1000, logger.NewNop()),
		CORS:        middleware.NewCORSMiddleware([]string{"*"}),
		AuditFile:   auditFile,
		Logger:      logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handler.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	api := &testAPI{
		t:      t,
		app:    application,
		server: server,
		base:   httputil.NewClient(httputil.ClientConfig{BaseURL: server.URL, MaxRetries: -1}),
	}
	api.admin = api.as(auth.Admin("root"))
	return api
}

func (a *testAPI) as(caller auth.Caller) *httputil.Client {
	tok, err := middleware.IssueToken(testSecret, "sitcoin", caller, time.Hour)
	require.NoError(a.t, err)
	return a.base.WithToken(tok)
}

func (a *testAPI) open(owner string, opening int64) account.Account {
	var acct account.Account
	require.NoError(a.t, a.admin.Post(context.Background(), "/api/accounts", map[string]any{
		"owner":           owner,
		"opening_balance": opening,
	}, &acct))
	return acct
}

func balanceOf(t *testing.T, c *httputil.Client, id string) int64 {
	var out struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, c.Get(context.Background(), "/api/accounts/"+id+"/balance", &out))
	return out.Balance
}

func requireCode(t *testing.T, err error, code apperrors.Code, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, code), "want %s, got %v", code, err)
	assert.Equal(t, status, apperrors.StatusFor(err))
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()

	var health struct {
		Status   string   `json:"status"`
		Services []string `json:"services"`
	}
	require.NoError(t, api.base.Get(ctx, "/healthz", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"ledger", "reversals"}, health.Services)

	resp, err := http.Get(api.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(httputil.TraceHeader))
}

func TestTransferAndReversalLifecycle(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()

	a := api.open("alice", 1000)
	b := api.open("bob", 500)
	assert.True(t, strings.HasPrefix(a.ID, "SITC"))
	alice := api.as(auth.User("alice", a.ID))
	bob := api.as(auth.User("bob", b.ID))

	var tx ledger.Transaction
	require.NoError(t, alice.Post(ctx, "/api/transactions", map[string]any{
		"receiver_id": b.ID,
		"amount":      300,
	}, &tx))
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, a.ID, tx.SenderID)
	assert.EqualValues(t, 700, balanceOf(t, alice, a.ID))
	assert.EqualValues(t, 800, balanceOf(t, bob, b.ID))

	var pending []ledger.Transaction
	require.NoError(t, alice.Get(ctx, "/api/accounts/"+a.ID+"/transactions?pending=true", &pending))
	require.Len(t, pending, 1)

	var req reversal.Request
	require.NoError(t, alice.Post(ctx, "/api/reversals", map[string]any{
		"transaction_id": tx.ID,
		"reason":         "sent to the wrong account",
	}, &req))
	assert.Equal(t, reversal.StatusPending, req.Status)

	err := alice.Post(ctx, "/api/reversals", map[string]any{"transaction_id": tx.ID, "reason": "again"}, nil)
	requireCode(t, err, apperrors.CodeConflict, http.StatusConflict)

	var mine []reversal.Request
	require.NoError(t, alice.Get(ctx, "/api/reversals/mine", &mine))
	require.Len(t, mine, 1)
	requireCode(t, bob.Get(ctx, "/api/reversals/"+req.ID, nil), apperrors.CodeUnauthorized, http.StatusForbidden)

	var queue []reversal.Request
	require.NoError(t, api.admin.Get(ctx, "/api/admin/reversals", &queue))
	require.Len(t, queue, 1)
	requireCode(t, alice.Get(ctx, "/api/admin/reversals", nil), apperrors.CodeUnauthorized, http.StatusForbidden)

	var decided reversal.Request
	require.NoError(t, api.admin.Post(ctx, "/api/admin/reversals/"+req.ID+"/decision", map[string]any{"approve": true}, &decided))
	assert.Equal(t, reversal.StatusApproved, decided.Status)
	assert.Equal(t, "root", decided.DecidedBy)
	assert.EqualValues(t, 1000, balanceOf(t, alice, a.ID))
	assert.EqualValues(t, 500, balanceOf(t, bob, b.ID))

	var reversed ledger.Transaction
	require.NoError(t, bob.Get(ctx, "/api/transactions/"+tx.ID, &reversed))
	assert.Equal(t, ledger.StatusReversed, reversed.Status)

	err = api.admin.Post(ctx, "/api/admin/reversals/"+req.ID+"/decision", map[string]any{"approve": false}, nil)
	requireCode(t, err, apperrors.CodeInvalidState, http.StatusConflict)

	var all []reversal.Request
	require.NoError(t, api.admin.Get(ctx, "/api/admin/reversals?status=all", &all))
	require.Len(t, all, 1)
	var approved []reversal.Request
	require.NoError(t, api.admin.Get(ctx, "/api/admin/reversals?status=approved", &approved))
	require.Len(t, approved, 1)
	requireCode(t, api.admin.Get(ctx, "/api/admin/reversals?status=bogus", nil), apperrors.CodeValidation, http.StatusBadRequest)
}

func TestApprovalAfterReceiverSpentFunds(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()

	a := api.open("alice", 1000)
	b := api.open("bob", 0)
	c := api.open("carol", 0)
	alice := api.as(auth.User("alice", a.ID))
	bob := api.as(auth.User("bob", b.ID))

	var tx ledger.Transaction
	require.NoError(t, alice.Post(ctx, "/api/transactions", map[string]any{"receiver_id": b.ID, "amount": 300}, &tx))
	require.NoError(t, bob.Post(ctx, "/api/transactions", map[string]any{"receiver_id": c.ID, "amount": 250}, nil))

	var req reversal.Request
	require.NoError(t, alice.Post(ctx, "/api/reversals", map[string]any{"transaction_id": tx.ID, "reason": "fraud"}, &req))

	err := api.admin.Post(ctx, "/api/admin/reversals/"+req.ID+"/decision", map[string]any{"approve": true}, nil)
	requireCode(t, err, apperrors.CodeReversalFailed, http.StatusUnprocessableEntity)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReversalFailed))

	var still reversal.Request
	require.NoError(t, alice.Get(ctx, "/api/reversals/"+req.ID, &still))
	assert.Equal(t, reversal.StatusPending, still.Status)
	assert.EqualValues(t, 700, balanceOf(t, alice, a.ID))
	assert.EqualValues(t, 50, balanceOf(t, bob, b.ID))
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()

	a := api.open("alice", 100)
	b := api.open("bob", 0)
	alice := api.as(auth.User("alice", a.ID))
	bob := api.as(auth.User("bob", b.ID))

	requireCode(t, alice.Post(ctx, "/api/transactions", map[string]any{"receiver_id": b.ID, "amount": 300}, nil),
		apperrors.CodeInsufficientFunds, http.StatusUnprocessableEntity)
	requireCode(t, alice.Post(ctx, "/api/transactions", map[string]any{"receiver_id": b.ID, "amount": 0}, nil),
		apperrors.CodeInvalidAmount, http.StatusBadRequest)
	requireCode(t, alice.Post(ctx, "/api/transactions", map[string]any{"receiver_id": "SITC9999999", "amount": 1}, nil),
		apperrors.CodeNotFound, http.StatusNotFound)
	requireCode(t, bob.Post(ctx, "/api/transactions", map[string]any{"sender_id": a.ID, "receiver_id": b.ID, "amount": 1}, nil),
		apperrors.CodeUnauthorized, http.StatusForbidden)
	requireCode(t, bob.Get(ctx, "/api/accounts/"+a.ID+"/balance", nil), apperrors.CodeUnauthorized, http.StatusForbidden)
	requireCode(t, alice.Get(ctx, "/api/transactions/unknown", nil), apperrors.CodeNotFound, http.StatusNotFound)
	requireCode(t, alice.Post(ctx, "/api/transactions", map[string]any{"receiver_id": b.ID, "amount": 1, "memo": "x"}, nil),
		apperrors.CodeValidation, http.StatusBadRequest)
	requireCode(t, alice.Get(ctx, "/api/accounts/"+a.ID+"/transactions?pending=maybe", nil),
		apperrors.CodeValidation, http.StatusBadRequest)
	requireCode(t, alice.Post(ctx, "/api/accounts", map[string]any{"owner": "alice"}, nil),
		apperrors.CodeUnauthorized, http.StatusForbidden)
	requireCode(t, api.admin.Post(ctx, "/api/admin/reversals/none/decision", map[string]any{}, nil),
		apperrors.CodeValidation, http.StatusBadRequest)

	err := api.base.Get(ctx, "/api/accounts/"+a.ID+"/balance", nil)
	requireCode(t, err, apperrors.CodeUnauthorized, http.StatusUnauthorized)

	resp, err := http.Get(api.server.URL + "/nowhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var envelope httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, apperrors.CodeNotFound, envelope.Code)
	assert.NotEmpty(t, envelope.TraceID)
}

func TestTransactionHistoryFilters(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()

	a := api.open("alice", 1000)
	b := api.open("bob", 0)
	alice := api.as(auth.User("alice", a.ID))

	for i := 0; i < 3; i++ {
		require.NoError(t, alice.Post(ctx, "/api/transactions", map[string]any{"receiver_id": b.ID, "amount": 10}, nil))
	}

	var all []ledger.Transaction
	require.NoError(t, alice.Get(ctx, "/api/accounts/"+a.ID+"/transactions", &all))
	assert.Len(t, all, 3)

	var limited []ledger.Transaction
	require.NoError(t, alice.Get(ctx, "/api/accounts/"+a.ID+"/transactions?limit=2", &limited))
	assert.Len(t, limited, 2)

	var reversed []ledger.Transaction
	require.NoError(t, alice.Get(ctx, "/api/accounts/"+a.ID+"/transactions?status=reversed", &reversed))
	assert.Empty(t, reversed)

	requireCode(t, alice.Get(ctx, "/api/accounts/"+a.ID+"/transactions?status=lost", nil),
		apperrors.CodeValidation, http.StatusBadRequest)
}

func TestAdminAdjustAndReconciliation(t *testing.T) {
	auditFile := filepath.Join(t.TempDir(), "audit.jsonl")
	api := newTestAPI(t, auditFile)
	ctx := context.Background()

	a := api.open("alice", 100)
	alice := api.as(auth.User("alice", a.ID))

	requireCode(t, api.admin.Get(ctx, "/api/admin/reconciliation", nil), apperrors.CodeNotFound, http.StatusNotFound)

	var adjusted account.Account
	require.NoError(t, api.admin.Post(ctx, "/api/admin/accounts/"+a.ID+"/adjust", map[string]any{"delta": 50}, &adjusted))
	assert.EqualValues(t, 150, adjusted.Balance)
	assert.EqualValues(t, 150, adjusted.Issued)

	requireCode(t, api.admin.Post(ctx, "/api/admin/accounts/"+a.ID+"/adjust", map[string]any{"delta": -500}, nil),
		apperrors.CodeInsufficientFunds, http.StatusUnprocessableEntity)
	requireCode(t, alice.Post(ctx, "/api/admin/accounts/"+a.ID+"/adjust", map[string]any{"delta": 5}, nil),
		apperrors.CodeUnauthorized, http.StatusForbidden)

	var report ledgersvc.Report
	require.NoError(t, api.admin.Post(ctx, "/api/admin/reconciliation", nil, &report))
	assert.True(t, report.Conserved)
	assert.Empty(t, report.Drift)
	assert.EqualValues(t, 150, report.Totals.Balance)

	var last ledgersvc.Report
	require.NoError(t, api.admin.Get(ctx, "/api/admin/reconciliation", &last))
	assert.Equal(t, report.Totals, last.Totals)
	requireCode(t, alice.Get(ctx, "/api/admin/reconciliation", nil), apperrors.CodeUnauthorized, http.StatusForbidden)

	var trail []auditEntry
	require.NoError(t, api.admin.Get(ctx, "/api/admin/audit", &trail))
	actions := make([]string, 0, len(trail))
	for _, e := range trail {
		actions = append(actions, e.Action+":"+e.Outcome)
	}
	assert.Equal(t, []string{
		"account.open:ok",
		"account.adjust:ok",
		"account.adjust:INSUFFICIENT_FUNDS",
		"account.adjust:UNAUTHORIZED",
		"ledger.reconcile:ok",
	}, actions)

	f, err := os.Open(auditFile)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e auditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines++
	}
	assert.Equal(t, len(trail), lines)
}

func TestNewHandlerRequiresAuth(t *testing.T) {
	application, err := app.New(app.Stores{}, app.Options{DisableReconciler: true}, logger.NewNop())
	require.NoError(t, err)
	_, err = NewHandler(application, Options{})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestAuditLogLimit(t *testing.T) {
	log := newAuditLog(2, nil)
	for _, action := range []string{"a", "b", "c"} {
		require.NoError(t, log.add(auditEntry{Action: action}))
	}
	entries := log.listLimit(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Action)
	assert.Len(t, log.listLimit(1), 1)
}
