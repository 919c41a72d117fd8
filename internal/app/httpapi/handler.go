// Package httpapi exposes the ledger engine over a JSON REST API.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	app "github.com/R3E-Network/sitcoin/internal/app"
	"github.com/R3E-Network/sitcoin/internal/app/auth"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
	"github.com/R3E-Network/sitcoin/internal/app/metrics"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/internal/httputil"
	"github.com/R3E-Network/sitcoin/internal/middleware"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// Options wires the middleware around the API. Auth is required; the other
// layers are skipped when nil.
type Options struct {
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	CORS        *middleware.CORSMiddleware
	// AuditFile appends admin actions as JSONL when set.
	AuditFile string
	AuditSize int
	Logger    *logger.Logger
}

// Handler serves the REST API.
type Handler struct {
	app   *app.Application
	root  http.Handler
	audit *auditLog
	sink  *fileAuditSink
	log   *logger.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler returns the router exposing the ledger API.
func NewHandler(application *app.Application, opts Options) (*Handler, error) {
	if opts.Auth == nil {
		return nil, apperrors.Validation("httpapi: auth middleware is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, apperrors.Internal("httpapi: open audit file", err)
	}
	h := &Handler{app: application, sink: sink, log: opts.Logger}
	var auditTo auditSink
	if sink != nil {
		auditTo = sink
	}
	h.audit = newAuditLog(opts.AuditSize, auditTo)

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, apperrors.NotFound("route", r.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := apperrors.Validation("method " + r.Method + " not allowed on " + r.URL.Path)
		err.HTTPStatus = http.StatusMethodNotAllowed
		httputil.WriteError(w, r, err)
	})
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(opts.Auth.Handler, middleware.RequireCaller)
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}

	api.HandleFunc("/accounts", h.openAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/balance", h.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/transactions", h.listTransactions).Methods(http.MethodGet)

	api.HandleFunc("/transactions", h.transfer).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}", h.getTransaction).Methods(http.MethodGet)

	api.HandleFunc("/reversals", h.requestReversal).Methods(http.MethodPost)
	api.HandleFunc("/reversals/mine", h.myReversals).Methods(http.MethodGet)
	api.HandleFunc("/reversals/{id}", h.getReversal).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/reversals", h.listReversals).Methods(http.MethodGet)
	admin.HandleFunc("/reversals/{id}/decision", h.decideReversal).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/adjust", h.adjust).Methods(http.MethodPost)
	admin.HandleFunc("/reconciliation", h.lastReconciliation).Methods(http.MethodGet)
	admin.HandleFunc("/reconciliation", h.runReconciliation).Methods(http.MethodPost)
	admin.HandleFunc("/audit", h.auditTrail).Methods(http.MethodGet)

	var root http.Handler = router
	if opts.CORS != nil {
		root = opts.CORS.Handler(root)
	}
	root = metrics.InstrumentHandler(root)
	root = middleware.NewTracingMiddleware(opts.Logger).Handler(root)
	h.root = root
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// Close releases the audit file.
func (h *Handler) Close() error {
	return h.sink.Close()
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": h.app.Services(),
	})
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner          string `json:"owner"`
		AccountID      string `json:"account_id"`
		OpeningBalance int64  `json:"opening_balance"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	caller := callerOf(r)
	acct, err := h.app.Ledger.OpenAccount(r.Context(), caller, payload.Owner, payload.AccountID, payload.OpeningBalance)
	h.record(r, caller, "account.open", acct.ID, "owner="+payload.Owner, err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acct)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Ledger.GetAccount(r.Context(), callerOf(r), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, err := h.app.Ledger.GetBalance(r.Context(), callerOf(r), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"balance":    balance,
	})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	query := r.URL.Query()

	pending, err := parseBool(query.Get("pending"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	var txs []ledger.Transaction
	if pending {
		txs, err = h.app.Ledger.ListPendingFor(r.Context(), callerOf(r), id)
	} else {
		filter := ledger.Filter{AccountID: id}
		if raw := query.Get("status"); raw != "" {
			status, perr := ledger.ParseStatus(raw)
			if perr != nil {
				httputil.WriteError(w, r, apperrors.Validation(perr.Error()))
				return
			}
			filter.Status = status
		}
		if filter.Limit, err = parseLimit(query.Get("limit")); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		txs, err = h.app.Ledger.ListTransactions(r.Context(), callerOf(r), filter)
	}
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	httputil.WriteJSON(w, http.StatusOK, txs)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SenderID   string `json:"sender_id"`
		ReceiverID string `json:"receiver_id"`
		Amount     int64  `json:"amount"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	caller := callerOf(r)
	if payload.SenderID == "" {
		payload.SenderID = caller.AccountID
	}
	tx, err := h.app.Ledger.Transfer(r.Context(), caller, payload.SenderID, payload.ReceiverID, payload.Amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, tx)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Ledger.GetTransaction(r.Context(), callerOf(r), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tx)
}

func (h *Handler) requestReversal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TransactionID string `json:"transaction_id"`
		Reason        string `json:"reason"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	req, err := h.app.Reversals.RequestReversal(r.Context(), callerOf(r), payload.TransactionID, payload.Reason)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, req)
}

func (h *Handler) myReversals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.app.Reversals.ListForAccount(r.Context(), callerOf(r))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	writeRequests(w, reqs)
}

func (h *Handler) getReversal(w http.ResponseWriter, r *http.Request) {
	req, err := h.app.Reversals.Get(r.Context(), callerOf(r), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

// listReversals defaults to pending requests; status=all lists every request.
func (h *Handler) listReversals(w http.ResponseWriter, r *http.Request) {
	status := reversal.StatusPending
	switch raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))); raw {
	case "":
	case "all":
		status = ""
	default:
		status = reversal.Status(raw)
	}
	reqs, err := h.app.Reversals.ListByStatus(r.Context(), callerOf(r), status)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	writeRequests(w, reqs)
}

func (h *Handler) decideReversal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Approve *bool `json:"approve"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if payload.Approve == nil {
		httputil.WriteError(w, r, apperrors.Validation("approve is required"))
		return
	}
	id := mux.Vars(r)["id"]
	caller := callerOf(r)
	req, err := h.app.Reversals.Decide(r.Context(), caller, id, *payload.Approve)
	h.record(r, caller, "reversal.decide", id, "approve="+strconv.FormatBool(*payload.Approve), err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Delta int64 `json:"delta"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	caller := callerOf(r)
	acct, err := h.app.Ledger.Adjust(r.Context(), caller, id, payload.Delta)
	h.record(r, caller, "account.adjust", id, "delta="+strconv.FormatInt(payload.Delta, 10), err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *Handler) lastReconciliation(w http.ResponseWriter, r *http.Request) {
	if err := callerOf(r).RequireAdmin("reading reconciliation reports"); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	report, ok := h.app.Reconciler.Last()
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("reconciliation report", "latest"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) runReconciliation(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if err := caller.RequireAdmin("running reconciliation"); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	report, err := h.app.Reconciler.Run(r.Context())
	h.record(r, caller, "ledger.reconcile", "ledger", "clean="+strconv.FormatBool(report.Clean()), err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	if err := callerOf(r).RequireAdmin("reading the audit trail"); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// record appends an admin action to the audit trail. Sink failures are
// logged and never fail the request.
func (h *Handler) record(r *http.Request, caller auth.Caller, action, target, detail string, err error) {
	entry := auditEntry{
		Time:    time.Now().UTC(),
		Actor:   caller.UserID,
		Role:    string(caller.Role),
		Action:  action,
		Target:  target,
		Detail:  detail,
		Outcome: "ok",
		TraceID: logger.TraceID(r.Context()),
	}
	if err != nil {
		entry.Outcome = string(apperrors.CodeOf(err))
	}
	if werr := h.audit.add(entry); werr != nil {
		h.log.WithContext(r.Context()).WithError(werr).WithFields(logrus.Fields{
			"action": action,
			"target": target,
		}).Error("failed to persist audit entry")
	}
}

func callerOf(r *http.Request) auth.Caller {
	caller, _ := middleware.CallerFrom(r.Context())
	return caller
}

func writeRequests(w http.ResponseWriter, reqs []reversal.Request) {
	if reqs == nil {
		reqs = []reversal.Request{}
	}
	httputil.WriteJSON(w, http.StatusOK, reqs)
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.Validation("invalid boolean " + strconv.Quote(raw))
	}
	return v, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.Validation("invalid limit " + strconv.Quote(raw))
	}
	return v, nil
}
