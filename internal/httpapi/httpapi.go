// Package httpapi serves a read-only JSON view of the governance state.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc/codes"

	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/server"
)

const maxBody = 1 << 20

type api struct {
	core *governance.Core
	log  *slog.Logger
}

// New returns the router. Check is the only POST; it evaluates an action
// without changing anything.
func New(core *governance.Core, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	a := &api{core: core, log: log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v1/templates", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"templates": rules.Templates()})
	})

	r.Route("/v1/scopes/{scope}", func(r chi.Router) {
		r.Get("/council", a.council)
		r.Get("/rules", a.listRules)
		r.Get("/rules/{id}", a.rule)
		r.Get("/rules/{id}/history", a.ruleHistory)
		r.Post("/check", a.check)
		r.Get("/requests", a.listRequests)
		r.Get("/requests/{id}", a.request)
		r.Get("/members", a.members)
		r.Get("/settings", a.settings)
		r.Get("/audit", a.listAudit)
		r.Get("/audit/verify", a.verifyAudit)
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a governance error onto an HTTP status.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	st := httpStatus(server.Code(err))
	if st == http.StatusInternalServerError {
		a.log.Error("http handler failed", "path", r.URL.Path, "error", err)
		writeError(w, st, "internal error")
		return
	}
	writeError(w, st, err.Error())
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n >= 0
}

func (a *api) council(w http.ResponseWriter, r *http.Request) {
	reg, err := a.core.Council(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (a *api) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := rules.ListOptions{IncludeDeleted: q.Get("deleted") == "true", EnabledOnly: q.Get("enabled") == "true"}
	list, err := a.core.Rules(r.Context(), chi.URLParam(r, "scope"), opts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (a *api) rule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.core.Rule(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *api) ruleHistory(w http.ResponseWriter, r *http.Request) {
	revs, err := a.core.RuleHistory(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (a *api) check(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action  enforce.Action  `json:"action"`
		Context enforce.Context `json:"context"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	writeJSON(w, http.StatusOK, a.core.Check(r.Context(), chi.URLParam(r, "scope"), req.Action, req.Context))
}

func (a *api) listRequests(w http.ResponseWriter, r *http.Request) {
	st, ok := approval.ParseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit, ok := intQuery(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := a.core.Requests(r.Context(), chi.URLParam(r, "scope"), approval.ListOptions{Status: st, Limit: limit})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (a *api) request(w http.ResponseWriter, r *http.Request) {
	req, err := a.core.ResolveRequest(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *api) members(w http.ResponseWriter, r *http.Request) {
	list, err := a.core.Members(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": list})
}

func (a *api) settings(w http.ResponseWriter, r *http.Request) {
	all, err := a.core.Settings(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": all})
}

func (a *api) listAudit(w http.ResponseWriter, r *http.Request) {
	opts := audit.ListOptions{}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		opts.Since = since
	}
	limit, ok := intQuery(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	opts.Limit = limit
	events, err := a.core.AuditEvents(r.Context(), chi.URLParam(r, "scope"), opts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *api) verifyAudit(w http.ResponseWriter, r *http.Request) {
	window, ok := intQuery(r, "window")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid window")
		return
	}
	rep, err := a.core.VerifyAudit(r.Context(), chi.URLParam(r, "scope"), window)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
