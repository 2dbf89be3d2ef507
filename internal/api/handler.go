// Package api serves the SQL Lab HTTP surface.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"sqllab/internal/domain"
	"sqllab/internal/middleware"
	"sqllab/internal/service/sqllab"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes caps execute and stop request bodies.
const maxBodyBytes = 1 << 20

// Handler implements the SQL Lab endpoints on top of sqllab.Service.
type Handler struct {
	svc    *sqllab.Service
	health func(context.Context) error
	logger *slog.Logger
}

// NewHandler creates a Handler. health may be nil.
func NewHandler(svc *sqllab.Service, health func(context.Context) error, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, health: health, logger: logger.With("component", "api")}
}

// Execute handles POST /api/v1/sqllab/execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("Request body could not be read: %v", err))
		return
	}
	req, err := sqllab.ParseRequest(body, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	logParams := map[string]any{
		"user_id":    p.UserID,
		"username":   p.Username,
		"request_id": middleware.RequestIDFromContext(r.Context()),
	}
	res, err := h.svc.Command.Run(r.Context(), req, logParams)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == sqllab.StatusQueryCreatedAsync {
		status = http.StatusAccepted
	}
	writeRawJSON(w, status, res.Payload)
}

// Results handles GET /api/v1/sqllab/results/{key}.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rows := 0
	if v := r.URL.Query().Get("rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.ErrInvalidRequest("rows must be a non-negative integer"))
			return
		}
		rows = n
	}

	b, err := h.svc.Queries.FetchResults(r.Context(), key, rows, principal(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, b)
}

type stopRequest struct {
	ClientID string `json:"client_id"`
}

// Stop handles POST /api/v1/sqllab/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("Request body is not valid JSON: %v", err))
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("client_id is required"))
		return
	}

	q, err := h.svc.Queries.StopQuery(r.Context(), req.ClientID, principal(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "OK", "query": q})
}

// Query handles GET /api/v1/sqllab/queries/{client_id}.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Queries.GetQuery(r.Context(), chi.URLParam(r, "client_id"), principal(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q})
}

// Queries handles GET /api/v1/sqllab/queries?since=<epoch ms>.
func (h *Handler) Queries(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			h.writeError(w, r, domain.ErrInvalidRequest("since must be a non-negative epoch in milliseconds"))
			return
		}
		since = time.UnixMilli(ms)
	}

	list, err := h.svc.Queries.UpdatedSince(r.Context(), principal(r).UserID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principal returns the authenticated caller. Routes behind Authenticate
// always carry one.
func principal(r *http.Request) domain.ContextPrincipal {
	p, _ := domain.PrincipalFromContext(r.Context())
	return p
}
