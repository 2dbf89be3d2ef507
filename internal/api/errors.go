package api

import (
	"errors"
	"log/slog"
	"net/http"

	"sqllab/internal/domain"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Message   string               `json:"message"`
	ErrorType domain.ErrorType     `json:"error_type"`
	Extra     map[string]any       `json:"extra,omitempty"`
	Errors    []domain.ErrorRecord `json:"errors"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var sqlLab *domain.SQLLabError
	var notFound *domain.NotFoundError
	var accessDenied *domain.AccessDeniedError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError

	switch {
	case errors.As(err, &sqlLab):
		return sqlLab.HTTPStatus()
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBodyFromError builds the response body for err. Errors that are not
// SQL Lab errors are reported as generic backend errors.
func errorBodyFromError(err error) errorBody {
	var sqlLab *domain.SQLLabError
	if errors.As(err, &sqlLab) {
		return errorBody{
			Message:   sqlLab.Message,
			ErrorType: sqlLab.ErrorType,
			Extra:     sqlLab.Extra,
			Errors:    sqlLab.Records(),
		}
	}
	rec := domain.ErrorRecord{
		Message:   err.Error(),
		ErrorType: domain.ErrorTypeGenericBackend,
		Level:     domain.ErrorLevelError,
	}
	return errorBody{Message: rec.Message, ErrorType: rec.ErrorType, Errors: []domain.ErrorRecord{rec}}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		h.logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBodyFromError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Default().Error("encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, status, b)
}

func writeRawJSON(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
