package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is the machine-readable classification carried by SQL Lab
// failures and structured error records.
type ErrorType string

// SQL Lab error types.
const (
	ErrorTypeGenericDBEngine        ErrorType = "GENERIC_DB_ENGINE_ERROR"
	ErrorTypeGenericBackend         ErrorType = "GENERIC_BACKEND_ERROR"
	ErrorTypeMissingTemplateParams  ErrorType = "MISSING_TEMPLATE_PARAMS_ERROR"
	ErrorTypeInvalidTemplateParams  ErrorType = "INVALID_TEMPLATE_PARAMS_ERROR"
	ErrorTypeQuerySecurityAccess    ErrorType = "QUERY_SECURITY_ACCESS_ERROR"
	ErrorTypeSQLLabTimeout          ErrorType = "SQLLAB_TIMEOUT_ERROR"
	ErrorTypeResultsBackend         ErrorType = "RESULTS_BACKEND_ERROR"
	ErrorTypeAsyncWorkers           ErrorType = "ASYNC_WORKERS_ERROR"
	ErrorTypeDatabaseNotFound       ErrorType = "DATABASE_NOT_FOUND_ERROR"
	ErrorTypeInvalidPayloadFormat   ErrorType = "INVALID_PAYLOAD_FORMAT_ERROR"
	ErrorTypeDisallowedFunction     ErrorType = "SQLLAB_DISALLOWED_FUNCTION_ERROR"
	ErrorTypeDMLNotAllowed          ErrorType = "DML_NOT_ALLOWED_ERROR"
	ErrorTypeInvalidCTASQuery       ErrorType = "INVALID_CTAS_QUERY_ERROR"
	ErrorTypeQueryNotFound          ErrorType = "QUERY_NOT_FOUND_ERROR"
	ErrorTypeResultsBackendNotFound ErrorType = "RESULTS_BACKEND_NOT_CONFIGURED_ERROR"
)

// ErrorLevel is the severity of a structured error record.
type ErrorLevel string

// Error levels.
const (
	ErrorLevelInfo    ErrorLevel = "info"
	ErrorLevelWarning ErrorLevel = "warning"
	ErrorLevelError   ErrorLevel = "error"
)

// ErrorRecord is one structured error as persisted in a query's extra_json
// under "errors" and returned to callers.
type ErrorRecord struct {
	Message   string         `json:"message"`
	ErrorType ErrorType      `json:"error_type"`
	Level     ErrorLevel     `json:"level"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ErrorKind groups failures by how callers should react to them.
type ErrorKind string

// Error kinds.
const (
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindNotFound                ErrorKind = "not_found"
	KindForbidden               ErrorKind = "forbidden"
	KindInvalidTemplateParams   ErrorKind = "invalid_template_params"
	KindMissingTemplateParams   ErrorKind = "missing_template_params"
	KindEngineError             ErrorKind = "engine_error"
	KindQueryTimeout            ErrorKind = "query_timeout"
	KindResultsStoreUnavailable ErrorKind = "results_store_unavailable"
	KindResultsGone             ErrorKind = "results_gone"
	KindAsyncDispatchFailed     ErrorKind = "async_dispatch_failed"
	KindInternal                ErrorKind = "internal"
)

// SQLLabError is the error raised by the SQL Lab pipeline. Message is the
// human-readable text; Errors holds the structured records when the failure
// originated from more than one cause (e.g. the engine).
type SQLLabError struct {
	Kind      ErrorKind
	ErrorType ErrorType
	Message   string
	Extra     map[string]any
	Errors    []ErrorRecord
	Err       error
}

func (e *SQLLabError) Error() string { return e.Message }

func (e *SQLLabError) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status code the HTTP layer returns.
func (e *SQLLabError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest, KindInvalidTemplateParams, KindMissingTemplateParams:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindQueryTimeout:
		return http.StatusRequestTimeout
	case KindResultsGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Records returns the structured records for the error. A single record is
// synthesised from Message when none were attached.
func (e *SQLLabError) Records() []ErrorRecord {
	if len(e.Errors) > 0 {
		return e.Errors
	}
	return []ErrorRecord{{
		Message:   e.Message,
		ErrorType: e.ErrorType,
		Level:     ErrorLevelError,
		Extra:     e.Extra,
	}}
}

// NewSQLLabError creates a SQLLabError with a formatted message.
func NewSQLLabError(kind ErrorKind, errType ErrorType, format string, args ...any) *SQLLabError {
	return &SQLLabError{Kind: kind, ErrorType: errType, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidRequest reports a malformed execute request.
func ErrInvalidRequest(format string, args ...any) *SQLLabError {
	return NewSQLLabError(KindInvalidRequest, ErrorTypeInvalidPayloadFormat, format, args...)
}

// ErrDatabaseNotFound reports an unknown database id.
func ErrDatabaseNotFound(databaseID int64) *SQLLabError {
	e := NewSQLLabError(KindNotFound, ErrorTypeDatabaseNotFound, "The database was not found.")
	e.Extra = map[string]any{"database_id": databaseID}
	return e
}

// ErrQueryIsForbiddenToAccess reports an access validator refusal.
func ErrQueryIsForbiddenToAccess(format string, args ...any) *SQLLabError {
	return NewSQLLabError(KindForbidden, ErrorTypeQuerySecurityAccess, format, args...)
}

// ErrMissingTemplateParams reports template variables the caller did not supply.
func ErrMissingTemplateParams(undefined []string, params map[string]any) *SQLLabError {
	if params == nil {
		params = map[string]any{}
	}
	e := NewSQLLabError(KindMissingTemplateParams, ErrorTypeMissingTemplateParams,
		"The following parameters in your query are undefined: %s.", quoteJoin(undefined))
	e.Extra = map[string]any{
		"undefined_parameters": undefined,
		"template_parameters":  params,
	}
	return e
}

// ErrInvalidTemplateParams reports a template that failed to parse or render.
func ErrInvalidTemplateParams(cause error) *SQLLabError {
	e := NewSQLLabError(KindInvalidTemplateParams, ErrorTypeInvalidTemplateParams,
		"The query contains one or more malformed template parameters. Please check your query and confirm that all template parameters are surround by double braces, for example, \"{{ ds }}\". Then, try running your query again.")
	e.Err = cause
	return e
}

// ErrQueryTimeout reports the synchronous wall-clock guard firing.
func ErrQueryTimeout(seconds int) *SQLLabError {
	e := NewSQLLabError(KindQueryTimeout, ErrorTypeSQLLabTimeout,
		"The query exceeded the %d seconds timeout.", seconds)
	e.Extra = map[string]any{"timeout": seconds}
	return e
}

// ErrGenericDB reports an engine failure described by a single message.
func ErrGenericDB(message string) *SQLLabError {
	return NewSQLLabError(KindEngineError, ErrorTypeGenericDBEngine, "%s", message)
}

// ErrEngineErrors reports an engine failure carrying structured records.
func ErrEngineErrors(records []ErrorRecord) *SQLLabError {
	msg := "The database returned an unexpected error."
	if len(records) > 0 {
		msg = records[0].Message
	}
	e := NewSQLLabError(KindEngineError, ErrorTypeGenericDBEngine, "%s", msg)
	e.Errors = records
	return e
}

// ErrResultsStoreUnavailable reports that async results could not be stored.
func ErrResultsStoreUnavailable() *SQLLabError {
	return NewSQLLabError(KindResultsStoreUnavailable, ErrorTypeResultsBackend, "%s", MsgFailedToStoreResults)
}

// ErrAsyncDispatchFailed reports that the worker enqueue failed.
func ErrAsyncDispatchFailed(cause error) *SQLLabError {
	e := NewSQLLabError(KindAsyncDispatchFailed, ErrorTypeAsyncWorkers, "%s", MsgFailedToStartRemoteQuery)
	e.Err = cause
	return e
}

// ErrDisallowedFunctions reports SQL calling functions blocked for the engine.
func ErrDisallowedFunctions(names []string) *SQLLabError {
	e := NewSQLLabError(KindForbidden, ErrorTypeDisallowedFunction,
		"SQL query contains disallowed functions: %s.", strings.Join(names, ", "))
	e.Extra = map[string]any{"disallowed_functions": names}
	return e
}

// ErrDMLNotAllowed reports a mutating statement against a read-only database.
func ErrDMLNotAllowed() *SQLLabError {
	return NewSQLLabError(KindForbidden, ErrorTypeDMLNotAllowed,
		"Only `SELECT` statements are allowed against this database.")
}

// ErrInvalidCTASQuery reports a CREATE TABLE AS request over a non-SELECT body.
func ErrInvalidCTASQuery(method CtasMethod) *SQLLabError {
	return NewSQLLabError(KindInvalidRequest, ErrorTypeInvalidCTASQuery,
		"Only single `SELECT` statements can be used with the CREATE %s AS option.", method)
}

// ErrResultsGone reports a results key the backend no longer holds.
func ErrResultsGone(key string) *SQLLabError {
	e := NewSQLLabError(KindResultsGone, ErrorTypeResultsBackend,
		"Data could not be retrieved from the results backend. You need to re-run the original query.")
	e.Extra = map[string]any{"results_key": key}
	return e
}

// ErrResultsBackendNotConfigured reports a results read with no backend.
func ErrResultsBackendNotConfigured() *SQLLabError {
	return NewSQLLabError(KindInternal, ErrorTypeResultsBackendNotFound, "Results backend is not configured.")
}

// ErrQueryNotFound reports an unknown query.
func ErrQueryNotFound(format string, args ...any) *SQLLabError {
	return NewSQLLabError(KindNotFound, ErrorTypeQueryNotFound, format, args...)
}

// ErrInternal wraps an unexpected failure with the identifiers of the query
// it interrupted.
func ErrInternal(q *Query, cause error) *SQLLabError {
	var msg string
	if q != nil {
		msg = fmt.Sprintf("query %s (client_id=%s, database_id=%d) failed: %v", q.ID, q.ClientID, q.DatabaseID, cause)
	} else {
		msg = fmt.Sprintf("sql lab request failed: %v", cause)
	}
	e := NewSQLLabError(KindInternal, ErrorTypeGenericBackend, "%s", msg)
	e.Err = cause
	return e
}

// Messages persisted onto failed queries.
const (
	MsgFailedToStoreResults     = "Failed to store query results"
	MsgFailedToStartRemoteQuery = "Failed to start remote query on a worker"
)

func quoteJoin(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", n)
	}
	return out
}
