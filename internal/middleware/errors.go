package middleware

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"sqllab/internal/domain"
)

// writeError emits the same error body shape as the API handlers so clients
// parse middleware rejections the same way.
func writeError(w http.ResponseWriter, status int, msg string) {
	rec := domain.ErrorRecord{
		Message:   msg,
		ErrorType: domain.ErrorTypeGenericBackend,
		Level:     domain.ErrorLevelError,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(map[string]any{
		"message":    msg,
		"error_type": rec.ErrorType,
		"errors":     []domain.ErrorRecord{rec},
	})
}
