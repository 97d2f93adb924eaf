package errors

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/logger"
)

// ErrorResponse is the JSON shape errors take at the HTTP boundary.
type ErrorResponse struct {
	Error struct {
		Type        ErrorType      `json:"type"`
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Timestamp   time.Time      `json:"timestamp"`
		Meta        map[string]any `json:"meta,omitempty"`
	} `json:"error"`
}

// HandlerFunc is an http handler that can return an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler adapts a HandlerFunc into an http.Handler with uniform error
// handling: typed admission errors keep their detail, everything else is
// logged with full context and flattened to a generic internal error.
func WrapHandler(fn HandlerFunc) http.Handler {
	log := logger.New("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		HandleHTTPError(w, r, err, log)
	})
}

// HandleHTTPError writes an error response for err.
func HandleHTTPError(w http.ResponseWriter, r *http.Request, err error, log *zap.Logger) {
	appErr, ok := AsAppError(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "An internal error occurred").
			WithSeverity(SeverityHigh)
	}

	status := StatusCode(appErr)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", appErr.Code),
			zap.Error(appErr))
	} else {
		log.Debug("request denied",
			zap.String("path", r.URL.Path),
			zap.String("code", appErr.Code))
	}

	var resp ErrorResponse
	resp.Error.Type = appErr.Type
	resp.Error.Code = appErr.Code
	resp.Error.Timestamp = appErr.Timestamp
	resp.Error.Meta = appErr.Meta
	if appErr.UserMessage != "" {
		resp.Error.Message = appErr.UserMessage
	} else {
		resp.Error.Message = appErr.Message
	}
	// Internal detail never crosses the boundary.
	if appErr.Type == ErrorTypeInternal || appErr.Type == ErrorTypeDatabase || appErr.Type == ErrorTypeDependency {
		resp.Error.Message = "An internal error occurred"
		resp.Error.Meta = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// StatusCode maps an AppError to the external HTTP status code: quota
// denials are 429 ("upgrade your plan"), capacity denials 503 ("try another
// time").
func StatusCode(e *AppError) int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeQuota, ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RecoveryMiddleware recovers panics in downstream handlers and converts
// them to internal errors.
func RecoveryMiddleware(next http.Handler) http.Handler {
	log := logger.New("recovery")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				appErr := New(ErrorTypeInternal, "PANIC", "An internal error occurred").
					WithSeverity(SeverityCritical)
				HandleHTTPError(w, r, appErr, log)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
