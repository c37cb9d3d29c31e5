// Package httpapi holds the Gin middleware and error-response helpers
// shared by the Connector SDK, Indexer and Searcher HTTP surfaces
// (spec §6), grounded on the teacher's apps/rest-api middleware
// conventions (request logging, centralized error handling).
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

// RequestLogger logs one line per request the way the teacher's
// api.RequestLogger does, through the shared observability.Logger
// instead of the standard log package.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("http request", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
	}
}

// Recovery turns a panic into a 500 ClassifiedError response instead
// of crashing the process, the Gin equivalent of gin.Recovery() wired
// through our own error envelope.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in http handler", map[string]interface{}{"panic": r, "path": c.Request.URL.Path})
				WriteError(c, apperrors.New("INTERNAL_ERROR", "internal error", apperrors.ClassFatal))
			}
		}()
		c.Next()
	}
}

// statusForClass maps a ClassifiedError's class onto the spec §7 HTTP
// surfacing rule.
func statusForClass(class apperrors.ErrorClass) int {
	switch class {
	case apperrors.ClassValidation, apperrors.ClassPermanentPayload:
		return http.StatusBadRequest
	case apperrors.ClassNotFound:
		return http.StatusNotFound
	case apperrors.ClassPermissionDenied:
		return http.StatusForbidden
	case apperrors.ClassConflict:
		return http.StatusConflict
	case apperrors.ClassRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ClassTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ClassCircuitBreaker:
		return http.StatusServiceUnavailable
	case apperrors.ClassTransient:
		return http.StatusBadGateway
	case apperrors.ClassFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error envelope with the status
// implied by its class, classifying plain errors as unknown/500.
func WriteError(c *gin.Context, err error) {
	if ce, ok := err.(*apperrors.ClassifiedError); ok {
		c.JSON(statusForClass(ce.Class), gin.H{"error": ce.Message, "code": ce.Code, "class": ce.Class.String()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// BindJSONOr400 binds the request body into out, writing a validation
// error response and returning false on failure.
func BindJSONOr400(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		WriteError(c, apperrors.Wrap(err, "INVALID_REQUEST_BODY", apperrors.ClassValidation))
		return false
	}
	return true
}
