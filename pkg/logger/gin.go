package logger

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CorrelationHeader carries the caller's correlation id across HTTP hops.
const CorrelationHeader = "X-Correlation-ID"

const correlationKey = "correlation_id"

// Ids from callers end up in logs and cache metadata, so only short opaque
// tokens are accepted; anything else is replaced.
var validCorrelationID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Probes and scrapes would drown the request log.
var quietPaths = map[string]bool{"/health": true, "/metrics": true}

func NewCorrelationID() string {
	return uuid.NewString()
}

// GinCorrelation reads or assigns the correlation id and echoes it back.
func GinCorrelation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if !validCorrelationID.MatchString(id) {
			id = NewCorrelationID()
		}
		c.Set(correlationKey, id)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

// CorrelationID returns the id assigned by GinCorrelation, if any.
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// GinLogger writes one line per request at a level chosen by status.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if quietPaths[c.Request.URL.Path] && status < http.StatusInternalServerError {
			return
		}

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Info()
		}
		if cache := c.Writer.Header().Get("X-Cache"); cache != "" {
			event = event.Str("cache", cache)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("caller_ip", c.ClientIP()).
			Str(correlationKey, CorrelationID(c)).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// GinRecovery turns a panic into a 500 envelope that still carries the
// correlation id, so the caller can report it.
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		id := CorrelationID(c)
		log.Error().
			Interface("panic", recovered).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str(correlationKey, id).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "internal",
			"data":    gin.H{"correlationId": id},
		})
	})
}
