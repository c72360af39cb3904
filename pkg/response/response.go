// Package response writes the JSON envelope shared by every API route.
package response

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the envelope for every JSON body. Code is 0 on success and
// mirrors the HTTP status otherwise.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AppError carries the HTTP status a service error should surface with.
type AppError struct {
	HTTPStatus int
	Message    string
}

func (e *AppError) Error() string {
	return e.Message
}

func NewServiceUnavailable(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusServiceUnavailable, Message: msg}
}

// NewBadGateway is for failures of an outbound call made on the caller's
// behalf, such as a test alert to a bot webhook.
func NewBadGateway(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadGateway, Message: msg}
}

func write(c *gin.Context, status int, msg string, data interface{}) {
	code := status
	if status < http.StatusBadRequest {
		code = 0
	}
	c.JSON(status, Response{Code: code, Message: msg, Data: data})
}

func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, "ok", data)
}

// Accepted sends a 202 for work handed to the task queue.
func Accepted(c *gin.Context, data interface{}) {
	write(c, http.StatusAccepted, "accepted", data)
}

// Unavailable sends a 503 carrying the machine-readable reason in Message,
// so callers can fall back to their own rules without parsing text.
func Unavailable(c *gin.Context, reason string, data interface{}) {
	write(c, http.StatusServiceUnavailable, reason, data)
}

// Error uses the status of an *AppError and 500 for anything else.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		write(c, appErr.HTTPStatus, appErr.Message, nil)
		return
	}
	write(c, http.StatusInternalServerError, err.Error(), nil)
}

func BadRequest(c *gin.Context, msg string) {
	write(c, http.StatusBadRequest, msg, nil)
}

func NotFound(c *gin.Context, msg string) {
	write(c, http.StatusNotFound, msg, nil)
}

func ServerError(c *gin.Context, msg string) {
	write(c, http.StatusInternalServerError, msg, nil)
}

// Abort writes an error envelope and stops the handler chain. Middleware
// uses it to reject a request before it reaches a route.
func Abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: msg})
}

// TooManyRequests aborts with 429 and a Retry-After rounded up to whole
// seconds.
func TooManyRequests(c *gin.Context, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	Abort(c, http.StatusTooManyRequests, "rate limit exceeded")
}
