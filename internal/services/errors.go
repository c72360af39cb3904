package services

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/huangang/modsentry/internal/models"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

var (
	ErrBudgetExceeded     = errors.New("analysis budget exceeded")
	ErrProvidersExhausted = errors.New("all providers unavailable")
	ErrNoProviders        = errors.New("no providers configured")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrInvalidRequest     = errors.New("invalid analysis request")
	ErrLockReleased       = errors.New("lock released without a result")
)

// FailureKind tags why a provider call failed.
type FailureKind string

const (
	FailureTransient   FailureKind = "transient"
	FailureTimeout     FailureKind = "timeout"
	FailureRateLimited FailureKind = "rate_limited"
	FailureAuth        FailureKind = "auth"
	FailureBadResponse FailureKind = "bad_response"
	FailureValidation  FailureKind = "validation"
	FailureCircuitOpen FailureKind = "circuit_open"
)

// ProviderError is what every adapter returns instead of a raw SDK error.
type ProviderError struct {
	Provider   string
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the same provider may be tried again.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case FailureTransient, FailureTimeout, FailureRateLimited:
		return true
	}
	return false
}

// failureKindOf maps any error from the call path onto a FailureKind.
func failureKindOf(err error) FailureKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return FailureValidation
	}
	if errors.Is(err, ErrCircuitOpen) {
		return FailureCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureTransient
}

// classifyProviderError converts an SDK error into a *ProviderError.
func classifyProviderError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Kind: FailureTimeout, Err: err}
	}
	if status := statusCodeOf(err); status > 0 {
		return &ProviderError{Provider: provider, Kind: kindForStatus(status), StatusCode: status, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Provider: provider, Kind: FailureTimeout, Err: err}
	}
	return &ProviderError{Provider: provider, Kind: FailureTransient, Err: err}
}

func statusCodeOf(err error) int {
	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return oaiAPI.HTTPStatusCode
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return oaiReq.HTTPStatusCode
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return anthErr.StatusCode
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code
	}
	var genaiErrPtr *genai.APIError
	if errors.As(err, &genaiErrPtr) {
		return genaiErrPtr.Code
	}
	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return ollamaErr.StatusCode
	}
	return 0
}

func kindForStatus(status int) FailureKind {
	switch {
	case status == 401 || status == 403:
		return FailureAuth
	case status == 408:
		return FailureTimeout
	case status == 429:
		return FailureRateLimited
	case status >= 500:
		return FailureTransient
	default:
		return FailureBadResponse
	}
}

// UnavailableReason is the machine-readable code callers branch on.
type UnavailableReason string

const (
	ReasonBudget               UnavailableReason = "budget"
	ReasonTimeout              UnavailableReason = "timeout"
	ReasonProvidersUnavailable UnavailableReason = "providers_unavailable"
	ReasonValidation           UnavailableReason = "validation_failed"
	ReasonNoProviders          UnavailableReason = "no_providers"
	ReasonInvalidRequest       UnavailableReason = "invalid_request"
	ReasonInternal             UnavailableReason = "internal"
)

// Unavailable is the explicit fallback signal. Callers apply their own
// conservative handling; it is never a panic or a raw error.
type Unavailable struct {
	Reason        UnavailableReason `json:"reason"`
	Message       string            `json:"message,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

func (u *Unavailable) Error() string {
	if u.Message == "" {
		return "analysis unavailable: " + string(u.Reason)
	}
	return fmt.Sprintf("analysis unavailable: %s: %s", u.Reason, u.Message)
}

// Outcome is either a validated result or an Unavailable, never both.
type Outcome struct {
	Result      *models.AnalysisResult
	Unavailable *Unavailable
	// Cached is set when the result came from the cache; Coalesced when it
	// was computed by another worker's in-flight request.
	Cached    bool
	Coalesced bool
}

func (o Outcome) OK() bool { return o.Result != nil }

func resultOutcome(r *models.AnalysisResult) Outcome {
	return Outcome{Result: r}
}

func unavailableOutcome(correlationID string, reason UnavailableReason, msg string) Outcome {
	return Outcome{Unavailable: &Unavailable{Reason: reason, Message: msg, CorrelationID: correlationID}}
}
