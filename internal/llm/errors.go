package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a tool argument type or shape mismatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// BudgetExceeded reports that forced-inline context does not fit the
// inline token budget.
type BudgetExceeded struct {
	Needed int
	Budget int
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("priority context needs %d tokens but the inline budget is %d", e.Needed, e.Budget)
}

// VectorStoreUnavailable reports that the provider refused store creation.
type VectorStoreUnavailable struct {
	Err error
}

func (e *VectorStoreUnavailable) Error() string {
	return fmt.Sprintf("vector store unavailable: %v", e.Err)
}

func (e *VectorStoreUnavailable) Unwrap() error { return e.Err }

// TimeoutError reports that the per-tool deadline elapsed.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Timeout)
}

// ProviderError preserves a non-recoverable provider failure.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: provider error (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: provider error: %s", e.Provider, e.Message)
}

// GatewayIdleError reports a 504/524: the gateway idle limit was exceeded,
// which means the adapter should have chosen background mode. This is a
// configuration bug, not a transient failure.
type GatewayIdleError struct {
	Model  string
	Status int
}

func (e *GatewayIdleError) Error() string {
	return fmt.Sprintf(
		"gateway closed the idle connection (status %d) for model %s: "+
			"the request ran longer than the gateway allows, so it should have been "+
			"dispatched in background mode; check the model's capability entry",
		e.Status, e.Model)
}

// ErrCancelled marks a caller-aborted request. The executor maps it to an
// empty content block, never to a transport error.
var ErrCancelled = errors.New("request cancelled")

// IsGatewayIdleStatus reports whether an HTTP status indicates the gateway
// idle limit (Cloudflare 524 or plain 504).
func IsGatewayIdleStatus(status int) bool {
	return status == 504 || status == 524
}

// IsGatewayIdleMessage matches gateway-idle failures surfaced as text.
func IsGatewayIdleMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "504") || strings.Contains(m, "524") ||
		strings.Contains(m, "gateway timeout") || strings.Contains(m, "gateway time-out")
}

// IsNotFoundMessage matches provider 404s (expired response ids, deleted
// vector stores).
func IsNotFoundMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "404") || strings.Contains(m, "not found") ||
		strings.Contains(m, "not_found")
}

// IsAlreadyUploadedMessage matches the duplicate-file conflict a vector
// store returns when a file is uploaded twice. These are swallowed.
func IsAlreadyUploadedMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already") && (strings.Contains(m, "upload") || strings.Contains(m, "exists"))
}
