package domain

import (
	"errors"
	"time"
)

// Metadata carries the optional routing hints of a Request.
type Metadata struct {
	Priority         int    `json:"priority,omitempty"`
	Cacheable        bool   `json:"cacheable,omitempty"`
	TargetCapability string `json:"targetCapability,omitempty"`
}

// Request is a unit of work submitted to the orchestrator.
// It is treated as immutable once admitted; identity is ID.
type Request struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	Payload    any       `json:"payload"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

// Capability returns the downstream capability this request targets.
// An explicit TargetCapability wins; otherwise the request type is used.
func (r Request) Capability() string {
	if r.Metadata.TargetCapability != "" {
		return r.Metadata.TargetCapability
	}
	return r.Type
}

// Response is the successful outcome of a processed request.
type Response struct {
	RequestID        string `json:"requestId"`
	Response         any    `json:"response"`
	FromCache        bool   `json:"fromCache"`
	AssignedAgent    string `json:"assignedAgent,omitempty"`
	RetryCount       int    `json:"retryCount"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	FallbackUsed     bool   `json:"fallbackUsed,omitempty"`
}

// Failure is the error outcome of a processed request.
type Failure struct {
	RequestID          string    `json:"requestId"`
	Error              string    `json:"error"`
	Code               ErrorCode `json:"code"`
	FallbackUsed       bool      `json:"fallbackUsed"`
	CircuitBreakerOpen bool      `json:"circuitBreakerOpen,omitempty"`
}

// FallbackError marks an error surfaced after a fallback path was attempted.
type FallbackError struct {
	Err error
}

func (e *FallbackError) Error() string { return "fallback failed: " + e.Err.Error() }

func (e *FallbackError) Unwrap() error { return e.Err }

// NewFailure builds the wire-level failure for err.
func NewFailure(requestID string, err error) Failure {
	var fe *FallbackError
	return Failure{
		RequestID:          requestID,
		Error:              err.Error(),
		Code:               ErrorCodeOf(err),
		FallbackUsed:       errors.As(err, &fe),
		CircuitBreakerOpen: errors.Is(err, ErrCircuitOpen),
	}
}

// BatchItem is the per-request result inside a BatchResult.
// Exactly one of Response and Failure is set.
type BatchItem struct {
	RequestID string    `json:"requestId"`
	Response  *Response `json:"response,omitempty"`
	Failure   *Failure  `json:"failure,omitempty"`
}

// BatchResult aggregates the outcome of ProcessBatch.
type BatchResult struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}
