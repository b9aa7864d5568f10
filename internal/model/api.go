package model

import (
	"fmt"
	"strings"
	"time"
)

// Limits on caller-supplied execution options. They keep a single request
// from pinning an engine slot or a cache row for an unbounded time.
const (
	MaxQueryTimeout   = 10 * time.Minute
	MaxCacheTTL       = 7 * 24 * time.Hour
	MaxSessionIDLen   = 255
	MaxWorkspaceIDLen = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidQuery  = "INVALID_QUERY"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeQueryTimeout  = "QUERY_TIMEOUT"
	ErrCodeEngineError   = "ENGINE_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ExecuteQueryRequest is the request body for POST /v1/query.
type ExecuteQueryRequest struct {
	Query      string  `json:"query"`
	TimeoutMs  *int64  `json:"timeout_ms,omitempty"`
	SkipCache  bool    `json:"skip_cache,omitempty"`
	CacheTTLMs *int64  `json:"cache_ttl_ms,omitempty"`
	SessionID  *string `json:"session_id,omitempty"`
}

// Validate checks option bounds. Query text itself is checked by the validator.
func (r ExecuteQueryRequest) Validate() error {
	if r.TimeoutMs != nil {
		if *r.TimeoutMs <= 0 {
			return fmt.Errorf("timeout_ms must be positive")
		}
		if time.Duration(*r.TimeoutMs)*time.Millisecond > MaxQueryTimeout {
			return fmt.Errorf("timeout_ms exceeds maximum of %d", MaxQueryTimeout.Milliseconds())
		}
	}
	if r.CacheTTLMs != nil && time.Duration(*r.CacheTTLMs)*time.Millisecond > MaxCacheTTL {
		return fmt.Errorf("cache_ttl_ms exceeds maximum of %d", MaxCacheTTL.Milliseconds())
	}
	if r.SessionID != nil {
		if err := ValidateSessionID(*r.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateQueryRequest is the request body for POST /v1/query/validate.
type ValidateQueryRequest struct {
	Query string `json:"query"`
}

// ValidateWorkspaceID rejects empty, oversized or non-printable workspace ids.
func ValidateWorkspaceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("workspace id is required")
	}
	if len(id) > MaxWorkspaceIDLen {
		return fmt.Errorf("workspace id exceeds maximum length of %d", MaxWorkspaceIDLen)
	}
	for _, r := range id {
		if r < 0x21 || r == 0x7f {
			return fmt.Errorf("workspace id contains invalid characters")
		}
	}
	return nil
}

// ValidateSessionID rejects empty or oversized session ids.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session_id must not be empty")
	}
	if len(id) > MaxSessionIDLen {
		return fmt.Errorf("session_id exceeds maximum length of %d", MaxSessionIDLen)
	}
	return nil
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Cache   string `json:"cache,omitempty"`
	Uptime  int64  `json:"uptime_seconds"`
}
