package model_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

// ---- ExecuteQueryRequest.Validate -----------------------------------------

func TestExecuteQueryRequest_HappyPath(t *testing.T) {
	r := model.ExecuteQueryRequest{
		Query:      "SELECT 1",
		TimeoutMs:  ptr(int64(5000)),
		CacheTTLMs: ptr(int64(60_000)),
		SessionID:  ptr("sess-1"),
	}
	assert.NoError(t, r.Validate())
}

func TestExecuteQueryRequest_TimeoutBounds(t *testing.T) {
	maxMs := model.MaxQueryTimeout.Milliseconds()
	assert.NoError(t, model.ExecuteQueryRequest{TimeoutMs: ptr(maxMs)}.Validate(), "at the limit should pass")

	err := model.ExecuteQueryRequest{TimeoutMs: ptr(maxMs + 1)}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_ms")

	err = model.ExecuteQueryRequest{TimeoutMs: ptr(int64(0))}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive")
}

func TestExecuteQueryRequest_CacheTTL(t *testing.T) {
	// Negative means never expire.
	assert.NoError(t, model.ExecuteQueryRequest{CacheTTLMs: ptr(int64(-1))}.Validate())

	err := model.ExecuteQueryRequest{CacheTTLMs: ptr(model.MaxCacheTTL.Milliseconds() + 1)}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_ttl_ms")
}

func TestExecuteQueryRequest_SessionID(t *testing.T) {
	err := model.ExecuteQueryRequest{SessionID: ptr("  ")}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id")

	err = model.ExecuteQueryRequest{SessionID: ptr(strings.Repeat("s", model.MaxSessionIDLen+1))}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum length")
}

// ---- ValidateWorkspaceID --------------------------------------------------

func TestValidateWorkspaceID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr string
	}{
		{"simple", "ws-1", ""},
		{"at max", strings.Repeat("w", model.MaxWorkspaceIDLen), ""},
		{"empty", "", "required"},
		{"blank", "   ", "required"},
		{"too long", strings.Repeat("w", model.MaxWorkspaceIDLen+1), "maximum length"},
		{"space inside", "ws 1", "invalid characters"},
		{"control char", "ws\x01", "invalid characters"},
		{"delete char", "ws\x7f", "invalid characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateWorkspaceID(tt.id)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// ---- Envelopes ------------------------------------------------------------

func TestAPIErrorOmitsEmptyDetails(t *testing.T) {
	data, err := json.Marshal(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeNotFound, Message: "execution not found"},
		Meta:  model.ResponseMeta{RequestID: "r1", Timestamp: time.Unix(0, 0).UTC()},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "details")
	assert.Contains(t, string(data), `"code":"NOT_FOUND"`)
}
