package mcp

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/query"
)

func TestParseExecutionURI(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name      string
		uri       string
		wantID    uuid.UUID
		wantError bool
		errSubstr string
	}{
		{name: "valid", uri: "kensa://executions/" + id.String(), wantID: id},
		{name: "empty id", uri: "kensa://executions/", wantError: true, errSubstr: "empty execution id"},
		{name: "wrong prefix", uri: "kensa://results/" + id.String(), wantError: true, errSubstr: "invalid execution URI"},
		{name: "not a uuid", uri: "kensa://executions/abc", wantError: true, errSubstr: "invalid execution id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExecutionURI(tt.uri)
			if tt.wantError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got)
		})
	}
}

func readResource(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{Params: mcplib.ReadResourceParams{URI: uri}}
}

func TestExecutionResource(t *testing.T) {
	s := newTestServer(t, 100)
	ctx := scopedCtx()

	result, err := s.handleQuery(ctx, callTool("kensa_query", map[string]any{"query": "SELECT count(*) FROM events"}))
	require.NoError(t, err)
	var resp query.Response
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))

	uri := "kensa://executions/" + resp.ExecutionID.String()
	contents, err := s.handleExecutionResource(ctx, readResource(uri))
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, uri, text.URI)
	var exec model.QueryExecution
	require.NoError(t, json.Unmarshal([]byte(text.Text), &exec))
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)

	_, err = s.handleExecutionResource(ctx, readResource("kensa://executions/"+uuid.New().String()))
	assert.Error(t, err)
}

func TestRateLimitResource(t *testing.T) {
	s := newTestServer(t, 7)
	contents, err := s.handleRateLimitResource(scopedCtx(), readResource(rateLimitURI))
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents)
	assert.Contains(t, text.Text, `"limit": 7`)
}
