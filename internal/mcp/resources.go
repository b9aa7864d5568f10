package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/ctxutil"
)

const (
	rateLimitURI       = "kensa://rate-limit"
	executionURIScheme = "kensa://executions/"
)

func (s *Server) registerResources() {
	// kensa://rate-limit: quota for the requesting workspace.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			rateLimitURI,
			"Rate Limit",
			mcplib.WithResourceDescription("Query quota for the current workspace"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRateLimitResource,
	)

	// kensa://executions/{id}: one past execution.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			executionURIScheme+"{id}",
			"Execution",
			mcplib.WithTemplateDescription("Status and timing of a past query execution"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleExecutionResource,
	)
}

func (s *Server) handleRateLimitResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws := ctxutil.WorkspaceIDFromContext(ctx)
	if ws == "" {
		return nil, errors.New("mcp: no workspace in request scope")
	}
	return jsonContents(rateLimitURI, s.svc.RateLimitStatus(ctx, ws))
}

func (s *Server) handleExecutionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws := ctxutil.WorkspaceIDFromContext(ctx)
	if ws == "" {
		return nil, errors.New("mcp: no workspace in request scope")
	}
	id, err := parseExecutionURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	exec, err := s.svc.GetExecution(ctx, ws, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: read execution: %w", err)
	}
	return jsonContents(request.Params.URI, exec)
}

// parseExecutionURI extracts the execution id from kensa://executions/{id}.
func parseExecutionURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, executionURIScheme)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid execution URI: %s", uri)
	}
	if rest == "" {
		return uuid.Nil, fmt.Errorf("mcp: empty execution id in URI: %s", uri)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid execution id %q: %w", rest, err)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
