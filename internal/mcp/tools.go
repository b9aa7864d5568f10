package mcp

import (
	"context"
	"encoding/json"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/query"
)

func (s *Server) registerTools() {
	// kensa_query: run a read-only query.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_query",
			mcplib.WithDescription(`Run a read-only SELECT query against the workspace's analytics data.

Only single SELECT (or WITH ... SELECT) statements are accepted. Mutations,
system tables, file and network functions and multiple statements are
rejected before anything runs. Identical queries are served from cache until
the cached result expires; set skip_cache to force a fresh execution.

Each workspace has an hourly query quota. Call kensa_rate_limit to see how
much is left.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The SQL query text"),
				mcplib.Required(),
			),
			mcplib.WithNumber("timeout_ms",
				mcplib.Description("Engine timeout in milliseconds"),
				mcplib.Min(1),
				mcplib.Max(float64(model.MaxQueryTimeout.Milliseconds())),
			),
			mcplib.WithBoolean("skip_cache",
				mcplib.Description("Bypass the result cache and execute again"),
			),
		),
		s.handleQuery,
	)

	// kensa_validate: check a query without running it.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_validate",
			mcplib.WithDescription("Check whether a query would be accepted, without running it or using quota."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The SQL query text"),
				mcplib.Required(),
			),
		),
		s.handleValidate,
	)

	// kensa_rate_limit: quota for the current workspace.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_rate_limit",
			mcplib.WithDescription("Report the workspace's query quota: used, remaining and when the window resets."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleRateLimit,
	)
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, errRes := workspace(ctx)
	if errRes != nil {
		return errRes, nil
	}

	text := request.GetString("query", "")
	opts := query.ExecuteOptions{
		SkipCache: request.GetBool("skip_cache", false),
		SessionID: ctxutil.SessionIDFromContext(ctx),
	}
	if ms := request.GetInt("timeout_ms", 0); ms > 0 {
		timeout := time.Duration(ms) * time.Millisecond
		if timeout > model.MaxQueryTimeout {
			return errorResult("timeout_ms exceeds maximum"), nil
		}
		opts.Timeout = timeout
	}

	resp, err := s.svc.Execute(ctx, ws, text, opts)
	if err != nil {
		return s.queryErrorResult(ctx, err), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleValidate(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	res := s.svc.Validate(request.GetString("query", ""))
	reasons := res.Reasons()
	if reasons == nil {
		reasons = []string{}
	}
	return jsonResult(map[string]any{
		"valid":      res.Valid,
		"reasons":    reasons,
		"violations": res.Violations,
	}), nil
}

func (s *Server) handleRateLimit(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, errRes := workspace(ctx)
	if errRes != nil {
		return errRes, nil
	}
	return jsonResult(s.svc.RateLimitStatus(ctx, ws)), nil
}

// toolError is the body of a failed tool call. It mirrors the HTTP error
// envelope so clients can branch on kind the same way.
type toolError struct {
	Kind      query.ErrorKind `json:"kind"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details,omitempty"`
	Retryable bool            `json:"retryable"`
}

func (s *Server) queryErrorResult(ctx context.Context, err error) *mcplib.CallToolResult {
	info := query.Classify(err)
	if info.Kind == query.KindUnexpected {
		s.logger.Error("mcp: query failed", "error", err,
			"request_id", ctxutil.RequestIDFromContext(ctx))
	}
	data, _ := json.MarshalIndent(map[string]toolError{"error": {
		Kind:      info.Kind,
		Code:      info.Code,
		Message:   info.Message,
		Details:   info.Details,
		Retryable: info.Retryable,
	}}, "", "  ")
	return errorResult(string(data))
}
