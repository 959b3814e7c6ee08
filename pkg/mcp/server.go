package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/models"
)

// Admin is the administrative surface the tools drive.
type Admin interface {
	GetBudget(ctx context.Context, tenantID string) (models.Budget, error)
	ListBudgets(ctx context.Context, period string) ([]models.Budget, error)
	SetBudget(ctx context.Context, tenantID string, limitCents int64) (models.Budget, error)
	InvalidateCache(ctx context.Context, pattern string) (int64, error)
	GetProviderHealth() []models.ProviderHealth
	CacheStats(ctx context.Context) (models.CacheStats, error)
	SpendSummary(ctx context.Context, tenantID string) ([]models.SpendSummary, error)
}

// AuditSearcher queries the request audit log.
type AuditSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
}

// Server exposes the admin tools over MCP (JSON-RPC 2.0 on stdio).
type Server struct {
	admin   Admin
	auditor AuditSearcher
	version string
	logger  *slog.Logger
}

// New creates an MCP Server. auditor may be nil.
func New(admin Admin, auditor AuditSearcher, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		admin:   admin,
		auditor: auditor,
		version: version,
		logger:  logger,
	}
}

// Run serves newline-delimited JSON-RPC from r, writing responses to w,
// until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		if req.Notification() {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be %q", jsonrpcVersion)
	}

	switch req.Method {
	case "initialize":
		return reply(req, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "conduit", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "ping":
		return reply(req, map[string]any{})
	case "tools/list":
		return reply(req, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	}

	if req.Notification() {
		// notifications/initialized and friends need no answer.
		return nil
	}
	return errorResponse(req.ID, CodeMethodNotFound, "unknown method: %s", req.Method)
}

func reply(req *Request, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
}

func (s *Server) callTool(ctx context.Context, req *Request) (resp *Response) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return reply(req, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("mcp tool panicked", "tool", params.Name, "panic", p)
			resp = errorResponse(req.ID, CodeInternalError, "tool %s failed", params.Name)
		}
	}()
	s.logger.Debug("mcp tool call", "tool", params.Name)
	return reply(req, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Error("mcp write failed", "error", err)
	}
}
