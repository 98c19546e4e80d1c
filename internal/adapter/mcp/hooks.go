package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guillermoBallester/querygate/internal/core/port"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type inflightCall struct {
	start  time.Time
	span   trace.Span
	tool   string
	tenant string
	role   string
}

// callTracker follows a tool call from BeforeCallTool to AfterCallTool or
// OnError, keyed by JSON-RPC request id.
type callTracker struct {
	logger *slog.Logger
	tracer trace.Tracer
	inst   port.Instrumentation
	calls  sync.Map // id -> *inflightCall
}

// ToolCallHooks logs every tool call with the caller's tenant and role and,
// when tracer or inst are set, records a span and a duration sample.
func ToolCallHooks(logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.Hooks {
	t := &callTracker{logger: logger, tracer: tracer, inst: inst}

	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(t.begin)
	hooks.AddAfterCallTool(func(ctx context.Context, id any, _ *mcp.CallToolRequest, result any) {
		r, _ := result.(*mcp.CallToolResult)
		t.finish(ctx, id, r != nil && r.IsError, nil)
	})
	hooks.AddOnError(func(ctx context.Context, id any, _ mcp.MCPMethod, _ any, err error) {
		t.finish(ctx, id, true, err)
	})
	return hooks
}

func (t *callTracker) begin(ctx context.Context, id any, req *mcp.CallToolRequest) {
	call := &inflightCall{
		start:  time.Now(),
		tool:   req.Params.Name,
		tenant: argString(req, "tenant_id"),
		role:   argString(req, "role"),
	}
	if t.tracer != nil {
		_, call.span = t.tracer.Start(ctx, "mcp.tool.call",
			trace.WithAttributes(
				attribute.String("mcp.tool", call.tool),
				attribute.String("tenant.id", call.tenant),
				attribute.String("user.role", call.role),
			),
		)
	}
	t.calls.Store(id, call)
}

// finish closes the call opened under id. Errors without a matching begin
// (protocol failures on other methods) are ignored.
func (t *callTracker) finish(ctx context.Context, id any, failed bool, err error) {
	v, ok := t.calls.LoadAndDelete(id)
	if !ok {
		return
	}
	call := v.(*inflightCall)
	duration := time.Since(call.start)

	// A tool error is usually a denied query: expected, so warn. A transport
	// or handler error is not.
	level := slog.LevelInfo
	switch {
	case err != nil:
		level = slog.LevelError
	case failed:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("rpc.method", "tools/call"),
		slog.String("mcp.tool", call.tool),
		slog.String("tenant.id", call.tenant),
		slog.String("user.role", call.role),
		slog.Duration("duration", duration),
		slog.Bool("error", failed),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error.message", err.Error()))
	}
	t.logger.LogAttrs(ctx, level, "tool call", attrs...)

	if t.inst != nil {
		t.inst.RecordToolDuration(ctx, float64(duration.Milliseconds()))
	}

	if call.span == nil {
		return
	}
	switch {
	case err != nil:
		call.span.RecordError(err)
		call.span.SetStatus(codes.Error, err.Error())
	case failed:
		call.span.SetStatus(codes.Error, "tool returned error")
	}
	call.span.End()
}

func argString(req *mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return v
}
