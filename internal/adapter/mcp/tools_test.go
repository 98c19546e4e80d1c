package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/guillermoBallester/querygate/internal/audit"
	"github.com/guillermoBallester/querygate/internal/core/domain"
	"github.com/guillermoBallester/querygate/internal/core/service"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// --- mock QueryExecutor ---

type mockExecutor struct {
	result  []map[string]any
	err     error
	lastSQL string // captures the SQL passed to Execute
}

func (m *mockExecutor) Execute(_ context.Context, sql string) ([]map[string]any, error) {
	m.lastSQL = sql
	return m.result, m.err
}

type staticSource struct{ cat *domain.Catalog }

func (s staticSource) Current() *domain.Catalog { return s.cat }

// --- helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *domain.Catalog {
	t.Helper()
	cat, err := domain.NewCatalog(domain.CatalogConfig{
		Tables: []domain.TableSpec{
			{
				Name:        "fct_sales",
				Description: "One row per order line",
				Columns:     []string{"order_id", "store_id", "net_sales", "tenant_id"},
				ColumnDocs:  map[string]string{"net_sales": "Sales after discounts"},
			},
			{
				Name:    "dim_store",
				Columns: []string{"store_id", "store_name", "city"},
				Masks:   map[string]domain.MaskType{"city": domain.MaskRedact},
			},
		},
	})
	require.NoError(t, err)
	return cat
}

func newQueryService(t *testing.T, executor *mockExecutor) *service.QueryService {
	t.Helper()
	v, err := domain.NewSafetyValidator(staticSource{cat: testCatalog(t)})
	require.NoError(t, err)

	// A nil *mockExecutor must become a nil interface.
	if executor == nil {
		return service.NewQueryService(v, nil, audit.NoopAuditor{}, testLogger(), nil, nil)
	}
	return service.NewQueryService(v, executor, audit.NoopAuditor{}, testLogger(), nil, nil)
}

func setupServer(t *testing.T, executor *mockExecutor) *server.MCPServer {
	t.Helper()
	s := server.NewMCPServer("test", "0.1.0", server.WithToolCapabilities(true))
	RegisterTools(s, newQueryService(t, executor), testLogger())
	return s
}

var sessionSeq atomic.Int64

func initSession(t *testing.T, s *server.MCPServer) context.Context {
	t.Helper()
	ctx := context.Background()
	session := server.NewInProcessSession(fmt.Sprintf("test-%d", sessionSeq.Add(1)), nil)
	require.NoError(t, s.RegisterSession(ctx, session))
	sessionCtx := s.WithContext(ctx, session)

	initBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
		},
	})
	s.HandleMessage(sessionCtx, initBytes)
	return sessionCtx
}

func callTool(t *testing.T, s *server.MCPServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	sessionCtx := initSession(t, s)

	reqBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "call-1", "method": "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	resp := s.HandleMessage(sessionCtx, reqBytes)
	respBytes, _ := json.Marshal(resp)

	var rpc struct {
		Result *mcp.CallToolResult       `json:"result"`
		Error  *struct{ Message string } `json:"error,omitempty"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpc))
	require.Nil(t, rpc.Error, "unexpected RPC error: %v", rpc.Error)
	require.NotNil(t, rpc.Result)
	return rpc.Result
}

func listTools(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	sessionCtx := initSession(t, s)

	reqBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "list-1", "method": "tools/list",
	})
	respBytes, _ := json.Marshal(s.HandleMessage(sessionCtx, reqBytes))

	var rpc struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpc))

	names := make([]string, 0, len(rpc.Result.Tools))
	for _, tool := range rpc.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func toolText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return ""
	}
	return tc.Text
}

func requestArgs(role, sql string) map[string]any {
	return map[string]any{
		"sql":       sql,
		"tenant_id": "t1",
		"user_id":   "u1",
		"role":      role,
		"intent":    "ad_hoc_query",
	}
}

func decisionOf(t *testing.T, result *mcp.CallToolResult) domain.Decision {
	t.Helper()
	var d domain.Decision
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &d))
	return d
}

const admittedSQL = "SELECT order_id, net_sales FROM fct_sales WHERE tenant_id = 't1' LIMIT 10"

// --- tests ---

func TestRegisterTools_QueryNeedsExecutor(t *testing.T) {
	t.Parallel()

	assert.ElementsMatch(t, []string{"describe_catalog", "validate_sql"}, listTools(t, setupServer(t, nil)))
	assert.ElementsMatch(t, []string{"describe_catalog", "validate_sql", "query"},
		listTools(t, setupServer(t, &mockExecutor{})))
}

func TestDescribeCatalog_HappyPath(t *testing.T) {
	t.Parallel()
	s := setupServer(t, nil)

	result := callTool(t, s, "describe_catalog", nil)
	require.False(t, result.IsError, toolText(result))

	var view service.CatalogView
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &view))
	require.Len(t, view.Tables, 2)
	assert.Equal(t, "dim_store", view.Tables[0].Name)
	assert.Equal(t, "fct_sales", view.Tables[1].Name)
	assert.Equal(t, "One row per order line", view.Tables[1].Description)
	assert.True(t, view.Tables[1].TenantScoped)
	assert.Contains(t, view.Tables[1].Columns, service.ColumnView{Name: "net_sales", Description: "Sales after discounts"})
	assert.Contains(t, view.Tables[0].Columns, service.ColumnView{Name: "city", Mask: domain.MaskRedact})
}

func TestValidateSQL_Admitted(t *testing.T) {
	t.Parallel()
	executor := &mockExecutor{}
	s := setupServer(t, executor)

	result := callTool(t, s, "validate_sql", requestArgs(domain.RoleAnalyst, admittedSQL))
	require.False(t, result.IsError, toolText(result))

	d := decisionOf(t, result)
	assert.True(t, d.Admitted)
	assert.Empty(t, d.Reason)
	assert.NotEmpty(t, d.Checks)
	assert.Empty(t, executor.lastSQL, "validate_sql must never execute")
}

func TestValidateSQL_Denied(t *testing.T) {
	t.Parallel()
	s := setupServer(t, nil)
	sql := "SELECT order_id FROM fct_sales LIMIT 10"

	tests := []struct {
		name       string
		role       string
		wantDetail bool
	}{
		{"admin sees check detail", domain.RoleAdmin, true},
		{"analyst gets redacted trace", domain.RoleAnalyst, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := callTool(t, s, "validate_sql", requestArgs(tt.role, sql))
			// A rejection is a valid answer, not a tool error.
			require.False(t, result.IsError)

			d := decisionOf(t, result)
			assert.False(t, d.Admitted)
			assert.Equal(t, domain.ReasonTenantIsolationViolation, d.Reason)

			c, ok := d.Check(domain.CheckTenantIsolation)
			require.True(t, ok)
			assert.False(t, c.Passed)
			if tt.wantDetail {
				assert.NotEmpty(t, c.Detail)
				assert.Contains(t, d.Message, "tenant isolation")
			} else {
				assert.Empty(t, c.Detail)
				assert.Equal(t, "the query is not restricted to your tenant", d.Message)
			}
		})
	}
}

func TestValidateSQL_EmptySQLIsUnparseable(t *testing.T) {
	t.Parallel()
	s := setupServer(t, nil)

	result := callTool(t, s, "validate_sql", requestArgs(domain.RoleAnalyst, "   "))
	require.False(t, result.IsError)
	assert.Equal(t, domain.ReasonUnparseable, decisionOf(t, result).Reason)
}

func TestValidateSQL_InvalidContext(t *testing.T) {
	t.Parallel()
	s := setupServer(t, nil)

	tests := []struct {
		name    string
		missing string
		want    string
	}{
		{"no tenant", "tenant_id", "tenant_id is required"},
		{"no user", "user_id", "user_id is required"},
		{"no role", "role", "role is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			args := requestArgs(domain.RoleAnalyst, admittedSQL)
			delete(args, tt.missing)

			result := callTool(t, s, "validate_sql", args)
			assert.True(t, result.IsError)
			assert.Contains(t, toolText(result), tt.want)
		})
	}
}

func TestQuery_HappyPath(t *testing.T) {
	t.Parallel()
	executor := &mockExecutor{
		result: []map[string]any{{"store_name": "Main St", "city": "Springfield"}},
	}
	s := setupServer(t, executor)

	sql := "SELECT s.store_name, s.city FROM dim_store s JOIN fct_sales f ON f.store_id = s.store_id WHERE f.tenant_id = 't1' LIMIT 5"
	result := callTool(t, s, "query", requestArgs(domain.RoleAnalyst, sql))
	require.False(t, result.IsError, toolText(result))
	assert.Equal(t, sql, executor.lastSQL)

	var resp queryResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 1, resp.RowCount)
	assert.Equal(t, "Main St", resp.Rows[0]["store_name"])
	assert.Equal(t, "***", resp.Rows[0]["city"])
	assert.Equal(t, []string{"city"}, resp.MaskedColumns)
}

func TestQuery_EmptyResult(t *testing.T) {
	t.Parallel()
	s := setupServer(t, &mockExecutor{})

	result := callTool(t, s, "query", requestArgs(domain.RoleAnalyst, admittedSQL))
	require.False(t, result.IsError, toolText(result))
	assert.Contains(t, toolText(result), `"rows":[]`)
}

func TestQuery_DeniedNeverExecutes(t *testing.T) {
	t.Parallel()
	executor := &mockExecutor{}
	s := setupServer(t, executor)

	result := callTool(t, s, "query", requestArgs(domain.RoleAnalyst, "DROP TABLE fct_sales"))
	assert.True(t, result.IsError)
	assert.Empty(t, executor.lastSQL)

	d := decisionOf(t, result)
	assert.False(t, d.Admitted)
	assert.Equal(t, domain.ReasonForbiddenStatementKind, d.Reason)
}

func TestQuery_ExecutorError(t *testing.T) {
	t.Parallel()
	executor := &mockExecutor{err: fmt.Errorf("relation OID 12345 vanished")}
	s := setupServer(t, executor)

	result := callTool(t, s, "query", requestArgs(domain.RoleAnalyst, admittedSQL))
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "internal error")
	assert.NotContains(t, toolText(result), "OID")
}

func TestQuery_Timeout(t *testing.T) {
	t.Parallel()
	executor := &mockExecutor{err: &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}}
	s := setupServer(t, executor)

	result := callTool(t, s, "query", requestArgs(domain.RoleAnalyst, admittedSQL))
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "query timed out")
}

// --- sanitizeError tests ---

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		contains    string
		notContains string
	}{
		{"deadline", context.DeadlineExceeded, "query timed out", ""},
		{"wrapped deadline", fmt.Errorf("executing query: %w", context.DeadlineExceeded), "query timed out", ""},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, "query timed out", ""},
		{"no catalog", service.ErrNoCatalog, "no policy catalog", ""},
		{"generic", fmt.Errorf("unexpected pg error: relation OID 12345"), "check server logs", "OID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := sanitizeError(testLogger(), tt.err, "query")
			assert.Contains(t, msg, tt.contains)
			if tt.notContains != "" {
				assert.NotContains(t, msg, tt.notContains)
			}
		})
	}
}

// --- hooks ---

func TestToolCallHooks_RecordSpan(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := NewServer("0.1.0", newQueryService(t, nil), testLogger(), tp.Tracer("test"), nil)

	result := callTool(t, s, "validate_sql", requestArgs(domain.RoleAnalyst, admittedSQL))
	require.False(t, result.IsError)

	var span *tracetest.SpanStub
	for _, st := range exporter.GetSpans() {
		if st.Name == "mcp.tool.call" {
			span = &st
		}
	}
	require.NotNil(t, span, "expected an mcp.tool.call span")
	assert.Equal(t, trace.SpanKindInternal, span.SpanKind)

	attrs := make(map[string]string)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "validate_sql", attrs["mcp.tool"])
	assert.Equal(t, "t1", attrs["tenant.id"])
	assert.Equal(t, "analyst", attrs["user.role"])
}

func TestToolCallHooks_DeniedQueryIsWarning(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	s := NewServer("0.1.0", newQueryService(t, &mockExecutor{}), logger, tp.Tracer("test"), nil)

	result := callTool(t, s, "query", requestArgs(domain.RoleAnalyst, "DROP TABLE fct_sales"))
	require.True(t, result.IsError)

	var status codes.Code
	for _, st := range exporter.GetSpans() {
		if st.Name == "mcp.tool.call" {
			status = st.Status.Code
		}
	}
	assert.Equal(t, codes.Error, status)

	var toolLog map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "tool call" {
			toolLog = entry
		}
	}
	require.NotNil(t, toolLog, "expected a tool call log line")
	assert.Equal(t, "WARN", toolLog["level"])
	assert.Equal(t, "query", toolLog["mcp.tool"])
	assert.Equal(t, "t1", toolLog["tenant.id"])
	assert.Equal(t, true, toolLog["error"])
}
