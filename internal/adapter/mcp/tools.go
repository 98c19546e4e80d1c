package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guillermoBallester/querygate/internal/core/domain"
	"github.com/guillermoBallester/querygate/internal/core/service"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server metadata
const serverName = "querygate"

// Tool descriptions
const (
	descDescribeCatalog = "List the tables and columns you are allowed to query, with business descriptions, " +
		"which columns are masked in results, which tables need a tenant filter, and the query limits. " +
		"Call this first: any table or column not listed here is rejected."

	descValidateSQL = "Check a SQL query against the data access policy without running it. " +
		"Returns admitted, a reason_code when rejected, a message, and the checks that ran. " +
		"Queries must be a single SELECT, reference only catalog tables and columns, " +
		"filter every tenant-scoped table with tenant_id = '<your tenant>', and end with a LIMIT."

	descQuery = "Validate a SQL query and, if admitted, execute it read-only and return the rows as a JSON array. " +
		"Rejected queries are never executed; the error carries the same decision validate_sql returns. " +
		"Masked columns are disguised in the results according to your role."

	descSQLParam    = "The SQL query (a single SELECT statement)"
	descTenantParam = "Tenant the request is made on behalf of"
	descUserParam   = "User the request is made on behalf of"
	descRoleParam   = "Role of the user, e.g. admin, analyst or viewer"
	descRegionParam = "Region of the user (optional, defaults to US)"
	descIntentParam = "What the request is for, e.g. ad_hoc_query or view_dashboard (optional)"
)

// RegisterTools adds the catalog and validation tools, and the query tool when
// the service can execute.
func RegisterTools(s *server.MCPServer, query *service.QueryService, logger *slog.Logger) {
	s.AddTool(
		mcp.NewTool("describe_catalog",
			mcp.WithDescription(descDescribeCatalog),
		),
		describeCatalogHandler(query, logger),
	)

	s.AddTool(
		mcp.NewTool("validate_sql", requestParams(descValidateSQL)...),
		validateHandler(query),
	)

	if query.CanExecute() {
		s.AddTool(
			mcp.NewTool("query", requestParams(descQuery)...),
			queryHandler(query, logger),
		)
	}
}

func requestParams(description string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString("sql", mcp.Required(), mcp.Description(descSQLParam)),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description(descTenantParam)),
		mcp.WithString("user_id", mcp.Required(), mcp.Description(descUserParam)),
		mcp.WithString("role", mcp.Required(), mcp.Description(descRoleParam)),
		mcp.WithString("region", mcp.Description(descRegionParam)),
		mcp.WithString("intent", mcp.Description(descIntentParam)),
	}
}

// requestFromArgs builds a validation request. An empty sql is not an
// argument error: the validator rejects it as unparseable.
func requestFromArgs(args map[string]any) (domain.Request, error) {
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	sc, err := domain.NewSecurityContext(str("tenant_id"), str("user_id"), str("role"), str("region"))
	if err != nil {
		return domain.Request{}, err
	}
	return domain.Request{
		SQL:     str("sql"),
		Context: sc,
		Intent:  str("intent"),
	}, nil
}

func describeCatalogHandler(query *service.QueryService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		view, err := query.DescribeCatalog()
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "describe catalog")), nil
		}
		return jsonResult(view)
	}
}

func validateHandler(query *service.QueryService) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := requestFromArgs(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid security context: %v", err)), nil
		}

		ctx = service.WithToolName(ctx, "validate_sql")
		d := query.Validate(ctx, req)
		return jsonResult(d.ForRole(query.Catalog(), req.Context.Role()))
	}
}

type queryResponse struct {
	RequestID     string           `json:"request_id"`
	RowCount      int              `json:"row_count"`
	Rows          []map[string]any `json:"rows"`
	MaskedColumns []string         `json:"masked_columns,omitempty"`
}

func queryHandler(query *service.QueryService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := requestFromArgs(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid security context: %v", err)), nil
		}

		ctx = service.WithToolName(ctx, "query")
		res, err := query.Execute(ctx, req)
		if err != nil {
			var denied *service.DeniedError
			if errors.As(err, &denied) {
				data, mErr := json.Marshal(denied.Decision.ForRole(query.Catalog(), req.Context.Role()))
				if mErr != nil {
					return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", mErr)), nil
				}
				return mcp.NewToolResultError(string(data)), nil
			}
			return mcp.NewToolResultError(sanitizeError(logger, err, "query")), nil
		}

		rows := res.Rows
		if rows == nil {
			rows = []map[string]any{}
		}
		return jsonResult(queryResponse{
			RequestID:     res.RequestID,
			RowCount:      len(rows),
			Rows:          rows,
			MaskedColumns: res.Masked,
		})
	}
}

// sanitizeError turns an execution error into a message safe to show the
// caller. Database internals stay in the server log.
func sanitizeError(logger *slog.Logger, err error, op string) string {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &pgErr) && pgErr.Code == "57014":
		return fmt.Sprintf("%s timed out: narrow the query or lower its LIMIT", op)
	case errors.Is(err, service.ErrNoCatalog):
		return err.Error()
	}

	logger.Error(op+" failed", slog.String("error", err.Error()))
	return fmt.Sprintf("%s failed: internal error, check server logs", op)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
