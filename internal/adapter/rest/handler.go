// Package rest serves the validation gate over plain JSON HTTP for callers
// that do not speak MCP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/guillermoBallester/querygate/internal/core/domain"
	"github.com/guillermoBallester/querygate/internal/core/service"
	"github.com/jackc/pgx/v5/pgconn"
)

const maxBodyBytes = 1 << 20

// Reloader swaps in a freshly loaded catalog. On error the active snapshot
// is returned unchanged.
type Reloader interface {
	Reload() (*domain.Catalog, error)
}

type Handler struct {
	query    *service.QueryService
	reloader Reloader
	logger   *slog.Logger
}

// NewHandler serves query. reloader may be nil, in which case
// POST /admin/reload answers 501.
func NewHandler(query *service.QueryService, reloader Reloader, logger *slog.Logger) *Handler {
	return &Handler{query: query, reloader: reloader, logger: logger}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /validate", h.validate)
	mux.HandleFunc("POST /query", h.execute)
	mux.HandleFunc("GET /catalog", h.catalog)
	mux.HandleFunc("POST /admin/reload", h.reload)
}

type contextBody struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Region   string `json:"region,omitempty"`
}

type requestBody struct {
	SQL           string               `json:"sql"`
	Context       contextBody          `json:"context"`
	Intent        string               `json:"intent,omitempty"`
	PolicyProfile domain.PolicyProfile `json:"policy_profile,omitempty"`
}

type queryResponse struct {
	RequestID     string           `json:"request_id"`
	RowCount      int              `json:"row_count"`
	Rows          []map[string]any `json:"rows"`
	MaskedColumns []string         `json:"masked_columns,omitempty"`
	DurationMS    int64            `json:"duration_ms"`
}

type reloadResponse struct {
	Version string `json:"version"`
	Tables  int    `json:"tables"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx := service.WithToolName(r.Context(), "rest.validate")
	d := h.query.Validate(ctx, req)
	writeJSON(w, http.StatusOK, d.ForRole(h.query.Catalog(), req.Context.Role()))
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	if !h.query.CanExecute() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: service.ErrNoExecutor.Error()})
		return
	}
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx := service.WithToolName(r.Context(), "rest.query")
	res, err := h.query.Execute(ctx, req)
	if err != nil {
		var denied *service.DeniedError
		var pgErr *pgconn.PgError
		switch {
		case errors.As(err, &denied):
			writeJSON(w, http.StatusForbidden, denied.Decision.ForRole(h.query.Catalog(), req.Context.Role()))
		case errors.Is(err, context.DeadlineExceeded),
			errors.As(err, &pgErr) && pgErr.Code == "57014":
			writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "query timed out"})
		default:
			h.logger.ErrorContext(ctx, "query failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error, check server logs"})
		}
		return
	}

	rows := res.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		RequestID:     res.RequestID,
		RowCount:      len(rows),
		Rows:          rows,
		MaskedColumns: res.Masked,
		DurationMS:    res.DurationMS,
	})
}

func (h *Handler) catalog(w http.ResponseWriter, _ *http.Request) {
	view, err := h.query.DescribeCatalog()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "catalog reload is not configured"})
		return
	}

	cat, err := h.reloader.Reload()
	resp := reloadResponse{}
	if cat != nil {
		resp.Version = cat.Version()
		resp.Tables = len(cat.Tables())
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "catalog reload rejected, keeping active snapshot",
			slog.String("version", resp.Version),
			slog.String("error", err.Error()),
		)
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	h.logger.InfoContext(r.Context(), "catalog reloaded",
		slog.String("version", resp.Version),
		slog.Int("tables", resp.Tables),
	)
	if err := h.query.RefreshVolumes(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "keeping previous table volumes", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeRequest reads and checks the request body, answering 400 itself
// when it is malformed.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (domain.Request, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var body requestBody
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return domain.Request{}, false
	}

	sc, err := domain.NewSecurityContext(body.Context.TenantID, body.Context.UserID, body.Context.Role, body.Context.Region)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid security context: %v", err)})
		return domain.Request{}, false
	}

	profile, err := body.PolicyProfile.Normalize()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return domain.Request{}, false
	}

	return domain.Request{
		SQL:     body.SQL,
		Context: sc,
		Intent:  body.Intent,
		Profile: profile,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
