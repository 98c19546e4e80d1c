package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guillermoBallester/querygate/internal/core/domain"
	"github.com/guillermoBallester/querygate/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrDenied is wrapped by every *DeniedError.
	ErrDenied = errors.New("query denied")
	// ErrNoExecutor is returned by Execute when no database is configured.
	ErrNoExecutor = errors.New("query execution is not configured")
)

// DeniedError carries the decision that rejected a query.
type DeniedError struct {
	Decision domain.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrDenied, e.Decision.Reason, e.Decision.Message)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

type toolNameKey struct{}

// WithToolName returns a context carrying the MCP tool name for audit logging.
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolNameKey{}, name)
}

func toolNameFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(toolNameKey{}).(string); ok {
		return v
	}
	return ""
}

// QueryResult is the outcome of an admitted, executed query.
type QueryResult struct {
	RequestID  string
	Decision   domain.Decision
	Rows       []map[string]any
	Masked     []string
	DurationMS int64
}

// Option configures a QueryService.
type Option func(*QueryService)

// WithScanBudget attaches a scan ceiling of maxBytes to every request that
// does not carry its own budget. Zero disables the ceiling.
func WithScanBudget(maxBytes int64) Option {
	return func(s *QueryService) { s.maxScanBytes = maxBytes }
}

// WithExplainOnly tells the service that the executor returns plans rather
// than result rows, so no column is withheld or masked.
func WithExplainOnly() Option {
	return func(s *QueryService) { s.explainOnly = true }
}

// WithVolumeSource sets where RefreshVolumes reads live table sizes from.
func WithVolumeSource(src port.VolumeSource) Option {
	return func(s *QueryService) { s.volumeSrc = src }
}

// QueryService is the gate in front of the database: it validates every
// request (domain) and forwards only admitted SQL to the executor
// (infrastructure).
type QueryService struct {
	validator port.DecisionValidator
	executor  port.QueryExecutor
	auditor   port.QueryAuditor
	logger    *slog.Logger
	tracer    trace.Tracer
	inst      port.Instrumentation

	maxScanBytes int64
	explainOnly  bool
	volumeSrc    port.VolumeSource
	liveVolumes  atomic.Pointer[domain.VolumeModel]
	newID        func() string
}

// NewQueryService wires the gate. executor may be nil, in which case only
// validation is served.
func NewQueryService(validator port.DecisionValidator, executor port.QueryExecutor, auditor port.QueryAuditor, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation, opts ...Option) *QueryService {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	s := &QueryService{
		validator: validator,
		executor:  executor,
		auditor:   auditor,
		logger:    logger,
		tracer:    tracer,
		inst:      inst,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanExecute reports whether Execute has an executor to forward to.
func (s *QueryService) CanExecute() bool {
	return s.executor != nil
}

// Catalog returns the snapshot the next request would be validated against.
func (s *QueryService) Catalog() *domain.Catalog {
	return s.validator.Catalog()
}

// RefreshVolumes replaces the live volume model with a fresh read from the
// volume source. The previous model stays in place on error.
func (s *QueryService) RefreshVolumes(ctx context.Context) error {
	if s.volumeSrc == nil {
		return nil
	}
	model, err := s.volumeSrc.Volumes(ctx)
	if err != nil {
		return fmt.Errorf("refreshing table volumes: %w", err)
	}
	s.liveVolumes.Store(&model)
	s.logger.InfoContext(ctx, "table volumes refreshed", slog.Int("tables", len(model.Tables)))
	return nil
}

// Validate evaluates req and records the decision. It never executes SQL.
func (s *QueryService) Validate(ctx context.Context, req domain.Request) domain.Decision {
	ctx, span := s.tracer.Start(ctx, "QueryService.Validate",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", "validate"),
		),
	)
	defer span.End()

	id := s.newID()
	d := s.decide(ctx, span, id, req)

	s.auditor.Record(ctx, s.auditEntry(ctx, id, req, d))
	return d
}

// Execute validates req and, if admitted, runs it through the executor. A
// denied request returns a *DeniedError and never reaches the executor.
func (s *QueryService) Execute(ctx context.Context, req domain.Request) (*QueryResult, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.Execute",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", "query"),
		),
	)
	defer span.End()

	if s.executor == nil {
		span.SetStatus(codes.Error, ErrNoExecutor.Error())
		return nil, ErrNoExecutor
	}

	id := s.newID()
	d := s.decide(ctx, span, id, req)
	entry := s.auditEntry(ctx, id, req, d)
	if !d.Admitted {
		s.auditor.Record(ctx, entry)
		return nil, &DeniedError{Decision: d}
	}

	start := time.Now()
	rows, err := s.executor.Execute(ctx, req.SQL)
	durationMS := time.Since(start).Milliseconds()

	s.inst.RecordQueryDuration(ctx, float64(durationMS))

	entry.Executed = true
	entry.RowsReturned = len(rows)
	entry.DurationMS = durationMS
	entry.Err = err
	s.auditor.Record(ctx, entry)

	if err != nil {
		s.logger.ErrorContext(ctx, "admitted query failed",
			slog.String("request.id", id),
			slog.String("db.statement", req.SQL),
			slog.String("error.type", "execution_error"),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.inst.IncrementQueryErrors(ctx)
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var masked []string
	if !s.explainOnly {
		// Admitted SQL always parses; a nil statement masks by column name only.
		stmt, _ := domain.Parse(req.SQL)
		if withheld := domain.WithholdColumns(rows, domain.VisibleColumns(stmt, s.validator.Catalog())); len(withheld) > 0 {
			s.logger.InfoContext(ctx, "withheld columns outside the allowlist",
				slog.String("request.id", id),
				slog.Any("columns", withheld),
			)
		}
		masked = s.mask(req, stmt, rows)
	}
	span.SetAttributes(attribute.Int("db.response.rows", len(rows)))

	return &QueryResult{
		RequestID:  id,
		Decision:   d,
		Rows:       rows,
		Masked:     masked,
		DurationMS: durationMS,
	}, nil
}

// decide runs the validator with the configured budget and records metrics,
// logs and span attributes for the decision.
func (s *QueryService) decide(ctx context.Context, span trace.Span, id string, req domain.Request) domain.Decision {
	if req.Budget == nil && s.maxScanBytes > 0 {
		if cat := s.validator.Catalog(); cat != nil {
			model := cat.Volumes()
			if live := s.liveVolumes.Load(); live != nil {
				model = model.Merge(*live)
			}
			req.Budget = &domain.Budget{Model: model, MaxBytes: s.maxScanBytes}
		}
	}

	start := time.Now()
	d := s.validator.Validate(req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	s.inst.RecordValidationDuration(ctx, elapsed)
	s.inst.IncrementDecisions(ctx, string(d.Reason))

	attrs := []slog.Attr{
		slog.String("request.id", id),
		slog.String("tenant.id", req.Context.TenantID()),
		slog.String("user.role", req.Context.Role()),
		slog.String("intent", req.Intent),
		slog.String("db.statement", req.SQL),
	}
	span.SetAttributes(
		attribute.String("querygate.request_id", id),
		attribute.Bool("querygate.admitted", d.Admitted),
	)
	if d.EstimatedBytes != nil {
		attrs = append(attrs, slog.Int64("estimated_bytes", *d.EstimatedBytes))
		span.SetAttributes(attribute.Int64("querygate.estimated_bytes", *d.EstimatedBytes))
	}

	if d.Admitted {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "query admitted", attrs...)
		return d
	}

	attrs = append(attrs,
		slog.String("reason_code", string(d.Reason)),
		slog.String("error.type", "validation_error"),
		slog.String("message", d.Message),
	)
	s.logger.LogAttrs(ctx, slog.LevelWarn, "query denied", attrs...)
	span.SetAttributes(attribute.String("querygate.reason_code", string(d.Reason)))
	span.SetStatus(codes.Error, string(d.Reason))
	return d
}

// mask disguises masked columns in place and returns the result columns it
// touched.
func (s *QueryService) mask(req domain.Request, stmt *domain.ParsedStatement, rows []map[string]any) []string {
	cat := s.validator.Catalog()
	if cat == nil || len(rows) == 0 {
		return nil
	}
	masks := cat.Masks(req.Context.Role())
	if len(masks) == 0 {
		return nil
	}
	resultMasks := domain.ResultMasks(stmt, masks)
	domain.MaskRows(rows, resultMasks)

	var touched []string
	for col := range rows[0] {
		if domain.MaskFor(resultMasks, col) != "" {
			touched = append(touched, col)
		}
	}
	slices.Sort(touched)
	return touched
}

func (s *QueryService) auditEntry(ctx context.Context, id string, req domain.Request, d domain.Decision) port.AuditEntry {
	entry := port.AuditEntry{
		RequestID:      id,
		Tool:           toolNameFromCtx(ctx),
		TenantID:       req.Context.TenantID(),
		UserID:         req.Context.UserID(),
		Role:           req.Context.Role(),
		Intent:         req.Intent,
		SQL:            req.SQL,
		Admitted:       d.Admitted,
		ReasonCode:     string(d.Reason),
		EstimatedBytes: d.EstimatedBytes,
	}
	if !d.Admitted {
		entry.Message = d.Message
	}
	if cat := s.validator.Catalog(); cat != nil {
		entry.CatalogVersion = cat.Version()
	}
	return entry
}
