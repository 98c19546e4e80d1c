package port

import "context"

// AuditEntry is one gate decision, plus the execution outcome when the
// query was admitted and run.
type AuditEntry struct {
	RequestID string
	Tool      string
	TenantID  string
	UserID    string
	Role      string
	Intent    string
	SQL       string

	Admitted       bool
	ReasonCode     string
	Message        string // denial message, unredacted
	CatalogVersion string
	EstimatedBytes *int64

	Executed     bool
	RowsReturned int
	DurationMS   int64
	Err          error
}

// QueryAuditor records audit events.
type QueryAuditor interface {
	Record(ctx context.Context, entry AuditEntry)
	Close() error
}

