package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/guillermoBallester/querygate/internal/core/port"
)

// record is the serialized form of an audit entry, shared by every sink. Denials carry the full message even though
// non-admin callers only ever saw a redacted one.
type record struct {
	Timestamp      string  `json:"ts"`
	RequestID      string  `json:"request_id"`
	Tool           string  `json:"tool,omitempty"`
	TenantID       string  `json:"tenant_id"`
	UserID         string  `json:"user_id"`
	Role           string  `json:"role"`
	Intent         string  `json:"intent,omitempty"`
	SQL            string  `json:"sql"`
	CatalogVersion string  `json:"catalog_version,omitempty"`
	Admitted       bool    `json:"admitted"`
	ReasonCode     string  `json:"reason_code,omitempty"`
	Message        string  `json:"message,omitempty"`
	EstimatedBytes *int64  `json:"estimated_bytes,omitempty"`
	Executed       bool    `json:"executed"`
	RowsReturned   int     `json:"rows_returned"`
	DurationMS     int64   `json:"duration_ms"`
	Error          *string `json:"error"`
}

// FileAuditor writes audit entries as NDJSON (one JSON object per line) to a file.
type FileAuditor struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// NewFileAuditor opens (or creates) the file at path for append-only writing.
func NewFileAuditor(path string) (*FileAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileAuditor{
		file: f,
		enc:  json.NewEncoder(f),
		now:  time.Now,
	}, nil
}

func newRecord(ts time.Time, entry port.AuditEntry) record {
	r := record{
		Timestamp:      ts.UTC().Format(time.RFC3339Nano),
		RequestID:      entry.RequestID,
		Tool:           entry.Tool,
		TenantID:       entry.TenantID,
		UserID:         entry.UserID,
		Role:           entry.Role,
		Intent:         entry.Intent,
		SQL:            entry.SQL,
		CatalogVersion: entry.CatalogVersion,
		Admitted:       entry.Admitted,
		ReasonCode:     entry.ReasonCode,
		Message:        entry.Message,
		EstimatedBytes: entry.EstimatedBytes,
		Executed:       entry.Executed,
		RowsReturned:   entry.RowsReturned,
		DurationMS:     entry.DurationMS,
	}
	if entry.Err != nil {
		msg := entry.Err.Error()
		r.Error = &msg
	}
	return r
}

func (a *FileAuditor) Record(_ context.Context, entry port.AuditEntry) {
	rec := newRecord(a.now(), entry)

	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(rec) // best-effort; don't fail the request for audit I/O
}

func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// NoopAuditor discards all audit entries.
type NoopAuditor struct{}

func (NoopAuditor) Record(context.Context, port.AuditEntry) {}
func (NoopAuditor) Close() error                            { return nil }
