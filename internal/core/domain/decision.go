package domain

import (
	"fmt"
	"strings"
)

// ReasonCode is the closed set of deny reasons. The zero value means admitted.
type ReasonCode string

const (
	ReasonNone                     ReasonCode = ""
	ReasonUnparseable              ReasonCode = "UNPARSEABLE"
	ReasonMultiStatement           ReasonCode = "MULTI_STATEMENT"
	ReasonForbiddenStatementKind   ReasonCode = "FORBIDDEN_STATEMENT_KIND"
	ReasonUnauthorizedTable        ReasonCode = "UNAUTHORIZED_TABLE"
	ReasonUnauthorizedColumn       ReasonCode = "UNAUTHORIZED_COLUMN"
	ReasonMissingLimit             ReasonCode = "MISSING_LIMIT"
	ReasonTenantIsolationViolation ReasonCode = "TENANT_ISOLATION_VIOLATION"
	ReasonPolicyRestricted         ReasonCode = "POLICY_RESTRICTED"
	ReasonComplexityExceeded       ReasonCode = "COMPLEXITY_EXCEEDED"
	ReasonBudgetExceeded           ReasonCode = "BUDGET_EXCEEDED"
)

// Check names, in evaluation order.
const (
	CheckParseability    = "parseability"
	CheckStatementKind   = "statement_kind"
	CheckTableAllowlist  = "table_allowlist"
	CheckColumnAllowlist = "column_allowlist"
	CheckRowLimit        = "row_limit"
	CheckTenantIsolation = "tenant_isolation"
	CheckRolePolicy      = "role_policy"
	CheckComplexity      = "complexity"
	CheckBudget          = "budget"
)

// Check is one entry of the decision trace.
type Check struct {
	Name   string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Decision is the outcome of one validation call.
type Decision struct {
	Admitted       bool       `json:"admitted"`
	Reason         ReasonCode `json:"reason_code"`
	Message        string     `json:"message"`
	Checks         []Check    `json:"checks"`
	EstimatedBytes *int64     `json:"estimated_bytes,omitempty"`
}

// Passed reports whether the named check ran and passed.
func (d Decision) Passed(name string) bool {
	for _, c := range d.Checks {
		if c.Name == name {
			return c.Passed
		}
	}
	return false
}

// Check returns the trace entry for name.
func (d Decision) Check(name string) (Check, bool) {
	for _, c := range d.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Redacted returns a copy without per-check detail. Check names and outcomes
// are kept so low-privilege callers still see which check failed.
func (d Decision) Redacted() Decision {
	out := d
	out.Checks = make([]Check, len(d.Checks))
	for i, c := range d.Checks {
		out.Checks[i] = Check{Name: c.Name, Passed: c.Passed}
	}
	out.Message = reasonMessages[d.Reason]
	if !d.Admitted && out.Message == "" {
		out.Message = "query rejected"
	}
	if d.Admitted {
		out.Message = reasonMessages[ReasonNone]
	}
	return out
}

var reasonMessages = map[ReasonCode]string{
	ReasonNone:                     "query admitted",
	ReasonUnparseable:              "the query could not be parsed",
	ReasonMultiStatement:           "only a single statement is allowed",
	ReasonForbiddenStatementKind:   "only read-only SELECT queries are allowed",
	ReasonUnauthorizedTable:        "the query references a table that is not allowed",
	ReasonUnauthorizedColumn:       "the query references a column that is not allowed",
	ReasonMissingLimit:             "the query must end with a bounded LIMIT",
	ReasonTenantIsolationViolation: "the query is not restricted to your tenant",
	ReasonPolicyRestricted:         "your role is not allowed to run this kind of request",
	ReasonComplexityExceeded:       "the query is too complex",
	ReasonBudgetExceeded:           "the query would scan too much data",
}

// trace accumulates checks for one validation call. The first failing check
// decides the reason code; later failures are still recorded.
type trace struct {
	checks  []Check
	reason  ReasonCode
	message string
}

func (t *trace) pass(name, detail string) {
	t.checks = append(t.checks, Check{Name: name, Passed: true, Detail: detail})
}

func (t *trace) fail(name string, reason ReasonCode, detail string) {
	t.checks = append(t.checks, Check{Name: name, Passed: false, Detail: detail})
	if t.reason == ReasonNone {
		t.reason = reason
		t.message = fmt.Sprintf("%s: %s", strings.ReplaceAll(name, "_", " "), detail)
	}
}

func (t *trace) denied() bool {
	return t.reason != ReasonNone
}

func (t *trace) decision() Decision {
	if t.reason != ReasonNone {
		return Decision{Reason: t.reason, Message: t.message, Checks: t.checks}
	}
	for _, c := range t.checks {
		// An admitted decision never carries a failed check.
		if !c.Passed {
			return Decision{Reason: ReasonUnparseable, Message: "incomplete evaluation", Checks: t.checks}
		}
	}
	return Decision{Admitted: true, Message: reasonMessages[ReasonNone], Checks: t.checks}
}
