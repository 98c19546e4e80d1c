package domain

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// inspect visits every message reachable from m, depth first, in the
// manner of ast.Inspect: when fn returns false the children of that message
// are skipped. It relies on protobuf reflection so node types added to the
// grammar are still visited.
func inspect(m proto.Message, fn func(proto.Message) bool) {
	if m == nil {
		return
	}
	inspectReflect(m.ProtoReflect(), fn)
}

func inspectReflect(m protoreflect.Message, fn func(proto.Message) bool) {
	if !m.IsValid() {
		return
	}
	if !fn(m.Interface()) {
		return
	}
	// Fields are visited in declaration order so results are deterministic.
	fields := m.Descriptor().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Kind() != protoreflect.MessageKind || fd.IsMap() || !m.Has(fd) {
			continue
		}
		v := m.Get(fd)
		if fd.IsList() {
			list := v.List()
			for j := 0; j < list.Len(); j++ {
				inspectReflect(list.Get(j).Message(), fn)
			}
			continue
		}
		inspectReflect(v.Message(), fn)
	}
}

// sweep is the full-tree pass run after the scoped walk. It reports every
// function call and nested command, and every relation or column reference
// the scoped walk did not reach.
type sweep struct {
	functions      []string
	nestedCommands []string
	tables         []*pg_query.RangeVar
	columns        []*pg_query.ColumnRef
}

func sweepTree(root proto.Message, seenTables map[*pg_query.RangeVar]bool, seenColumns map[*pg_query.ColumnRef]bool) sweep {
	var s sweep
	seenFn := make(map[string]bool)
	inspect(root, func(m proto.Message) bool {
		switch n := m.(type) {
		case *pg_query.FuncCall:
			name := funcName(n.Funcname)
			if !seenFn[name] {
				seenFn[name] = true
				s.functions = append(s.functions, name)
			}
		case *pg_query.RangeVar:
			if !seenTables[n] {
				s.tables = append(s.tables, n)
			}
		case *pg_query.ColumnRef:
			if !seenColumns[n] {
				s.columns = append(s.columns, n)
			}
		default:
			if m == root {
				return true
			}
			if cmd := commandName(m); cmd != "" {
				s.nestedCommands = append(s.nestedCommands, cmd)
			}
		}
		return true
	})
	return s
}

// unwrapNode returns the message held by a Node's oneof, e.g. the
// *SelectStmt inside a Node_SelectStmt.
func unwrapNode(n *pg_query.Node) proto.Message {
	if n == nil {
		return nil
	}
	m := n.ProtoReflect()
	if fd := m.WhichOneof(m.Descriptor().Oneofs().ByName("node")); fd != nil {
		return m.Get(fd).Message().Interface()
	}
	return nil
}

// commandName maps a statement node to its SQL command keyword. It returns
// "" for non-statement nodes and for SELECT.
func commandName(m proto.Message) string {
	name := string(m.ProtoReflect().Descriptor().Name())
	if !strings.HasSuffix(name, "Stmt") || name == "SelectStmt" || name == "RawStmt" {
		return ""
	}
	switch stmt := m.(type) {
	case *pg_query.GrantStmt:
		if !stmt.IsGrant {
			return "REVOKE"
		}
	case *pg_query.GrantRoleStmt:
		if !stmt.IsGrant {
			return "REVOKE"
		}
	}
	if cmd, ok := commandKeywords[name]; ok {
		return cmd
	}
	return strings.ToUpper(strings.TrimSuffix(name, "Stmt"))
}

var commandKeywords = map[string]string{
	"InsertStmt":          "INSERT",
	"UpdateStmt":          "UPDATE",
	"DeleteStmt":          "DELETE",
	"MergeStmt":           "MERGE",
	"CreateStmt":          "CREATE",
	"CreateTableAsStmt":   "CREATE",
	"CreateSchemaStmt":    "CREATE",
	"CreateFunctionStmt":  "CREATE",
	"CreateRoleStmt":      "CREATE",
	"CreateExtensionStmt": "CREATE",
	"ViewStmt":            "CREATE",
	"IndexStmt":           "CREATE",
	"DropStmt":            "DROP",
	"DropRoleStmt":        "DROP",
	"DropdbStmt":          "DROP",
	"AlterTableStmt":      "ALTER",
	"AlterRoleStmt":       "ALTER",
	"AlterSystemStmt":     "ALTER",
	"RenameStmt":          "ALTER",
	"TruncateStmt":        "TRUNCATE",
	"GrantStmt":           "GRANT",
	"GrantRoleStmt":       "GRANT",
	"CopyStmt":            "COPY",
	"CallStmt":            "CALL",
	"DoStmt":              "DO",
	"VariableSetStmt":     "SET",
	"VariableShowStmt":    "SHOW",
	"LockStmt":            "LOCK",
	"VacuumStmt":          "VACUUM",
	"ExplainStmt":         "EXPLAIN",
	"TransactionStmt":     "TRANSACTION",
	"RefreshMatViewStmt":  "REFRESH",
	"ReindexStmt":         "REINDEX",
	"PrepareStmt":         "PREPARE",
	"ExecuteStmt":         "EXECUTE",
	"DeallocateStmt":      "DEALLOCATE",
	"ListenStmt":          "LISTEN",
	"NotifyStmt":          "NOTIFY",
	"LoadStmt":            "LOAD",
	"DiscardStmt":         "DISCARD",
	"CheckPointStmt":      "CHECKPOINT",
	"ClusterStmt":         "CLUSTER",
	"CommentStmt":         "COMMENT",
	"DeclareCursorStmt":   "DECLARE",
	"FetchStmt":           "FETCH",
	"ClosePortalStmt":     "CLOSE",
	"SecLabelStmt":        "SECURITY LABEL",
}

// funcName joins a qualified function name, lowercased, without the
// pg_catalog prefix the grammar adds to SQL-standard forms like EXTRACT.
func funcName(parts []*pg_query.Node) string {
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := p.GetString_(); s != nil {
			names = append(names, strings.ToLower(s.Sval))
		}
	}
	return strings.TrimPrefix(strings.Join(names, "."), "pg_catalog.")
}
