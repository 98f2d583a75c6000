package codegen

import (
	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/pager"
	"github.com/kestreldb/kestrel/internal/vm"
)

// Compiled is the result of lowering one SQL statement.
type Compiled struct {
	Prog      *vm.Program
	NumParams int

	// TxnKind is set for BEGIN/COMMIT/ROLLBACK so the connection can
	// track autocommit state.
	TxnKind string
}

// Compile parses and lowers sql against the given schema snapshot.
// autocommit decides whether mutating statements wrap themselves in
// their own transaction. bt is consulted only for the PRAGMA
// introspection statements, which snapshot pager-level facts at compile
// time.
func Compile(bt *btree.Btree, schema *Schema, sql string, autocommit bool) (*Compiled, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	return compileStmt(bt, schema, stmt, autocommit)
}

func compileStmt(bt *btree.Btree, schema *Schema, stmt Stmt, autocommit bool) (*Compiled, error) {
	if ex, ok := stmt.(*ExplainStmt); ok {
		return compileExplain(bt, schema, ex, autocommit)
	}

	c := &compiler{
		schema:     schema,
		prog:       &vm.Program{},
		autocommit: autocommit,
	}
	out := &Compiled{Prog: c.prog}

	// Every statement that was planned against the schema opens with a
	// cookie check, so a stale prepared statement fails with Schema
	// instead of acting on outdated root pages.
	switch stmt.(type) {
	case *TxnStmt, *PragmaStmt:
	default:
		c.emit(vm.OpVerifyCookie, int(schema.Cookie), 0, "")
	}

	var err error
	switch s := stmt.(type) {
	case *SelectStmt:
		err = c.compileSelect(s)
	case *InsertStmt:
		err = c.compileInsert(s)
	case *UpdateStmt:
		err = c.compileUpdate(s)
	case *DeleteStmt:
		err = c.compileDelete(s)
	case *CreateTableStmt:
		err = c.compileCreateTable(s)
	case *CreateIndexStmt:
		err = c.compileCreateIndex(s)
	case *DropStmt:
		err = c.compileDrop(s)
	case *CopyStmt:
		err = c.compileCopy(s)
	case *TxnStmt:
		out.TxnKind = s.Kind
		switch s.Kind {
		case "BEGIN":
			c.emit(vm.OpTransaction, 0, 0, "")
		case "COMMIT":
			c.emit(vm.OpCommit, 0, 0, "")
		case "ROLLBACK":
			c.emit(vm.OpRollback, 0, 0, "")
		}
	case *PragmaStmt:
		err = compilePragma(c, bt, schema, s)
	default:
		err = errf("internal: unhandled statement %T", stmt)
	}
	if err != nil {
		return nil, err
	}
	if err := c.prog.FixupLabels(); err != nil {
		return nil, err
	}
	out.NumParams = c.nParams
	return out, nil
}

// compileExplain compiles the inner statement and emits a program that
// renders its instruction listing as a result set.
func compileExplain(bt *btree.Btree, schema *Schema, ex *ExplainStmt, autocommit bool) (*Compiled, error) {
	inner, err := compileStmt(bt, schema, ex.Inner, autocommit)
	if err != nil {
		return nil, err
	}
	p := &vm.Program{}
	p.Emit(vm.OpColumnCount, 5, 0, "")
	for i, name := range []string{"addr", "opcode", "p1", "p2", "p3"} {
		p.Emit(vm.OpColumnName, i, 0, name)
	}
	for _, row := range inner.Prog.Explain() {
		for _, field := range row {
			p.Emit(vm.OpString, 0, 0, field)
		}
		p.Emit(vm.OpCallback, 5, 0, "")
	}
	return &Compiled{Prog: p, NumParams: inner.NumParams}, nil
}

// compilePragma special-cases the introspection statements instead of
// sending them through the expression grammar.
func compilePragma(c *compiler, bt *btree.Btree, schema *Schema, pr *PragmaStmt) error {
	emitOne := func(name string, push func()) {
		c.emit(vm.OpColumnCount, 1, 0, "")
		c.emit(vm.OpColumnName, 0, 0, name)
		push()
		c.emit(vm.OpCallback, 1, 0, "")
	}
	switch pr.Name {
	case "page_count":
		n := int(bt.PageCount())
		emitOne("page_count", func() { c.emit(vm.OpInteger, n, 0, "") })
	case "free_page_count":
		n, err := bt.FreePageCount()
		if err != nil {
			return err
		}
		emitOne("free_page_count", func() { c.emit(vm.OpInteger, int(n), 0, "") })
	case "schema_cookie":
		emitOne("schema_cookie", func() { c.emit(vm.OpReadCookie, 0, 0, "") })
	case "integrity_check":
		roots := []pager.PageID{CatalogRoot}
		for _, t := range schema.Tables {
			roots = append(roots, t.Root)
		}
		for _, idx := range schema.Indexes {
			roots = append(roots, idx.Root)
		}
		result := "ok"
		if err := bt.CheckIntegrity(roots); err != nil {
			result = err.Error()
		}
		emitOne("integrity_check", func() { c.emit(vm.OpString, 0, 0, result) })
	default:
		return errf("unknown pragma: %s", pr.Name)
	}
	return nil
}
