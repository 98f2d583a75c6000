// Package codegen is the compiler front end: it drives the tokenizer,
// builds statement trees, and lowers them to bytecode programs for the
// virtual machine. Name resolution and cursor numbering happen here; the
// VM only ever sees resolved cursor and column numbers.
package codegen

import "github.com/kestreldb/kestrel/internal/vm"

// ── expressions ────────────────────────────────────────────────────────────

// Expr is one node of an expression tree.
type Expr interface{ exprNode() }

// ColumnRef names a column, optionally qualified. Resolution fills in
// the cursor and column numbers.
type ColumnRef struct {
	Table  string
	Name   string
	cursor int
	column int
	bound  bool
}

// Literal is a constant value.
type Literal struct {
	Val vm.Mem
}

// Param is a statement parameter: ?NNN, ?, :name, @name or $name.
type Param struct {
	Index int // 1-based
	Name  string
}

// Unary is -x or NOT x.
type Unary struct {
	Op string
	X  Expr
}

// Binary covers arithmetic, comparison, logical, concatenation and the
// LIKE/GLOB matchers. Op is the uppercased operator text.
type Binary struct {
	Op     string
	L, R   Expr
	Invert bool // NOT LIKE / NOT GLOB
}

// IsNull is x IS NULL / x IS NOT NULL.
type IsNull struct {
	X   Expr
	Not bool
}

// In is x IN (list) or x IN (SELECT ...). The first compile pass
// assigns the set number (constant lists) or the temp-table cursor
// (subqueries).
type In struct {
	X    Expr
	List []Expr
	Sub  *SelectStmt
	Not  bool

	set    int
	cursor int
}

// Case is CASE [base] WHEN ... THEN ... [ELSE ...] END.
type Case struct {
	Base  Expr
	Whens []When
	Else  Expr
}

// When is one WHEN/THEN arm.
type When struct {
	Cond Expr
	Val  Expr
}

// Call is a function invocation. Star marks count(*).
type Call struct {
	Name string
	Args []Expr
	Star bool

	aggField int // bucket field assigned during aggregate analysis
	aggExtra int // second field (avg keeps sum and count)
}

func (*ColumnRef) exprNode() {}
func (*Literal) exprNode()   {}
func (*Param) exprNode()     {}
func (*Unary) exprNode()     {}
func (*Binary) exprNode()    {}
func (*IsNull) exprNode()    {}
func (*In) exprNode()        {}
func (*Case) exprNode()      {}
func (*Call) exprNode()      {}

// ── statements ─────────────────────────────────────────────────────────────

// Stmt is one parsed SQL statement.
type Stmt interface{ stmtNode() }

// SelectStmt is a SELECT with the clauses this dialect supports.
type SelectStmt struct {
	Columns []ResultColumn
	From    []TableRef
	Where   Expr
	GroupBy []Expr
	Having  Expr
	OrderBy []OrderTerm
	Limit   int // -1 = none
	Offset  int
}

// ResultColumn is one projection: an expression with an optional alias,
// or a bare star.
type ResultColumn struct {
	Expr  Expr
	Alias string
	Star  bool
}

// TableRef is one FROM-list entry.
type TableRef struct {
	Name  string
	Alias string

	cursor int
	table  *Table
}

// OrderTerm is one ORDER BY term.
type OrderTerm struct {
	Expr Expr
	Desc bool
}

// InsertStmt is INSERT INTO ... VALUES (...) [, ...] or INSERT INTO ...
// SELECT.
type InsertStmt struct {
	Table   string
	Columns []string
	Rows    [][]Expr
	Sub     *SelectStmt
}

// UpdateStmt is UPDATE ... SET ... [WHERE].
type UpdateStmt struct {
	Table string
	Sets  []SetClause
	Where Expr
}

// SetClause is one col = expr assignment.
type SetClause struct {
	Column string
	Value  Expr
}

// DeleteStmt is DELETE FROM ... [WHERE].
type DeleteStmt struct {
	Table string
	Where Expr
}

// CreateTableStmt carries the parsed column definitions plus the
// original statement text (stored in the catalog verbatim).
type CreateTableStmt struct {
	Name    string
	Columns []ColumnDef
	SQL     string
}

// ColumnDef is one column of a CREATE TABLE.
type ColumnDef struct {
	Name       string
	Type       string
	PrimaryKey bool
	Unique     bool
	NotNull    bool
	Default    Expr
}

// CreateIndexStmt is CREATE [UNIQUE] INDEX name ON table (cols).
type CreateIndexStmt struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
	SQL     string
}

// DropStmt is DROP TABLE / DROP INDEX.
type DropStmt struct {
	Name  string
	Index bool
}

// TxnStmt is BEGIN, COMMIT or ROLLBACK.
type TxnStmt struct {
	Kind string // "BEGIN", "COMMIT", "ROLLBACK"
}

// CopyStmt is COPY table FROM 'file' [USING DELIMITERS 'x'].
type CopyStmt struct {
	Table string
	File  string
	Delim string
}

// PragmaStmt is PRAGMA name.
type PragmaStmt struct {
	Name string
}

// ExplainStmt wraps another statement; compiling it yields the inner
// program as a result set instead of running it.
type ExplainStmt struct {
	Inner Stmt
}

func (*SelectStmt) stmtNode()      {}
func (*InsertStmt) stmtNode()      {}
func (*UpdateStmt) stmtNode()      {}
func (*DeleteStmt) stmtNode()      {}
func (*CreateTableStmt) stmtNode() {}
func (*CreateIndexStmt) stmtNode() {}
func (*DropStmt) stmtNode()        {}
func (*TxnStmt) stmtNode()         {}
func (*CopyStmt) stmtNode()        {}
func (*PragmaStmt) stmtNode()      {}
func (*ExplainStmt) stmtNode()     {}
