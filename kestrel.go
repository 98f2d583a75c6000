// Package kestrel is an embeddable relational database engine. SQL
// statements are tokenized, compiled into bytecode programs, and
// executed by a stack-based virtual machine over a paged B-tree
// storage layer with a journaled write path.
//
// The embedding surface is deliberately small: Open a connection, Exec
// whole scripts with a row callback, or Prepare/Step/Finalize single
// statements with bound parameters.
package kestrel

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/codegen"
	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
	"github.com/kestreldb/kestrel/internal/tokenizer"
	"github.com/kestreldb/kestrel/internal/vm"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = pager.MemoryPath

// Options tunes a connection. The zero value is usable.
type Options struct {
	// PageSize is fixed at database creation; opening an existing file
	// with a different value fails. 0 means the 1024-byte default.
	PageSize int
	// CacheSize is the page-cache capacity in pages.
	CacheSize int
	ReadOnly  bool

	// BusyRetry is called with a 0-based attempt count when a lock is
	// contended; return true to retry. BusyTimeout installs a default
	// sleep-and-retry handler.
	BusyRetry func(attempt int) bool

	// Trace receives one line per executed VM instruction.
	Trace io.Writer

	// Seed makes rowid selection and temp-object naming deterministic.
	Seed []byte

	// CheckpointSchedule, when set, runs a background pager checkpoint
	// on this cron schedule (seconds-resolution, e.g. "0 */5 * * * *").
	CheckpointSchedule string
}

// Conn is one database connection. It is not safe for concurrent use;
// open one Conn per goroutine.
type Conn struct {
	bt         *btree.Btree
	schema     *codegen.Schema
	opts       Options
	autocommit bool
	interrupt  atomic.Bool
	busyWait   time.Duration
	cp         *pager.Checkpointer

	errcode kerr.Code
	errmsg  string
}

// Open opens (creating if necessary) the database at path. Use
// MemoryPath for a throwaway in-memory database.
func Open(path string, opts *Options) (*Conn, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	c := &Conn{opts: o, autocommit: true}
	cfg := pager.Config{
		PageSize:  o.PageSize,
		CacheSize: o.CacheSize,
		ReadOnly:  o.ReadOnly,
	}
	cfg.BusyRetry = func(attempt int) bool {
		if c.opts.BusyRetry != nil {
			return c.opts.BusyRetry(attempt)
		}
		if c.busyWait <= 0 {
			return false
		}
		if time.Duration(attempt)*10*time.Millisecond >= c.busyWait {
			return false
		}
		time.Sleep(10 * time.Millisecond)
		return true
	}
	bt, err := btree.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	c.bt = bt
	if !o.ReadOnly {
		if err := codegen.EnsureCatalog(bt); err != nil {
			bt.Close()
			return nil, err
		}
	}
	if err := c.reloadSchema(); err != nil {
		bt.Close()
		return nil, err
	}
	if o.CheckpointSchedule != "" {
		cp, err := pager.NewCheckpointer(bt.Pager(), o.CheckpointSchedule, nil)
		if err != nil {
			bt.Close()
			return nil, err
		}
		c.cp = cp
		cp.Start()
	}
	return c, nil
}

// Close rolls back any active transaction and releases the connection.
func (c *Conn) Close() error {
	if c.cp != nil {
		c.cp.Stop()
		c.cp = nil
	}
	return c.bt.Close()
}

// Errcode returns the numeric code of the most recent error.
func (c *Conn) Errcode() int { return int(c.errcode) }

// Errmsg returns the message of the most recent error; it is
// overwritten by the next statement.
func (c *Conn) Errmsg() string { return c.errmsg }

// Interrupt makes the currently running statement (and any statement
// started before the flag is observed) abort with an interrupt error,
// closing its cursors and rolling back the active transaction.
func (c *Conn) Interrupt() { c.interrupt.Store(true) }

// BusyTimeout installs the default retry handler: contended locks are
// retried every 10ms until d has elapsed.
func (c *Conn) BusyTimeout(d time.Duration) { c.busyWait = d }

// InTransaction reports whether an explicit transaction is open.
func (c *Conn) InTransaction() bool { return !c.autocommit }

func (c *Conn) reloadSchema() error {
	s, err := codegen.LoadSchema(c.bt)
	if err != nil {
		return err
	}
	c.schema = s
	return nil
}

func (c *Conn) setErr(err error) error {
	if err == nil {
		c.errcode = kerr.Ok
		c.errmsg = ""
		return nil
	}
	c.errcode = kerr.CodeOf(err)
	c.errmsg = err.Error()
	return err
}

// freshSchema makes sure the compile-time snapshot matches the cookie.
func (c *Conn) freshSchema() error {
	cookie, err := c.bt.SchemaCookie()
	if err != nil {
		return err
	}
	if c.schema == nil || cookie != c.schema.Cookie {
		return c.reloadSchema()
	}
	return nil
}

// ── Exec ───────────────────────────────────────────────────────────────────

// Exec runs every statement of script in order, invoking cb (when
// non-nil) with each result row rendered as text; NULL arrives as the
// empty string. Execution stops at the first error.
func (c *Conn) Exec(script string, cb func(values, names []string) error) error {
	stmts, err := SplitStatements(script)
	if err != nil {
		return c.setErr(err)
	}
	for _, sql := range stmts {
		if err := c.execOne(sql, cb); err != nil {
			return err
		}
	}
	return c.setErr(nil)
}

func (c *Conn) execOne(sql string, cb func(values, names []string) error) error {
	stmt, err := c.Prepare(sql)
	if err != nil {
		return err
	}
	defer stmt.Finalize()
	for {
		row, err := stmt.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
		if cb != nil {
			values := make([]string, stmt.ColumnCount())
			for i := range values {
				if !stmt.ColumnIsNull(i) {
					values[i] = stmt.ColumnText(i)
				}
			}
			if err := cb(values, stmt.ColumnNames()); err != nil {
				return c.setErr(kerr.Wrap(kerr.Abort, err, "callback"))
			}
		}
	}
}

// SplitStatements cuts a script at top-level statement boundaries using
// the completion detector, so quoted semicolons and trigger bodies stay
// intact. The last statement may omit its closing ';'; a tail that would
// still be incomplete with one (an unclosed trigger body) is an error.
func SplitStatements(script string) ([]string, error) {
	src := []byte(script)
	var out []string
	var comp tokenizer.Completer
	start := 0
	i := 0
	for i < len(src) {
		tok, err := tokenizer.Scan(src, i)
		if err != nil {
			return nil, kerr.Wrap(kerr.ErrGeneric, err, "tokenize script")
		}
		if tok.Len == 0 {
			break
		}
		comp.Feed(tok.Kind, tok.Text(src))
		i += tok.Len
		if comp.Done() {
			piece := trimStatement(string(src[start:i]))
			if piece != "" {
				out = append(out, piece)
			}
			start = i
		}
	}
	if tail := trimStatement(string(src[start:])); tail != "" {
		comp.Feed(tokenizer.Operator, ";")
		if !comp.Done() {
			return nil, kerr.New(kerr.ErrGeneric, "incomplete statement: %s", tail)
		}
		out = append(out, tail)
	}
	return out, nil
}

func trimStatement(s string) string {
	s = trimSpaceAndComments(s)
	for len(s) > 0 && s[len(s)-1] == ';' {
		s = trimSpaceAndComments(s[:len(s)-1])
	}
	return s
}

func trimSpaceAndComments(s string) string {
	src := []byte(s)
	start := 0
	for start < len(src) {
		tok, err := tokenizer.Scan(src, start)
		if err != nil || tok.Len == 0 {
			break
		}
		if tok.Kind == tokenizer.Whitespace || tok.Kind == tokenizer.LineComment ||
			tok.Kind == tokenizer.BlockComment {
			start += tok.Len
			continue
		}
		break
	}
	// Trailing whitespace only; comments on the right edge stay.
	end := len(src)
	for end > start {
		b := src[end-1]
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f' {
			end--
			continue
		}
		break
	}
	return string(src[start:end])
}

// ── prepared statements ────────────────────────────────────────────────────

// Stmt is one compiled statement. Bind parameters, Step through result
// rows, then Finalize.
type Stmt struct {
	conn     *Conn
	sql      string
	compiled *codegen.Compiled
	machine  *vm.VM
	binds    map[int]vm.Mem
	row      []vm.Mem
	names    []string
	done     bool
}

// Prepare compiles one statement against the current schema.
func (c *Conn) Prepare(sql string) (*Stmt, error) {
	if err := c.freshSchema(); err != nil {
		return nil, c.setErr(err)
	}
	compiled, err := codegen.Compile(c.bt, c.schema, sql, c.autocommit)
	if err != nil {
		return nil, c.setErr(err)
	}
	return &Stmt{
		conn:     c,
		sql:      sql,
		compiled: compiled,
		binds:    make(map[int]vm.Mem),
	}, nil
}

// NumParams reports how many parameters the statement takes.
func (s *Stmt) NumParams() int { return s.compiled.NumParams }

func (s *Stmt) bind(index int, m vm.Mem) {
	s.binds[index] = m
}

// BindInt binds an integer to the 1-based parameter index.
func (s *Stmt) BindInt(index int, v int64) { s.bind(index, vm.Int(v)) }

// BindFloat binds a float.
func (s *Stmt) BindFloat(index int, v float64) { s.bind(index, vm.Real(v)) }

// BindText binds a string.
func (s *Stmt) BindText(index int, v string) { s.bind(index, vm.Str(v)) }

// BindBlob binds raw bytes.
func (s *Stmt) BindBlob(index int, v []byte) { s.bind(index, vm.Blob(v)) }

// BindNull binds NULL.
func (s *Stmt) BindNull(index int) { s.bind(index, vm.Null()) }

// Step advances execution. It returns true when a result row is
// available through the Column accessors, false when the statement has
// run to completion.
func (s *Stmt) Step() (bool, error) {
	if s.done {
		return false, nil
	}
	if s.machine == nil {
		s.machine = vm.New(s.conn.bt, s.compiled.Prog, vm.Config{
			Trace:     s.conn.opts.Trace,
			Interrupt: &s.conn.interrupt,
			Seed:      s.conn.opts.Seed,
		})
		for idx, m := range s.binds {
			s.machine.SetMem(codegen.ParamCell(idx), m)
		}
	}
	res, err := s.machine.Step()
	if err != nil {
		s.done = true
		// In autocommit mode the transaction was statement-scoped; a
		// failed statement must not leave it (and the write lock) open.
		if s.conn.autocommit {
			s.conn.bt.Rollback()
		}
		return false, s.conn.setErr(err)
	}
	if res == vm.StepRow {
		s.row = s.machine.Row()
		s.names = s.machine.ColumnNames()
		return true, nil
	}
	s.names = s.machine.ColumnNames()
	s.done = true
	s.finishTxnState()
	return false, s.conn.setErr(nil)
}

// finishTxnState tracks explicit transaction boundaries.
func (s *Stmt) finishTxnState() {
	switch s.compiled.TxnKind {
	case "BEGIN":
		s.conn.autocommit = false
	case "COMMIT", "ROLLBACK":
		s.conn.autocommit = true
	}
}

// Reset rewinds the statement so it can run again with (possibly new)
// bindings.
func (s *Stmt) Reset() {
	if s.machine != nil {
		s.machine.Finalize()
		s.machine = nil
	}
	s.row = nil
	s.done = false
}

// Finalize releases the statement.
func (s *Stmt) Finalize() error {
	s.Reset()
	return nil
}

// ColumnCount returns the arity of the current result row.
func (s *Stmt) ColumnCount() int { return len(s.row) }

// ColumnNames returns the declared result column names.
func (s *Stmt) ColumnNames() []string { return s.names }

// ColumnName returns the name of result column i.
func (s *Stmt) ColumnName(i int) string {
	if i < 0 || i >= len(s.names) {
		return ""
	}
	return s.names[i]
}

func (s *Stmt) col(i int) vm.Mem {
	if i < 0 || i >= len(s.row) {
		return vm.Null()
	}
	return s.row[i]
}

// ColumnIsNull reports whether column i of the current row is NULL.
func (s *Stmt) ColumnIsNull(i int) bool { return s.col(i).IsNull() }

// ColumnText returns column i coerced to text.
func (s *Stmt) ColumnText(i int) string { return s.col(i).ToString() }

// ColumnInt returns column i coerced to an integer.
func (s *Stmt) ColumnInt(i int) int64 { return s.col(i).ToInt() }

// ColumnFloat returns column i coerced to a float.
func (s *Stmt) ColumnFloat(i int) float64 { return s.col(i).ToReal() }
