// Package driver registers kestrel with database/sql under the name
// "kestrel". The DSN is simply the database path; use kestrel's
// MemoryPath (or ":memory:") for a private in-memory database.
package driver

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"

	kestrel "github.com/kestreldb/kestrel"
)

// DriverName is the registered database/sql driver name.
const DriverName = "kestrel"

func init() {
	sql.Register(DriverName, &Driver{})
}

// Open is a convenience wrapper around sql.Open(DriverName, dsn).
func Open(dsn string) (*sql.DB, error) { return sql.Open(DriverName, dsn) }

// OpenInMemory opens a throwaway in-memory database. The pool is pinned
// to a single connection: each driver connection owns its own private
// memory image, so a second pooled connection would see an empty
// database.
func OpenInMemory() (*sql.DB, error) {
	db, err := Open(kestrel.MemoryPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Driver implements database/sql/driver.Driver.
type Driver struct{}

// Open opens a new connection to the database at the DSN path.
func (Driver) Open(dsn string) (driver.Conn, error) {
	c, err := kestrel.Open(dsn, nil)
	if err != nil {
		return nil, err
	}
	return &conn{c: c}, nil
}

type conn struct {
	c *kestrel.Conn
}

func (cn *conn) Prepare(query string) (driver.Stmt, error) {
	s, err := cn.c.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &stmt{s: s}, nil
}

func (cn *conn) Close() error { return cn.c.Close() }

func (cn *conn) Begin() (driver.Tx, error) {
	if err := cn.c.Exec("BEGIN", nil); err != nil {
		return nil, err
	}
	return &tx{c: cn.c}, nil
}

type tx struct {
	c *kestrel.Conn
}

func (t *tx) Commit() error   { return t.c.Exec("COMMIT", nil) }
func (t *tx) Rollback() error { return t.c.Exec("ROLLBACK", nil) }

type stmt struct {
	s *kestrel.Stmt
}

func (st *stmt) Close() error { return st.s.Finalize() }

func (st *stmt) NumInput() int { return st.s.NumParams() }

func (st *stmt) bindAll(args []driver.Value) error {
	st.s.Reset()
	for i, a := range args {
		idx := i + 1
		switch v := a.(type) {
		case nil:
			st.s.BindNull(idx)
		case int64:
			st.s.BindInt(idx, v)
		case float64:
			st.s.BindFloat(idx, v)
		case bool:
			if v {
				st.s.BindInt(idx, 1)
			} else {
				st.s.BindInt(idx, 0)
			}
		case string:
			st.s.BindText(idx, v)
		case []byte:
			st.s.BindBlob(idx, v)
		default:
			return fmt.Errorf("kestrel: cannot bind %T", a)
		}
	}
	return nil
}

func (st *stmt) Exec(args []driver.Value) (driver.Result, error) {
	if err := st.bindAll(args); err != nil {
		return nil, err
	}
	for {
		row, err := st.s.Step()
		if err != nil {
			return nil, err
		}
		if !row {
			return driver.ResultNoRows, nil
		}
	}
}

func (st *stmt) Query(args []driver.Value) (driver.Rows, error) {
	if err := st.bindAll(args); err != nil {
		return nil, err
	}
	return &rows{s: st.s}, nil
}

type rows struct {
	s       *kestrel.Stmt
	pending bool // a row was fetched to learn the column names
	done    bool
}

func (r *rows) Columns() []string {
	if names := r.s.ColumnNames(); len(names) > 0 {
		return names
	}
	// Column names become visible once the program declares them; pull
	// the first row early and hand it back from Next.
	row, err := r.s.Step()
	if err != nil {
		return nil
	}
	if row {
		r.pending = true
	} else {
		r.done = true
	}
	return r.s.ColumnNames()
}

func (r *rows) Close() error {
	r.done = true
	r.s.Reset()
	return nil
}

func (r *rows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	if !r.pending {
		row, err := r.s.Step()
		if err != nil {
			return err
		}
		if !row {
			r.done = true
			return io.EOF
		}
	}
	r.pending = false
	for i := range dest {
		if r.s.ColumnIsNull(i) {
			dest[i] = nil
		} else {
			dest[i] = r.s.ColumnText(i)
		}
	}
	return nil
}
