package kestrel

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kestreldb/kestrel/internal/kerr"
)

func openTest(t *testing.T) *Conn {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "k.db"), &Options{Seed: []byte("t")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func collect(t *testing.T, c *Conn, sql string) [][]string {
	t.Helper()
	var rows [][]string
	err := c.Exec(sql, func(values, _ []string) error {
		rows = append(rows, append([]string(nil), values...))
		return nil
	})
	if err != nil {
		t.Fatalf("Exec %q: %v", sql, err)
	}
	return rows
}

func TestExecScript(t *testing.T) {
	c := openTest(t)
	rows := collect(t, c, `
		CREATE TABLE users (name TEXT, age INTEGER);
		INSERT INTO users VALUES ('alice', 30);
		INSERT INTO users VALUES ('bob', 25);
		SELECT name FROM users ORDER BY age DESC;
	`)
	want := [][]string{{"alice"}, {"bob"}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
}

func TestPrepareBindStep(t *testing.T) {
	c := openTest(t)
	collect(t, c, "CREATE TABLE t (a TEXT, b INTEGER)")
	st, err := c.Prepare("INSERT INTO t VALUES (?, ?)")
	if err != nil {
		t.Fatal(err)
	}
	if st.NumParams() != 2 {
		t.Fatalf("NumParams = %d", st.NumParams())
	}
	for i, name := range []string{"x", "y", "z"} {
		st.Reset()
		st.BindText(1, name)
		st.BindInt(2, int64(i))
		if row, err := st.Step(); err != nil || row {
			t.Fatalf("insert step = %v, %v", row, err)
		}
	}
	st.Finalize()

	q, err := c.Prepare("SELECT a, b FROM t WHERE b >= ? ORDER BY b")
	if err != nil {
		t.Fatal(err)
	}
	defer q.Finalize()
	q.BindInt(1, 1)
	var got []string
	for {
		row, err := q.Step()
		if err != nil {
			t.Fatal(err)
		}
		if !row {
			break
		}
		got = append(got, q.ColumnText(0)+":"+q.ColumnText(1))
	}
	if strings.Join(got, ",") != "y:1,z:2" {
		t.Fatalf("got %v", got)
	}
	if q.ColumnName(0) != "a" || q.ColumnName(1) != "b" {
		t.Fatalf("names = %v", q.ColumnNames())
	}
}

func TestExplicitTransactionRollback(t *testing.T) {
	c := openTest(t)
	collect(t, c, "CREATE TABLE t (v INTEGER)")
	collect(t, c, "BEGIN; INSERT INTO t VALUES (1); ROLLBACK")
	if rows := collect(t, c, "SELECT v FROM t"); len(rows) != 0 {
		t.Fatalf("rollback left rows: %v", rows)
	}
	collect(t, c, "BEGIN; INSERT INTO t VALUES (2); COMMIT")
	if rows := collect(t, c, "SELECT v FROM t"); len(rows) != 1 || rows[0][0] != "2" {
		t.Fatalf("commit rows: %v", rows)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.db")
	c, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Exec("CREATE TABLE t (v TEXT); INSERT INTO t VALUES ('kept')", nil); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	rows := collect(t, c2, "SELECT v FROM t")
	if len(rows) != 1 || rows[0][0] != "kept" {
		t.Fatalf("rows after reopen = %v", rows)
	}
}

func TestErrcodeErrmsg(t *testing.T) {
	c := openTest(t)
	err := c.Exec("SELECT * FROM missing", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if c.Errcode() != int(kerr.ErrGeneric) {
		t.Fatalf("Errcode = %d", c.Errcode())
	}
	if !strings.Contains(c.Errmsg(), "missing") {
		t.Fatalf("Errmsg = %q", c.Errmsg())
	}
	// A successful statement clears the message.
	collect(t, c, "CREATE TABLE ok (a TEXT)")
	if c.Errmsg() != "" {
		t.Fatalf("Errmsg after success = %q", c.Errmsg())
	}
}

func TestSplitStatements(t *testing.T) {
	got, err := SplitStatements("SELECT 1; SELECT 2;")
	if err != nil || !reflect.DeepEqual(got, []string{"SELECT 1", "SELECT 2"}) {
		t.Fatalf("split = %v, %v", got, err)
	}
	if _, err := SplitStatements("SELECT 'unterminated"); err == nil {
		t.Fatal("unterminated literal should not split cleanly")
	}
	got, err = SplitStatements("INSERT INTO t VALUES (';');")
	if err != nil || len(got) != 1 {
		t.Fatalf("quoted semicolon split = %v, %v", got, err)
	}
}

func TestBusyTimeoutSetter(t *testing.T) {
	c := openTest(t)
	c.BusyTimeout(50 * time.Millisecond)
	// Nothing contends in-process; this just must not break execution.
	collect(t, c, "CREATE TABLE t (a TEXT)")
}

func TestInMemoryDatabase(t *testing.T) {
	c, err := Open(MemoryPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Exec("CREATE TABLE m (v TEXT); INSERT INTO m VALUES ('ram')", nil); err != nil {
		t.Fatal(err)
	}
	var got string
	err = c.Exec("SELECT v FROM m", func(values, _ []string) error {
		got = values[0]
		return nil
	})
	if err != nil || got != "ram" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestInterruptFromCallback(t *testing.T) {
	c := openTest(t)
	collect(t, c, "CREATE TABLE t (v INTEGER)")
	collect(t, c, "INSERT INTO t VALUES (1), (2), (3), (4)")
	n := 0
	err := c.Exec("SELECT v FROM t", func(values, _ []string) error {
		n++
		if n == 2 {
			c.Interrupt()
		}
		return nil
	})
	if kerr.CodeOf(err) != kerr.Interrupt {
		t.Fatalf("err = %v, want Interrupt", err)
	}
	if n != 2 {
		t.Fatalf("callback ran %d times", n)
	}
}
