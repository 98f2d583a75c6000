package codegen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
	"github.com/kestreldb/kestrel/internal/vm"
)

// env is a minimal connection for tests: a database plus a schema
// snapshot reloaded whenever the cookie moves.
type env struct {
	t      *testing.T
	bt     *btree.Btree
	schema *Schema
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bt, err := btree.Open(filepath.Join(t.TempDir(), "cg.db"), pager.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { bt.Close() })
	if err := EnsureCatalog(bt); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	e := &env{t: t, bt: bt}
	e.reload()
	return e
}

func (e *env) reload() {
	s, err := LoadSchema(e.bt)
	if err != nil {
		e.t.Fatalf("LoadSchema: %v", err)
	}
	e.schema = s
}

// run compiles and executes sql, returning the result rows as strings
// (NULL renders as "<nil>").
func (e *env) run(sql string, binds ...vm.Mem) [][]string {
	e.t.Helper()
	rows, err := e.tryRun(sql, binds...)
	if err != nil {
		e.t.Fatalf("run %q: %v", sql, err)
	}
	return rows
}

func (e *env) tryRun(sql string, binds ...vm.Mem) ([][]string, error) {
	cookie, err := e.bt.SchemaCookie()
	if err != nil {
		return nil, err
	}
	if cookie != e.schema.Cookie {
		e.reload()
	}
	compiled, err := Compile(e.bt, e.schema, sql, true)
	if err != nil {
		return nil, err
	}
	machine := vm.New(e.bt, compiled.Prog, vm.Config{Seed: []byte("cg")})
	for i, b := range binds {
		machine.SetMem(paramCellBase+i, b)
	}
	var rows [][]string
	err = machine.Run(func(cols []vm.Mem, _ []string) error {
		row := make([]string, len(cols))
		for i, c := range cols {
			if c.IsNull() {
				row[i] = "<nil>"
			} else {
				row[i] = c.ToString()
			}
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func flat(rows [][]string) string {
	var parts []string
	for _, r := range rows {
		parts = append(parts, strings.Join(r, "|"))
	}
	return strings.Join(parts, ";")
}

func TestCreateInsertSelect(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE users (name TEXT, age INTEGER)")
	e.run("INSERT INTO users VALUES ('alice', 30), ('bob', 25)")
	got := flat(e.run("SELECT name, age FROM users ORDER BY name"))
	if got != "alice|30;bob|25" {
		t.Fatalf("got %q", got)
	}
}

func TestSelectStarAndWhere(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a TEXT, b INTEGER)")
	e.run("INSERT INTO t VALUES ('x', 1), ('y', 2), ('z', 3)")
	got := flat(e.run("SELECT * FROM t WHERE b > 1 ORDER BY b DESC"))
	if got != "z|3;y|2" {
		t.Fatalf("got %q", got)
	}
}

func TestLimitOffset(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE n (v INTEGER)")
	e.run("INSERT INTO n VALUES (1), (2), (3), (4), (5)")
	got := flat(e.run("SELECT v FROM n ORDER BY v LIMIT 2 OFFSET 1"))
	if got != "2;3" {
		t.Fatalf("got %q", got)
	}
}

func TestExpressionsAndParams(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a INTEGER, b INTEGER)")
	e.run("INSERT INTO t VALUES (6, 2)")
	got := flat(e.run("SELECT a+b, a-b, a*b, a/b, a%b, a||b FROM t"))
	if got != "8|4|12|3|0|62" {
		t.Fatalf("arithmetic got %q", got)
	}
	got = flat(e.run("SELECT a FROM t WHERE a = ?", vm.Int(6)))
	if got != "6" {
		t.Fatalf("param got %q", got)
	}
}

func TestThreeValuedWhere(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a INTEGER)")
	e.run("INSERT INTO t VALUES (1), (NULL), (3)")
	// NULL comparisons never match.
	got := flat(e.run("SELECT a FROM t WHERE a > 0 ORDER BY a"))
	if got != "1;3" {
		t.Fatalf("got %q", got)
	}
	got = flat(e.run("SELECT a FROM t WHERE a IS NULL"))
	if got != "<nil>" {
		t.Fatalf("IS NULL got %q", got)
	}
}

func TestLikeGlobInWhere(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (s TEXT)")
	e.run("INSERT INTO t VALUES ('apple'), ('Apricot'), ('banana')")
	got := flat(e.run("SELECT s FROM t WHERE s LIKE 'ap%' ORDER BY s"))
	if got != "Apricot;apple" {
		t.Fatalf("LIKE got %q", got)
	}
	got = flat(e.run("SELECT s FROM t WHERE s GLOB 'a*' ORDER BY s"))
	if got != "apple" {
		t.Fatalf("GLOB got %q", got)
	}
}

func TestInListAndSubquery(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (v TEXT)")
	e.run("INSERT INTO t VALUES ('a'), ('b'), ('c')")
	e.run("CREATE TABLE wanted (v TEXT)")
	e.run("INSERT INTO wanted VALUES ('a'), ('c')")
	got := flat(e.run("SELECT v FROM t WHERE v IN ('b', 'c') ORDER BY v"))
	if got != "b;c" {
		t.Fatalf("IN list got %q", got)
	}
	got = flat(e.run("SELECT v FROM t WHERE v IN (SELECT v FROM wanted) ORDER BY v"))
	if got != "a;c" {
		t.Fatalf("IN subquery got %q", got)
	}
	got = flat(e.run("SELECT v FROM t WHERE v NOT IN (SELECT v FROM wanted) ORDER BY v"))
	if got != "b" {
		t.Fatalf("NOT IN got %q", got)
	}
}

func TestGroupByAggregates(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE sales (region TEXT, amount INTEGER)")
	e.run("INSERT INTO sales VALUES ('east', 10), ('west', 20), ('east', 30), ('west', 5)")
	got := flat(e.run("SELECT region, count(*), sum(amount), min(amount), max(amount) FROM sales GROUP BY region ORDER BY region"))
	if got != "east|2|40|10|30;west|2|25|5|20" {
		t.Fatalf("got %q", got)
	}
	got = flat(e.run("SELECT region, avg(amount) FROM sales GROUP BY region HAVING sum(amount) > 30 ORDER BY region"))
	if got != "east|20" {
		t.Fatalf("having got %q", got)
	}
	got = flat(e.run("SELECT count(*) FROM sales"))
	if got != "4" {
		t.Fatalf("global count got %q", got)
	}
}

func TestUpdateTwoPass(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE acct (owner TEXT, bal INTEGER)")
	e.run("CREATE INDEX acct_owner ON acct (owner)")
	e.run("INSERT INTO acct VALUES ('a', 100), ('b', 200), ('c', 50)")
	e.run("UPDATE acct SET bal = bal + 10 WHERE bal < 150")
	got := flat(e.run("SELECT owner, bal FROM acct ORDER BY owner"))
	if got != "a|110;b|200;c|60" {
		t.Fatalf("got %q", got)
	}
	// The index still resolves every row after its keys were rewritten.
	got = flat(e.run("SELECT bal FROM acct WHERE owner = 'c'"))
	if got != "60" {
		t.Fatalf("index after update got %q", got)
	}
}

func TestDeleteWithIndex(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (k TEXT, v INTEGER)")
	e.run("CREATE INDEX t_k ON t (k)")
	e.run("INSERT INTO t VALUES ('a', 1), ('b', 2), ('c', 3)")
	e.run("DELETE FROM t WHERE v = 2")
	got := flat(e.run("SELECT k FROM t ORDER BY k"))
	if got != "a;c" {
		t.Fatalf("got %q", got)
	}
}

func TestUniqueConstraint(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE u (email TEXT UNIQUE)")
	e.run("INSERT INTO u VALUES ('x@y.z')")
	_, err := e.tryRun("INSERT INTO u VALUES ('x@y.z')")
	if kerr.CodeOf(err) != kerr.Constraint {
		t.Fatalf("duplicate insert = %v, want Constraint", err)
	}
	// The failed statement left the first row intact.
	got := flat(e.run("SELECT email FROM u"))
	if got != "x@y.z" {
		t.Fatalf("got %q", got)
	}
}

func TestNotNullConstraint(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a TEXT NOT NULL)")
	_, err := e.tryRun("INSERT INTO t VALUES (NULL)")
	if kerr.CodeOf(err) != kerr.Constraint {
		t.Fatalf("NULL insert = %v, want Constraint", err)
	}
}

func TestCreateIndexBackfill(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (name TEXT)")
	e.run("INSERT INTO t VALUES ('bob'), ('alice')")
	e.run("CREATE INDEX t_name ON t (name)")
	// Query through the catalog: the index entry exists with a root.
	got := e.run("SELECT type, name, tbl_name FROM __catalog__ WHERE type = 'index'")
	if flat(got) != "index|t_name|t" {
		t.Fatalf("catalog got %q", flat(got))
	}
	got2 := flat(e.run("SELECT name FROM t WHERE name = 'alice'"))
	if got2 != "alice" {
		t.Fatalf("got %q", got2)
	}
}

func TestDropTable(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE gone (a TEXT)")
	e.run("CREATE INDEX gone_a ON gone (a)")
	e.run("INSERT INTO gone VALUES ('x')")
	e.run("DROP TABLE gone")
	_, err := e.tryRun("SELECT * FROM gone")
	if err == nil {
		t.Fatal("dropped table still queryable")
	}
	if rows := e.run("SELECT name FROM __catalog__"); len(rows) != 0 {
		t.Fatalf("catalog still holds %v", rows)
	}
	if err := e.bt.CheckIntegrity([]pager.PageID{CatalogRoot}); err != nil {
		t.Fatalf("CheckIntegrity after drop: %v", err)
	}
}

func TestExplainListsProgram(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a TEXT)")
	rows := e.run("EXPLAIN SELECT a FROM t")
	if len(rows) < 3 {
		t.Fatalf("explain produced %d rows", len(rows))
	}
	found := false
	for _, r := range rows {
		if r[1] == "Rewind" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no Rewind in explain output: %v", rows)
	}
}

func TestPragmas(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a TEXT)")
	if got := flat(e.run("PRAGMA integrity_check")); got != "ok" {
		t.Fatalf("integrity_check = %q", got)
	}
	rows := e.run("PRAGMA schema_cookie")
	if len(rows) != 1 {
		t.Fatalf("schema_cookie rows = %v", rows)
	}
	rows = e.run("PRAGMA page_count")
	if len(rows) != 1 || rows[0][0] == "0" {
		t.Fatalf("page_count rows = %v", rows)
	}
}

func TestStaleStatementFailsWithSchema(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (a TEXT)")
	e.reload()
	compiled, err := Compile(e.bt, e.schema, "SELECT a FROM t", true)
	if err != nil {
		t.Fatal(err)
	}
	// DDL after compilation bumps the cookie.
	e.run("CREATE TABLE other (b TEXT)")
	machine := vm.New(e.bt, compiled.Prog, vm.Config{})
	err = machine.Run(nil)
	if kerr.CodeOf(err) != kerr.Schema {
		t.Fatalf("stale statement = %v, want Schema", err)
	}
}

func TestCopyFromFile(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE people (name TEXT, age INTEGER)")
	path := filepath.Join(t.TempDir(), "people.tsv")
	if err := os.WriteFile(path, []byte("ann\t31\nben\t42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.run("COPY people FROM '" + path + "'")
	got := flat(e.run("SELECT name, age FROM people ORDER BY name"))
	if got != "ann|31;ben|42" {
		t.Fatalf("got %q", got)
	}
}

func TestCaseExpression(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (v INTEGER)")
	e.run("INSERT INTO t VALUES (1), (2), (3)")
	got := flat(e.run("SELECT CASE WHEN v < 2 THEN 'low' WHEN v < 3 THEN 'mid' ELSE 'high' END FROM t ORDER BY v"))
	if got != "low;mid;high" {
		t.Fatalf("got %q", got)
	}
}

func TestScalarFunctions(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE t (s TEXT, n INTEGER)")
	e.run("INSERT INTO t VALUES ('hello', -7)")
	got := flat(e.run("SELECT length(s), substr(s, 2, 3), abs(n), coalesce(NULL, s), min(1, 2), max(1, 2) FROM t"))
	if got != "5|ell|7|hello|1|2" {
		t.Fatalf("got %q", got)
	}
}

func TestJoinTwoTables(t *testing.T) {
	e := newEnv(t)
	e.run("CREATE TABLE a (id INTEGER, name TEXT)")
	e.run("CREATE TABLE b (aid INTEGER, score INTEGER)")
	e.run("INSERT INTO a VALUES (1, 'x'), (2, 'y')")
	e.run("INSERT INTO b VALUES (1, 10), (2, 20), (1, 30)")
	got := flat(e.run("SELECT a.name, b.score FROM a, b WHERE a.id = b.aid ORDER BY b.score"))
	if got != "x|10;y|20;x|30" {
		t.Fatalf("got %q", got)
	}
}
