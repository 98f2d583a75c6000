package vm

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

func testDB(t *testing.T) *btree.Btree {
	t.Helper()
	bt, err := btree.Open(filepath.Join(t.TempDir(), "vm.db"), pager.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { bt.Close() })
	return bt
}

func newTable(t *testing.T, bt *btree.Btree) pager.PageID {
	t.Helper()
	if err := bt.BeginTransaction(); err != nil {
		t.Fatal(err)
	}
	root, err := bt.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.Commit(); err != nil {
		t.Fatal(err)
	}
	return root
}

func runProg(t *testing.T, bt *btree.Btree, p *Program) [][]Mem {
	t.Helper()
	if err := p.FixupLabels(); err != nil {
		t.Fatalf("FixupLabels: %v", err)
	}
	var rows [][]Mem
	machine := New(bt, p, Config{Seed: []byte("test-seed")})
	err := machine.Run(func(cols []Mem, _ []string) error {
		row := make([]Mem, len(cols))
		for i, c := range cols {
			row[i] = c.Dup()
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rows
}

// TestCreateInsertScan is the create/insert/scan scenario: two rows go
// in through a write cursor, a read scan emits them in rowid order.
func TestCreateInsertScan(t *testing.T) {
	bt := testDB(t)
	root := newTable(t, bt)

	p := &Program{}
	p.Emit(OpTransaction, 0, 0, "")
	p.Emit(OpOpenWrite, 0, int(root), "t")
	p.Emit(OpInteger, 1, 0, "")
	p.Emit(OpString, 0, 0, "alice")
	p.Emit(OpMakeRecord, 1, 0, "")
	p.Emit(OpPut, 0, 0, "")
	p.Emit(OpInteger, 2, 0, "")
	p.Emit(OpString, 0, 0, "bob")
	p.Emit(OpMakeRecord, 1, 0, "")
	p.Emit(OpPut, 0, 0, "")
	p.Emit(OpClose, 0, 0, "")
	p.Emit(OpCommit, 0, 0, "")

	p.Emit(OpColumnCount, 1, 0, "")
	p.Emit(OpOpen, 0, int(root), "t")
	done := p.NewLabel()
	p.Emit(OpRewind, 0, done, "")
	loop := p.Here()
	p.Emit(OpColumn, 0, 0, "")
	p.Emit(OpCallback, 1, 0, "")
	p.Emit(OpNext, 0, done, "")
	p.Emit(OpGoto, 0, loop, "")
	p.ResolveLabel(done, p.Here())
	p.Emit(OpClose, 0, 0, "")

	rows := runProg(t, bt, p)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0][0].ToString() != "alice" || rows[1][0].ToString() != "bob" {
		t.Fatalf("rows = %v", rows)
	}
}

// TestIndexLookup is the index scenario: MakeKey("bob"), BeginIdx,
// NextIdx must leave rowid 2 on the stack.
func TestIndexLookup(t *testing.T) {
	bt := testDB(t)
	idx := newTable(t, bt)

	p := &Program{}
	p.Emit(OpTransaction, 0, 0, "")
	p.Emit(OpOpenWrite, 1, int(idx), "i")
	p.Emit(OpInteger, 1, 0, "")
	p.Emit(OpString, 0, 0, "alice")
	p.Emit(OpMakeIdxKey, 1, 0, "")
	p.Emit(OpPutIdx, 1, 0, "")
	p.Emit(OpInteger, 2, 0, "")
	p.Emit(OpString, 0, 0, "bob")
	p.Emit(OpMakeIdxKey, 1, 0, "")
	p.Emit(OpPutIdx, 1, 0, "")
	p.Emit(OpClose, 1, 0, "")
	p.Emit(OpCommit, 0, 0, "")

	p.Emit(OpColumnCount, 1, 0, "")
	p.Emit(OpOpen, 1, int(idx), "i")
	notFound := p.NewLabel()
	p.Emit(OpString, 0, 0, "bob")
	p.Emit(OpMakeKey, 1, 0, "")
	p.Emit(OpBeginIdx, 1, 0, "")
	p.Emit(OpNextIdx, 1, notFound, "")
	p.Emit(OpCallback, 1, 0, "")
	p.ResolveLabel(notFound, p.Here())
	p.Emit(OpClose, 1, 0, "")

	rows := runProg(t, bt, p)
	if len(rows) != 1 || rows[0][0].ToInt() != 2 {
		t.Fatalf("index lookup rows = %v, want [[2]]", rows)
	}
}

// TestAggregator drives AggReset/AggFocus/AggIncr/AggNext over the
// inputs (x,1), (y,2), (x,3) and expects exactly (x,4) and (y,2).
func TestAggregator(t *testing.T) {
	bt := testDB(t)

	p := &Program{}
	p.Emit(OpColumnCount, 2, 0, "")
	p.Emit(OpAggReset, 0, 1, "")
	for _, in := range []struct {
		key string
		val int
	}{{"x", 1}, {"y", 2}, {"x", 3}} {
		p.Emit(OpString, 0, 0, in.key)
		p.Emit(OpAggFocus, 0, p.Here()+1, "")
		p.Emit(OpAggIncr, in.val, 0, "")
	}
	done := p.NewLabel()
	loop := p.Here()
	p.Emit(OpAggNext, 0, done, "")
	p.Emit(OpAggGet, 0, 0, "")
	p.Emit(OpCallback, 2, 0, "")
	p.Emit(OpGoto, 0, loop, "")
	p.ResolveLabel(done, p.Here())

	rows := runProg(t, bt, p)
	if len(rows) != 2 {
		t.Fatalf("got %d buckets, want 2", len(rows))
	}
	got := map[string]int64{}
	for _, r := range rows {
		got[r[0].ToString()] = r[1].ToInt()
	}
	if got["x"] != 4 || got["y"] != 2 {
		t.Fatalf("aggregation = %v", got)
	}
}

// TestSorter checks the sorter scenario: payloads 1,2,3 under keys
// c,a,b come back as 2,3,1.
func TestSorter(t *testing.T) {
	bt := testDB(t)

	p := &Program{}
	p.Emit(OpColumnCount, 1, 0, "")
	p.Emit(OpSortOpen, 0, 0, "")
	for _, in := range []struct {
		key string
		val int
	}{{"c", 1}, {"a", 2}, {"b", 3}} {
		p.Emit(OpInteger, in.val, 0, "")
		p.Emit(OpString, 0, 0, in.key)
		p.Emit(OpSortPut, 0, 0, "")
	}
	p.Emit(OpSort, 0, 0, "")
	done := p.NewLabel()
	loop := p.Here()
	p.Emit(OpSortNext, 0, done, "")
	p.Emit(OpCallback, 1, 0, "")
	p.Emit(OpGoto, 0, loop, "")
	p.ResolveLabel(done, p.Here())
	p.Emit(OpSortClose, 0, 0, "")

	rows := runProg(t, bt, p)
	want := []int64{2, 3, 1}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows", len(rows))
	}
	for i, w := range want {
		if rows[i][0].ToInt() != w {
			t.Fatalf("row %d = %v, want %d", i, rows[i][0], w)
		}
	}
}

// TestTransactionRollback inserts inside a transaction, rolls back, and
// verifies the row is gone and the schema cookie untouched.
func TestTransactionRollback(t *testing.T) {
	bt := testDB(t)
	root := newTable(t, bt)
	cookieBefore, err := bt.SchemaCookie()
	if err != nil {
		t.Fatal(err)
	}

	p := &Program{}
	p.Emit(OpTransaction, 0, 0, "")
	p.Emit(OpOpenWrite, 0, int(root), "t")
	p.Emit(OpInteger, 1, 0, "")
	p.Emit(OpString, 0, 0, "x")
	p.Emit(OpMakeRecord, 1, 0, "")
	p.Emit(OpPut, 0, 0, "")
	p.Emit(OpRollback, 0, 0, "")
	runProg(t, bt, p)

	q := &Program{}
	q.Emit(OpColumnCount, 1, 0, "")
	q.Emit(OpOpen, 0, int(root), "t")
	done := q.NewLabel()
	q.Emit(OpRewind, 0, done, "")
	loop := q.Here()
	q.Emit(OpColumn, 0, 0, "")
	q.Emit(OpCallback, 1, 0, "")
	q.Emit(OpNext, 0, done, "")
	q.Emit(OpGoto, 0, loop, "")
	q.ResolveLabel(done, q.Here())
	rows := runProg(t, bt, q)
	if len(rows) != 0 {
		t.Fatalf("row survived rollback: %v", rows)
	}
	cookieAfter, err := bt.SchemaCookie()
	if err != nil {
		t.Fatal(err)
	}
	if cookieAfter != cookieBefore {
		t.Fatalf("cookie changed across rollback: %d -> %d", cookieBefore, cookieAfter)
	}
}

// TestRecordRoundTrip checks MakeRecord-then-Column yields the inputs.
func TestRecordRoundTrip(t *testing.T) {
	vals := []Mem{Str("alice"), Null(), Int(42), Str(""), Real(2.5)}
	rec, err := EncodeRecord(vals)
	if err != nil {
		t.Fatal(err)
	}
	n, err := RecordColumnCount(rec)
	if err != nil || n != len(vals) {
		t.Fatalf("column count = %d, %v", n, err)
	}
	for i, want := range vals {
		got, err := DecodeColumn(rec, i)
		if err != nil {
			t.Fatalf("column %d: %v", i, err)
		}
		if want.IsNull() {
			if !got.IsNull() {
				t.Fatalf("column %d = %v, want NULL", i, got)
			}
			continue
		}
		if got.ToString() != want.ToString() {
			t.Fatalf("column %d = %q, want %q", i, got.ToString(), want.ToString())
		}
	}
}

func TestIdxKeyRowidSuffix(t *testing.T) {
	key := EncodeIdxKey([]Mem{Str("bob"), Str("smith")}, 7)
	rid, err := IdxKeyRowid(key)
	if err != nil || rid != 7 {
		t.Fatalf("rowid = %d, %v", rid, err)
	}
	plain := EncodeKey([]Mem{Str("bob"), Str("smith")})
	if len(key) != len(plain)+4 || string(key[:len(plain)]) != string(plain) {
		t.Fatal("index key does not extend the plain key")
	}
}

func TestNewRecnoNeverCollides(t *testing.T) {
	bt := testDB(t)
	root := newTable(t, bt)
	if err := bt.BeginTransaction(); err != nil {
		t.Fatal(err)
	}
	cur, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()

	machine := New(bt, &Program{}, Config{Seed: []byte("s")})
	c := &vmCursor{cur: cur, root: root}
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		id, err := machine.newRecno(c)
		if err != nil {
			t.Fatalf("newRecno: %v", err)
		}
		if id <= 0 || seen[id] {
			t.Fatalf("rowid %d repeated or non-positive", id)
		}
		seen[id] = true
		if err := cur.Insert(RowidKey(id), []byte("r")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLikeGlobMatch(t *testing.T) {
	cases := []struct {
		fn      func(p, s string) bool
		pattern string
		s       string
		want    bool
	}{
		{LikeMatch, "a%", "Apple", true},
		{LikeMatch, "%LE", "apple", true},
		{LikeMatch, "a_c", "abc", true},
		{LikeMatch, "a_c", "abbc", false},
		{LikeMatch, "%b%", "abc", true},
		{LikeMatch, "abc", "abc", true},
		{LikeMatch, "abc", "abd", false},
		{GlobMatch, "a*", "apple", true},
		{GlobMatch, "a*", "Apple", false},
		{GlobMatch, "a?c", "abc", true},
		{GlobMatch, "[a-c]x", "bx", true},
		{GlobMatch, "[^a-c]x", "dx", true},
		{GlobMatch, "[^a-c]x", "bx", false},
		{GlobMatch, "*.txt", "notes.txt", true},
	}
	for _, tc := range cases {
		if got := tc.fn(tc.pattern, tc.s); got != tc.want {
			t.Errorf("match(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
	// Adversarial pattern: many wildcards must not blow the stack.
	long := ""
	for i := 0; i < 2000; i++ {
		long += "a%"
	}
	if !LikeMatch(long, stringOf('a', 3001)) {
		t.Error("wildcard-heavy pattern should match")
	}
}

func stringOf(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func TestSorterStability(t *testing.T) {
	var s Sorter
	s.Put([]byte("k"), Int(1))
	s.Put([]byte("k"), Int(2))
	s.Put([]byte("a"), Int(3))
	s.Sort()
	var got []int64
	for {
		v, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, v.ToInt())
	}
	want := []int64{3, 1, 2}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("sorted = %v, want %v", got, want)
	}
}

func TestInterruptAbortsAndRollsBack(t *testing.T) {
	bt := testDB(t)
	root := newTable(t, bt)

	p := &Program{}
	p.Emit(OpTransaction, 0, 0, "")
	p.Emit(OpOpenWrite, 0, int(root), "t")
	p.Emit(OpInteger, 1, 0, "")
	p.Emit(OpString, 0, 0, "x")
	p.Emit(OpMakeRecord, 1, 0, "")
	p.Emit(OpPut, 0, 0, "")
	p.Emit(OpColumnCount, 0, 0, "")
	p.Emit(OpCallback, 0, 0, "")
	p.Emit(OpCommit, 0, 0, "")
	if err := p.FixupLabels(); err != nil {
		t.Fatal(err)
	}

	var flag atomic.Bool
	machine := New(bt, p, Config{Interrupt: &flag})
	// Run up to the pause point after the Put, then interrupt before the
	// commit can happen.
	res, err := machine.Step()
	if err != nil || res != StepRow {
		t.Fatalf("first Step = %v, %v; want StepRow", res, err)
	}
	flag.Store(true)
	_, err = machine.Step()
	if kerr.CodeOf(err) != kerr.Interrupt {
		t.Fatalf("interrupted step = %v, want Interrupt", err)
	}
	if bt.InTransaction() {
		t.Fatal("transaction survived the interrupt")
	}
	if flag.Load() {
		t.Fatal("interrupt flag not cleared on unwind")
	}
}

func TestVerifyCookieMismatch(t *testing.T) {
	bt := testDB(t)
	p := &Program{}
	p.Emit(OpVerifyCookie, 99, 0, "")
	if err := p.FixupLabels(); err != nil {
		t.Fatal(err)
	}
	machine := New(bt, p, Config{})
	_, err := machine.Step()
	if kerr.CodeOf(err) != kerr.Schema {
		t.Fatalf("VerifyCookie mismatch = %v, want Schema", err)
	}
}
