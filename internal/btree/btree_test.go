package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

func testTree(t *testing.T) (*Btree, pager.PageID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.db")
	bt, err := Open(path, pager.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { bt.Close() })
	if err := bt.BeginTransaction(); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	root, err := bt.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return bt, root
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func mustInsertKV(t *testing.T, bt *Btree, root pager.PageID, key, data []byte) {
	t.Helper()
	c, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	defer c.Close()
	if err := c.Insert(key, data); err != nil {
		t.Fatalf("Insert(%q): %v", key, err)
	}
}

func lookup(t *testing.T, bt *Btree, root pager.PageID, key []byte) ([]byte, bool) {
	t.Helper()
	c, err := bt.OpenCursor(root, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	defer c.Close()
	res, err := c.MoveTo(key)
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if res != 0 {
		return nil, false
	}
	data, err := c.AllData()
	if err != nil {
		t.Fatalf("AllData: %v", err)
	}
	return data, true
}

func TestInsertLookupRoundTrip(t *testing.T) {
	bt, root := testTree(t)
	mustInsertKV(t, bt, root, []byte("k1"), []byte("v1"))

	got, ok := lookup(t, bt, root, []byte("k1"))
	if !ok || string(got) != "v1" {
		t.Fatalf("Lookup(k1) = %q, %v", got, ok)
	}
	if _, ok := lookup(t, bt, root, []byte("nope")); ok {
		t.Fatal("Lookup(nope) found something")
	}
}

func TestDuplicateKeyReplaces(t *testing.T) {
	bt, root := testTree(t)
	mustInsertKV(t, bt, root, []byte("k"), []byte("v1"))
	mustInsertKV(t, bt, root, []byte("k"), []byte("v2"))
	got, ok := lookup(t, bt, root, []byte("k"))
	if !ok || string(got) != "v2" {
		t.Fatalf("Lookup(k) = %q, %v; want v2", got, ok)
	}
}

func TestInsertDeleteLookupGone(t *testing.T) {
	bt, root := testTree(t)
	mustInsertKV(t, bt, root, []byte("k"), []byte("v"))

	c, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	if res, err := c.MoveTo([]byte("k")); err != nil || res != 0 {
		t.Fatalf("MoveTo = %d, %v", res, err)
	}
	if err := c.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	c.Close()
	if _, ok := lookup(t, bt, root, []byte("k")); ok {
		t.Fatal("key still present after delete")
	}
}

// TestSplitOrdering drives enough sequential inserts to force repeated
// leaf splits and a root split, then verifies a full scan returns every
// key in order.
func TestSplitOrdering(t *testing.T) {
	bt, root := testTree(t)
	const n = 500
	c, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := c.Insert(be32(uint32(i)), []byte(fmt.Sprintf("row-%d", i))); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	c.Close()

	if err := bt.CheckIntegrity([]pager.PageID{root}); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}

	rc, err := bt.OpenCursor(root, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	empty, err := rc.First()
	if err != nil || empty {
		t.Fatalf("First = empty %v, %v", empty, err)
	}
	for i := 0; i < n; i++ {
		key, err := rc.Key()
		if err != nil {
			t.Fatalf("Key at %d: %v", i, err)
		}
		if !bytes.Equal(key, be32(uint32(i))) {
			t.Fatalf("scan position %d has key %x", i, key)
		}
		past, err := rc.Next()
		if err != nil {
			t.Fatalf("Next at %d: %v", i, err)
		}
		if past != (i == n-1) {
			t.Fatalf("Next at %d: past = %v", i, past)
		}
	}
}

// TestRandomishInsertDelete interleaves inserts and deletes in a
// non-sequential order and checks both the surviving content and the
// structural invariants.
func TestRandomishInsertDelete(t *testing.T) {
	bt, root := testTree(t)
	live := map[uint32]bool{}
	c, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	// A fixed mixing constant walks the key space in a scattered order.
	for i := uint32(0); i < 400; i++ {
		k := (i * 2654435761) % 1000
		if err := c.Insert(be32(k), []byte(fmt.Sprintf("v%d", k))); err != nil {
			t.Fatalf("Insert %d: %v", k, err)
		}
		live[k] = true
	}
	for i := uint32(0); i < 400; i += 3 {
		k := (i * 2654435761) % 1000
		if !live[k] {
			continue
		}
		if res, err := c.MoveTo(be32(k)); err != nil || res != 0 {
			t.Fatalf("MoveTo %d = %d, %v", k, res, err)
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete %d: %v", k, err)
		}
		delete(live, k)
	}
	c.Close()

	if err := bt.CheckIntegrity([]pager.PageID{root}); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	for k := range live {
		got, ok := lookup(t, bt, root, be32(k))
		if !ok || string(got) != fmt.Sprintf("v%d", k) {
			t.Fatalf("key %d: got %q, %v", k, got, ok)
		}
	}
	// Deleted keys really are gone.
	rc, _ := bt.OpenCursor(root, false)
	defer rc.Close()
	count := 0
	empty, err := rc.First()
	if err != nil {
		t.Fatal(err)
	}
	for !empty {
		count++
		past, err := rc.Next()
		if err != nil {
			t.Fatal(err)
		}
		if past {
			break
		}
	}
	if count != len(live) {
		t.Fatalf("scan found %d entries, want %d", count, len(live))
	}
}

// TestOverflowBoundary pins the local-payload threshold: a payload of
// exactly maxLocal bytes stays on the page; one more byte creates
// exactly one overflow page.
func TestOverflowBoundary(t *testing.T) {
	bt, root := testTree(t)
	key := []byte("k")
	atLimit := make([]byte, bt.maxLocal-len(key))
	for i := range atLimit {
		atLimit[i] = byte('a' + i%26)
	}

	before := bt.PageCount()
	mustInsertKV(t, bt, root, key, atLimit)
	if got := bt.PageCount(); got != before {
		t.Fatalf("at-threshold payload allocated %d overflow pages", got-before)
	}

	overLimit := append(atLimit, 'z')
	mustInsertKV(t, bt, root, []byte("m"), overLimit)
	if got := bt.PageCount(); got != before+1 {
		t.Fatalf("threshold+1 payload allocated %d pages, want 1", got-before)
	}

	got, ok := lookup(t, bt, root, []byte("m"))
	if !ok || !bytes.Equal(got, overLimit) {
		t.Fatal("overflow payload did not round-trip")
	}
	if err := bt.CheckIntegrity([]pager.PageID{root}); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
}

// TestLargePayloadRoundTrip pushes a payload across several overflow
// pages and reads it back both whole and in slices.
func TestLargePayloadRoundTrip(t *testing.T) {
	bt, root := testTree(t)
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	mustInsertKV(t, bt, root, []byte("big"), data)

	c, _ := bt.OpenCursor(root, false)
	defer c.Close()
	if res, err := c.MoveTo([]byte("big")); err != nil || res != 0 {
		t.Fatalf("MoveTo = %d, %v", res, err)
	}
	sz, err := c.DataSize()
	if err != nil || sz != len(data) {
		t.Fatalf("DataSize = %d, %v", sz, err)
	}
	whole, err := c.AllData()
	if err != nil || !bytes.Equal(whole, data) {
		t.Fatalf("AllData mismatch (err %v)", err)
	}
	mid, err := c.Data(2000, 100)
	if err != nil || !bytes.Equal(mid, data[2000:2100]) {
		t.Fatalf("Data(2000,100) mismatch (err %v)", err)
	}
	if err := bt.CheckIntegrity([]pager.PageID{root}); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
}

// TestFreePageReuse deletes enough rows to free pages, then checks that
// subsequent growth reuses them instead of extending the file.
func TestFreePageReuse(t *testing.T) {
	bt, root := testTree(t)
	c, _ := bt.OpenCursor(root, true)
	for i := 0; i < 300; i++ {
		if err := c.Insert(be32(uint32(i)), bytes.Repeat([]byte("x"), 100)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 300; i++ {
		if res, err := c.MoveTo(be32(uint32(i))); err != nil || res != 0 {
			t.Fatalf("MoveTo %d = %d, %v", i, res, err)
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete %d: %v", i, err)
		}
	}
	c.Close()
	free, err := bt.FreePageCount()
	if err != nil {
		t.Fatal(err)
	}
	if free == 0 {
		t.Fatal("emptying the tree freed no pages")
	}
	if err := bt.CheckIntegrity([]pager.PageID{root}); err != nil {
		t.Fatalf("CheckIntegrity after mass delete: %v", err)
	}

	pages := bt.PageCount()
	c2, _ := bt.OpenCursor(root, true)
	if err := c2.Insert([]byte("reuse"), bytes.Repeat([]byte("y"), 2000)); err != nil {
		t.Fatal(err)
	}
	c2.Close()
	if bt.PageCount() != pages {
		t.Fatalf("insert extended the file from %d to %d pages despite %d free",
			pages, bt.PageCount(), free)
	}
}

func TestClearAndDropTable(t *testing.T) {
	bt, root := testTree(t)
	c, _ := bt.OpenCursor(root, true)
	for i := 0; i < 200; i++ {
		if err := c.Insert(be32(uint32(i)), []byte("payload")); err != nil {
			t.Fatal(err)
		}
	}
	c.Close()

	if err := bt.ClearTable(root); err != nil {
		t.Fatalf("ClearTable: %v", err)
	}
	rc, _ := bt.OpenCursor(root, false)
	empty, err := rc.First()
	rc.Close()
	if err != nil || !empty {
		t.Fatalf("cleared table not empty: %v, %v", empty, err)
	}
	if err := bt.CheckIntegrity([]pager.PageID{root}); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if err := bt.DropTable(root); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if err := bt.CheckIntegrity(nil); err != nil {
		t.Fatalf("CheckIntegrity after drop: %v", err)
	}
}

func TestRollbackRevertsInsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rb.db")
	bt, err := Open(path, pager.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer bt.Close()

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
	cookieBefore, err := bt.SchemaCookie()
	if err != nil {
		t.Fatal(err)
	}

	if err := bt.BeginTransaction(); err != nil {
		t.Fatal(err)
	}
	c, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Insert(be32(1), []byte("x")); err != nil {
		t.Fatal(err)
	}
	c.Close()
	if err := bt.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, ok := lookup2(t, bt, root, be32(1)); ok {
		t.Fatal("row survived rollback")
	}
	cookieAfter, err := bt.SchemaCookie()
	if err != nil {
		t.Fatal(err)
	}
	if cookieAfter != cookieBefore {
		t.Fatalf("schema cookie changed across rollback: %d -> %d", cookieBefore, cookieAfter)
	}
}

// lookup2 is lookup for trees without an active transaction.
func lookup2(t *testing.T, bt *Btree, root pager.PageID, key []byte) ([]byte, bool) {
	t.Helper()
	c, err := bt.OpenCursor(root, false)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	res, err := c.MoveTo(key)
	if err != nil {
		t.Fatal(err)
	}
	if res != 0 {
		return nil, false
	}
	d, err := c.AllData()
	if err != nil {
		t.Fatal(err)
	}
	return d, true
}

func TestCommitRequiresCursorsClosed(t *testing.T) {
	bt, root := testTree(t)
	c, err := bt.OpenCursor(root, false)
	if err != nil {
		t.Fatal(err)
	}
	err = bt.Commit()
	if kerr.CodeOf(err) != kerr.Misuse {
		t.Fatalf("Commit with open cursor = %v, want Misuse", err)
	}
	c.Close()
	if err := bt.Commit(); err != nil {
		t.Fatalf("Commit after close: %v", err)
	}
}

func TestSecondWriteCursorIsBusy(t *testing.T) {
	bt, root := testTree(t)
	c1, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	_, err = bt.OpenCursor(root, true)
	if kerr.CodeOf(err) != kerr.Busy {
		t.Fatalf("second write cursor = %v, want Busy", err)
	}
}

func TestSchemaCookieMonotone(t *testing.T) {
	bt, _ := testTree(t)
	v, err := bt.SchemaCookie()
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.SetSchemaCookie(v + 1); err != nil {
		t.Fatal(err)
	}
	got, err := bt.SchemaCookie()
	if err != nil || got != v+1 {
		t.Fatalf("cookie = %d, %v; want %d", got, err, v+1)
	}
}

func TestCursorSurvivesInsertByOtherCursor(t *testing.T) {
	bt, root := testTree(t)
	w, err := bt.OpenCursor(root, true)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for i := 0; i < 50; i++ {
		if err := w.Insert(be32(uint32(i * 2)), []byte("even")); err != nil {
			t.Fatal(err)
		}
	}

	r, err := bt.OpenCursor(root, false)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.First(); err != nil {
		t.Fatal(err)
	}
	// Splitting inserts through the write cursor must not derail the
	// reader: it re-seeks by key and the scan stays in order.
	seen := 0
	var last []byte
	for {
		if seen < 20 {
			if err := w.Insert(be32(uint32(1000+seen)), []byte("filler")); err != nil {
				t.Fatal(err)
			}
		}
		key, err := r.Key()
		if err != nil {
			t.Fatal(err)
		}
		if last != nil && bytes.Compare(last, key) >= 0 {
			t.Fatalf("scan went backwards: %x after %x", key, last)
		}
		last = append(last[:0], key...)
		seen++
		past, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if past {
			break
		}
	}
	if seen < 50 {
		t.Fatalf("scan saw only %d entries", seen)
	}
}
