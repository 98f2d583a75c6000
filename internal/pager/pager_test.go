package pager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kestreldb/kestrel/internal/kerr"
)

func testPager(t *testing.T) (*Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, path
}

func TestAllocateAndReadBack(t *testing.T) {
	p, _ := testPager(t)
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(pg.Data, []byte("hello pager"))
	p.Release(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := p.Acquire(pg.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if string(got.Data[:11]) != "hello pager" {
		t.Fatalf("page content = %q", got.Data[:11])
	}
	p.Release(got)
}

func TestRollbackRestoresImage(t *testing.T) {
	p, _ := testPager(t)

	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	pg, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	copy(pg.Data, []byte("original"))
	p.Release(pg)
	id := pg.ID
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	pg, err = p.Acquire(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.MarkDirty(pg); err != nil {
		t.Fatal(err)
	}
	copy(pg.Data, []byte("clobbered"))
	p.Release(pg)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	pg, err = p.Acquire(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(pg.Data[:8]) != "original" {
		t.Fatalf("after rollback page = %q", pg.Data[:9])
	}
	p.Release(pg)
}

func TestRollbackShrinksFile(t *testing.T) {
	p, _ := testPager(t)
	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		pg, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		p.Release(pg)
	}
	if p.PageCount() != 3 {
		t.Fatalf("PageCount = %d, want 3", p.PageCount())
	}
	if err := p.Rollback(); err != nil {
		t.Fatal(err)
	}
	if p.PageCount() != 0 {
		t.Fatalf("PageCount after rollback = %d, want 0", p.PageCount())
	}
}

func TestCrashRecoveryViaJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.db")

	p, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	pg, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	copy(pg.Data, []byte("committed"))
	p.Release(pg)
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	// Start a second transaction, dirty the page, flush the dirty page to
	// the main file but "crash" before commit: the journal survives.
	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	pg, err = p.Acquire(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.MarkDirty(pg); err != nil {
		t.Fatal(err)
	}
	copy(pg.Data, []byte("uncommitt"))
	if err := p.jrnl.sync(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.back.WriteAt(pg.Data, 0); err != nil {
		t.Fatal(err)
	}
	p.back.Close() // simulate the crash; journal file left in place

	if _, err := os.Stat(journalPath(path)); err != nil {
		t.Fatalf("journal should exist after crash: %v", err)
	}

	p2, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	got, err := p2.Acquire(1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data[:9]) != "committed" {
		t.Fatalf("after recovery page = %q", got.Data[:9])
	}
	p2.Release(got)
	if _, err := os.Stat(journalPath(path)); !os.IsNotExist(err) {
		t.Fatalf("journal should be removed after recovery, stat err = %v", err)
	}
}

func TestDestructorRunsOnEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evict.db")
	cfg := DefaultConfig()
	cfg.CacheSize = 2
	p, err := Open(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	evicted := map[PageID]int{}
	p.SetDestructor(func(pg *Page) { evicted[pg.ID]++ })

	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	var ids []PageID
	for i := 0; i < 4; i++ {
		pg, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, pg.ID)
		p.Release(pg)
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	// Touch pages one at a time; the 2-page cache must evict, and each
	// eviction must run the destructor exactly once for that page.
	for _, id := range ids {
		pg, err := p.Acquire(id)
		if err != nil {
			t.Fatal(err)
		}
		p.Release(pg)
	}
	total := 0
	for id, n := range evicted {
		if n != 1 {
			t.Fatalf("page %d destructed %d times", id, n)
		}
		total++
	}
	if total == 0 {
		t.Fatal("no evictions happened with a 2-page cache and 4 pages")
	}
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.db")
	p, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	cfg := DefaultConfig()
	cfg.ReadOnly = true
	ro, err := Open(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	err = ro.BeginWrite()
	if kerr.CodeOf(err) != kerr.ReadOnly {
		t.Fatalf("BeginWrite on read-only = %v, want ReadOnly", err)
	}
}

func TestMemoryPager(t *testing.T) {
	p, err := Open(MemoryPath, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	pg, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	pg.Data[0] = 0xAB
	p.Release(pg)
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := p.Acquire(pg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data[0] != 0xAB {
		t.Fatalf("memory page byte = %#x", got.Data[0])
	}
	p.Release(got)
}
