// Package pager maps page numbers to in-memory page images and provides
// transactional writes with rollback. It is the cache-and-durability layer
// beneath the B-tree: the B-tree asks for pinned pages by number, marks
// them dirty before modifying them, and relies on the pager to make a
// write transaction atomic (commit) or invisible (rollback, crash).
//
// Pages are ref-counted. Acquire pins a page, Release unpins it; only
// unpinned, clean pages are eligible for eviction when the cache is over
// its configured size. A destructor callback, if set, runs exactly once
// for each page as it leaves the cache.
//
// Durability uses a rollback journal: the first time a page is dirtied
// inside a write transaction, its original image is appended to a side
// file together with a BLAKE3 checksum. Commit flushes dirty pages and
// deletes the journal; rollback (or crash recovery on the next open)
// plays the journal back and truncates the file to its pre-transaction
// length.
package pager

import (
	"fmt"
	"sync"

	"github.com/kestreldb/kestrel/internal/kerr"
)

// PageID is a 1-based page number. Page 1 is owned by the layer above
// (it holds the database header); 0 is never a valid page.
type PageID uint32

// InvalidPageID is the zero PageID, used as a nil page reference.
const InvalidPageID PageID = 0

const (
	// DefaultPageSize is the nominal page size. It is a configuration
	// choice fixed at database creation; all pages in one file share it.
	DefaultPageSize = 1024

	// DefaultCacheSize is the default number of cached page images.
	DefaultCacheSize = 256
)

// Config carries the tunables for one Pager.
type Config struct {
	PageSize  int
	CacheSize int
	ReadOnly  bool

	// BusyRetry, when non-nil, is invoked with a 0-based attempt count
	// each time a lock acquisition finds the file locked by someone
	// else. Returning true retries; returning false surfaces Busy.
	BusyRetry func(attempt int) bool
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{PageSize: DefaultPageSize, CacheSize: DefaultCacheSize}
}

// Page is one pinned page image. Callers must call MarkDirty before the
// first modification of Data within a write transaction, and must not
// touch Data after releasing their pin.
type Page struct {
	ID   PageID
	Data []byte

	pins      int
	dirty     bool
	journaled bool
}

// Pinned reports whether any caller still holds a pin on the page.
func (pg *Page) Pinned() bool { return pg.pins > 0 }

// Pager is the page cache for one database file (or one in-memory
// database). It is used by a single connection; the mutex only guards
// against the background checkpointer.
type Pager struct {
	mu sync.Mutex

	path      string
	back      backing
	lock      fileLock
	pageSize  int
	cacheSize int
	readOnly  bool
	busyRetry func(int) bool

	cache map[PageID]*Page

	nPages    uint32 // current page count, including uncommitted growth
	origPages uint32 // page count as of BeginWrite

	inWrite      bool
	mustRollback bool
	jrnl         *journal

	destructor func(*Page)
}

// MemoryPath opens an in-memory database that vanishes on Close.
const MemoryPath = ":memory:"

// Open opens (creating if necessary) the database file at path and takes
// a shared lock on it. Pass MemoryPath for a throwaway in-memory pager.
func Open(path string, cfg Config) (*Pager, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	p := &Pager{
		path:      path,
		pageSize:  cfg.PageSize,
		cacheSize: cfg.CacheSize,
		readOnly:  cfg.ReadOnly,
		busyRetry: cfg.BusyRetry,
		cache:     make(map[PageID]*Page),
	}
	if path == MemoryPath {
		p.back = newMemBacking()
		p.lock = noopLock{}
	} else {
		b, err := openFileBacking(path, cfg.ReadOnly)
		if err != nil {
			return nil, kerr.Wrap(kerr.CantOpen, err, "open %q", path)
		}
		p.back = b
		p.lock = newFileLock(b)
	}
	if err := p.acquireLock(lockShared); err != nil {
		p.back.Close()
		return nil, err
	}
	size, err := p.back.Size()
	if err != nil {
		p.back.Close()
		return nil, kerr.Wrap(kerr.IoErr, err, "stat %q", path)
	}
	if size%int64(p.pageSize) != 0 {
		p.back.Close()
		return nil, kerr.New(kerr.Corrupt, "file size %d is not a multiple of page size %d", size, p.pageSize)
	}
	p.nPages = uint32(size / int64(p.pageSize))
	p.origPages = p.nPages

	// A leftover journal means the last writer died mid-transaction;
	// play it back before handing out any page.
	if path != MemoryPath && !cfg.ReadOnly {
		if err := recoverJournal(p.back, journalPath(path), p.pageSize); err != nil {
			p.back.Close()
			return nil, err
		}
		size, err = p.back.Size()
		if err != nil {
			p.back.Close()
			return nil, kerr.Wrap(kerr.IoErr, err, "stat %q after recovery", path)
		}
		p.nPages = uint32(size / int64(p.pageSize))
		p.origPages = p.nPages
	}
	return p, nil
}

// PageSize returns the page size this pager was opened with.
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount returns the number of pages, including pages allocated by the
// current (uncommitted) write transaction.
func (p *Pager) PageCount() uint32 { return p.nPages }

// ReadOnly reports whether the pager refuses write transactions.
func (p *Pager) ReadOnly() bool { return p.readOnly }

// SetDestructor installs fn to be called exactly once per page as it is
// evicted from the cache (its pin count is zero and the image is about
// to be dropped). fn must not re-enter the pager.
func (p *Pager) SetDestructor(fn func(*Page)) { p.destructor = fn }

// Acquire returns a pinned image of page id, reading it from the file on
// a cache miss. Pages past the end of the file (allocated but never
// written) come back zeroed.
func (p *Pager) Acquire(id PageID) (*Page, error) {
	if id == InvalidPageID || uint32(id) > p.nPages {
		return nil, kerr.New(kerr.Corrupt, "page %d out of range (have %d pages)", id, p.nPages)
	}
	if pg, ok := p.cache[id]; ok {
		pg.pins++
		return pg, nil
	}
	p.evictIfFull()
	pg := &Page{ID: id, Data: make([]byte, p.pageSize), pins: 1}
	off := int64(id-1) * int64(p.pageSize)
	size, err := p.back.Size()
	if err != nil {
		return nil, kerr.Wrap(kerr.IoErr, err, "stat")
	}
	if off < size {
		if _, err := p.back.ReadAt(pg.Data, off); err != nil {
			return nil, kerr.Wrap(kerr.IoErr, err, "read page %d", id)
		}
	}
	p.cache[id] = pg
	return pg, nil
}

// Release drops one pin from pg. A clean page whose last pin goes while
// the cache is over its configured size leaves the cache right away.
func (p *Pager) Release(pg *Page) {
	if pg == nil {
		return
	}
	if pg.pins > 0 {
		pg.pins--
	}
	if pg.pins == 0 && !pg.dirty && len(p.cache) > p.cacheSize && p.cache[pg.ID] == pg {
		p.dropPage(pg.ID, pg)
	}
}

// MarkDirty must be called before the first modification of pg.Data in
// the current write transaction. It journals the page's original image
// so rollback can restore it.
func (p *Pager) MarkDirty(pg *Page) error {
	if !p.inWrite {
		return kerr.New(kerr.Misuse, "MarkDirty outside a write transaction")
	}
	if p.mustRollback {
		return kerr.New(kerr.IoErr, "transaction must roll back")
	}
	if !pg.journaled && uint32(pg.ID) <= p.origPages && p.jrnl != nil {
		if err := p.jrnl.writePage(pg.ID, pg.Data); err != nil {
			p.mustRollback = true
			return err
		}
	}
	pg.journaled = true
	pg.dirty = true
	return nil
}

// Allocate grows the file by one page and returns it pinned, zeroed, and
// already marked dirty.
func (p *Pager) Allocate() (*Page, error) {
	if !p.inWrite {
		return nil, kerr.New(kerr.Misuse, "Allocate outside a write transaction")
	}
	p.evictIfFull()
	p.nPages++
	id := PageID(p.nPages)
	pg := &Page{ID: id, Data: make([]byte, p.pageSize), pins: 1, dirty: true, journaled: true}
	p.cache[id] = pg
	return pg, nil
}

// BeginWrite upgrades to an exclusive lock and opens the rollback
// journal. Fails with Busy if another connection holds a conflicting
// lock and the busy handler (if any) gives up.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return kerr.New(kerr.ReadOnly, "database is read-only")
	}
	if p.inWrite {
		return kerr.New(kerr.Misuse, "write transaction already active")
	}
	if err := p.acquireLock(lockExclusive); err != nil {
		return err
	}
	if p.path != MemoryPath {
		j, err := createJournal(journalPath(p.path), p.pageSize, p.nPages)
		if err != nil {
			p.downgradeLock()
			return err
		}
		p.jrnl = j
	}
	p.origPages = p.nPages
	p.inWrite = true
	p.mustRollback = false
	return nil
}

// InWrite reports whether a write transaction is active.
func (p *Pager) InWrite() bool { return p.inWrite }

// MustRollback reports whether an I/O failure has poisoned the active
// write transaction; Commit refuses to run in that state.
func (p *Pager) MustRollback() bool { return p.mustRollback }

// SetMustRollback poisons the active transaction. The B-tree calls this
// when a structural modification fails half-way.
func (p *Pager) SetMustRollback() {
	if p.inWrite {
		p.mustRollback = true
	}
}

// Commit makes every page dirtied since BeginWrite durable, then removes
// the journal and downgrades back to a shared lock.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inWrite {
		return kerr.New(kerr.Misuse, "Commit outside a write transaction")
	}
	if p.mustRollback {
		return kerr.New(kerr.IoErr, "transaction must roll back")
	}
	// Make the journal durable first: once dirty pages start landing in
	// the main file, a crash must find a complete journal to undo them.
	if p.jrnl != nil {
		if err := p.jrnl.sync(); err != nil {
			p.mustRollback = true
			return err
		}
	}
	for _, pg := range p.cache {
		if !pg.dirty {
			continue
		}
		off := int64(pg.ID-1) * int64(p.pageSize)
		if _, err := p.back.WriteAt(pg.Data, off); err != nil {
			p.mustRollback = true
			return kerr.Wrap(kerr.IoErr, err, "write page %d", pg.ID)
		}
	}
	if err := p.back.Sync(); err != nil {
		p.mustRollback = true
		return kerr.Wrap(kerr.IoErr, err, "sync")
	}
	if p.jrnl != nil {
		p.jrnl.remove()
		p.jrnl = nil
	}
	for _, pg := range p.cache {
		pg.dirty = false
		pg.journaled = false
	}
	p.origPages = p.nPages
	p.inWrite = false
	p.downgradeLock()
	return nil
}

// Rollback restores the pre-BeginWrite state: journaled images are
// written back, file growth is truncated away, and cached copies of
// touched pages are refreshed.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inWrite {
		return nil
	}
	if p.jrnl != nil {
		if err := p.jrnl.playback(p.back); err != nil {
			return err
		}
		p.jrnl.remove()
		p.jrnl = nil
	}
	if err := p.back.Truncate(int64(p.origPages) * int64(p.pageSize)); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "truncate on rollback")
	}
	// Drop or refresh every touched page so readers never see rolled-back
	// bytes.
	for id, pg := range p.cache {
		if !pg.dirty && !pg.journaled {
			continue
		}
		if uint32(id) > p.origPages {
			p.dropPage(id, pg)
			continue
		}
		off := int64(id-1) * int64(p.pageSize)
		if _, err := p.back.ReadAt(pg.Data, off); err != nil {
			return kerr.Wrap(kerr.IoErr, err, "reread page %d on rollback", id)
		}
		pg.dirty = false
		pg.journaled = false
	}
	p.nPages = p.origPages
	p.inWrite = false
	p.mustRollback = false
	p.downgradeLock()
	return nil
}

// Checkpoint forces buffered file-system state to disk. It is a no-op
// while a write transaction is active (Commit handles that case) and is
// safe to call from a background goroutine.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inWrite {
		return nil
	}
	if err := p.back.Sync(); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "checkpoint sync")
	}
	return nil
}

// Close rolls back any active transaction, drops the cache (running the
// destructor for each page), releases the lock, and closes the file.
func (p *Pager) Close() error {
	if p.inWrite {
		if err := p.Rollback(); err != nil {
			return err
		}
	}
	for id, pg := range p.cache {
		p.dropPage(id, pg)
	}
	p.lock.unlock()
	return p.back.Close()
}

func (p *Pager) dropPage(id PageID, pg *Page) {
	if p.destructor != nil {
		p.destructor(pg)
	}
	delete(p.cache, id)
}

// evictIfFull makes room for one more page if the cache is at capacity.
// Pinned and dirty pages are not evictable; if everything is pinned the
// cache simply grows.
func (p *Pager) evictIfFull() {
	if len(p.cache) < p.cacheSize {
		return
	}
	for id, pg := range p.cache {
		if pg.pins == 0 && !pg.dirty {
			p.dropPage(id, pg)
			return
		}
	}
}

const (
	lockShared    = 1
	lockExclusive = 2
)

func (p *Pager) acquireLock(level int) error {
	for attempt := 0; ; attempt++ {
		ok, err := p.lock.tryLock(level)
		if err != nil {
			return kerr.Wrap(kerr.IoErr, err, "lock %q", p.path)
		}
		if ok {
			return nil
		}
		if p.busyRetry == nil || !p.busyRetry(attempt) {
			return kerr.New(kerr.Busy, "database is locked: %s", p.path)
		}
	}
}

func (p *Pager) downgradeLock() {
	// Downgrade back to shared; failure here is not actionable mid-flight,
	// the lock is released entirely on Close.
	_, _ = p.lock.tryLock(lockShared)
}

func journalPath(dbPath string) string {
	return fmt.Sprintf("%s-journal", dbPath)
}
