package btree

import (
	"bytes"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

type cursorState int

const (
	curInvalid cursorState = iota // opened but never positioned, or tree dropped
	curValid                      // path points at a live cell
	curAtEnd                      // walked past the last entry
	curPendingSeek                // tree changed under us; re-seek before next use
)

// Cursor is a positioned reader (and, when writable, writer) over one
// tree. Its descent path is a stack of (page, cell index) frames; the
// current page is additionally pinned in the page cache so eviction can
// never pull it out from under the cursor.
//
// Cursors tolerate structural changes made through other cursors or
// direct tree calls: every change bumps the tree's version, and a stale
// cursor transparently re-seeks to the first key not less than the one
// it was sitting on.
type Cursor struct {
	bt       *Btree
	root     pager.PageID
	writable bool

	state    cursorState
	path     []pathFrame
	curKey   []byte
	seekKey  []byte
	version  uint64
	pin      *pager.Page
	skipNext bool // already advanced (delete leaves the cursor on the successor)
}

// OpenCursor opens a cursor on the tree rooted at root. The cursor
// starts positioned before the first entry. A writable cursor requires
// an active write transaction, and at most one may exist per tree at a
// time.
func (bt *Btree) OpenCursor(root pager.PageID, writable bool) (*Cursor, error) {
	if writable {
		if !bt.inTx {
			return nil, kerr.New(kerr.ErrGeneric, "write cursor outside a transaction")
		}
		if bt.writeRoots[root] {
			return nil, kerr.New(kerr.Busy, "another write cursor is open on this tree")
		}
	}
	c := &Cursor{bt: bt, root: root, writable: writable, state: curInvalid}
	bt.cursors[c] = struct{}{}
	if writable {
		bt.writeRoots[root] = true
	}
	return c, nil
}

// Close releases the cursor's page pin and unregisters it. Closing an
// already-closed cursor is a no-op.
func (c *Cursor) Close() {
	if c.bt == nil {
		return
	}
	c.unpin()
	if c.writable {
		delete(c.bt.writeRoots, c.root)
	}
	delete(c.bt.cursors, c)
	c.bt = nil
	c.state = curInvalid
	c.path = nil
}

func (c *Cursor) unpin() {
	if c.pin != nil {
		c.bt.pg.Release(c.pin)
		c.pin = nil
	}
}

// repin moves the cursor's pin to the current top-of-path page.
func (c *Cursor) repin() error {
	c.unpin()
	if c.state != curValid || len(c.path) == 0 {
		return nil
	}
	pg, err := c.bt.pg.Acquire(c.path[len(c.path)-1].id)
	if err != nil {
		return err
	}
	c.pin = pg
	return nil
}

// resolve re-seeks a cursor whose tree has changed underneath it.
func (c *Cursor) resolve() error {
	if c.bt == nil {
		return kerr.New(kerr.Misuse, "cursor is closed")
	}
	if c.state == curValid && c.version != c.bt.version {
		c.seekKey = c.curKey
		c.state = curPendingSeek
	}
	if c.state == curPendingSeek {
		target := c.seekKey
		if err := c.seekGE(target); err != nil {
			return err
		}
		// If the entry we were on is gone, the cursor now rests on its
		// successor; the next advance must not skip over it.
		if c.state == curValid && !bytes.Equal(c.curKey, target) {
			c.skipNext = true
		}
	}
	return nil
}

// loadCurrent caches the key under the cursor and refreshes the pin.
func (c *Cursor) loadCurrent() error {
	last := c.path[len(c.path)-1]
	pg, err := c.bt.pg.Acquire(last.id)
	if err != nil {
		return err
	}
	n := c.bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		c.bt.pg.Release(pg)
		return err
	}
	if last.idx < 0 || last.idx >= len(offs) {
		c.bt.pg.Release(pg)
		return kerr.New(kerr.Internal, "cursor index %d out of range on page %d", last.idx, last.id)
	}
	key, err := c.bt.cellKey(n, offs[last.idx])
	c.bt.pg.Release(pg)
	if err != nil {
		return err
	}
	c.curKey = key
	c.version = c.bt.version
	c.state = curValid
	return c.repin()
}

// First positions the cursor on the smallest entry. empty reports a tree
// with no entries.
func (c *Cursor) First() (bool, error) {
	if c.bt == nil {
		return false, kerr.New(kerr.Misuse, "cursor is closed")
	}
	path, found, err := c.bt.descendLeftmost(c.root, nil)
	if err != nil {
		return false, err
	}
	c.path = path
	c.skipNext = false
	if !found {
		c.state = curAtEnd
		c.version = c.bt.version
		c.unpin()
		return true, nil
	}
	if err := c.loadCurrent(); err != nil {
		return false, err
	}
	return false, nil
}

// Next advances to the following entry in key order. past reports that
// the cursor has moved past the last entry. Calling Next on a cursor
// that was never positioned behaves like First.
func (c *Cursor) Next() (bool, error) {
	if c.bt == nil {
		return false, kerr.New(kerr.Misuse, "cursor is closed")
	}
	switch c.state {
	case curInvalid:
		empty, err := c.First()
		return empty, err
	case curAtEnd:
		return true, nil
	}
	if err := c.resolve(); err != nil {
		return false, err
	}
	if c.state == curAtEnd {
		return true, nil
	}
	if c.skipNext {
		c.skipNext = false
		return false, nil
	}
	if err := c.step(); err != nil {
		return false, err
	}
	if c.state == curAtEnd {
		return true, nil
	}
	return false, c.loadCurrent()
}

// step performs one in-order advance of the path. Interior cells carry
// real entries, so the walk descends into the subtree after the current
// cell on interior nodes and climbs back out of exhausted leaves.
func (c *Cursor) step() error {
	top := &c.path[len(c.path)-1]
	pg, err := c.bt.pg.Acquire(top.id)
	if err != nil {
		return err
	}
	n := c.bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		c.bt.pg.Release(pg)
		return err
	}

	if n.isLeaf() {
		c.bt.pg.Release(pg)
		top.idx++
		if top.idx < len(offs) {
			return nil
		}
		// Climb until a frame whose edge cell is still unvisited.
		for {
			c.path = c.path[:len(c.path)-1]
			if len(c.path) == 0 {
				c.state = curAtEnd
				c.unpin()
				return nil
			}
			f := c.path[len(c.path)-1]
			fpg, err := c.bt.pg.Acquire(f.id)
			if err != nil {
				return err
			}
			nc := c.bt.node(fpg).nCells()
			c.bt.pg.Release(fpg)
			if f.idx < nc {
				return nil // came up out of cell idx's pre-child: visit the cell
			}
		}
	}

	// Interior: descend into the subtree following the current cell.
	var next pager.PageID
	if top.idx+1 < len(offs) {
		next = n.cellChild(offs[top.idx+1])
	} else {
		next = n.rightChild()
	}
	c.bt.pg.Release(pg)
	if next == 0 {
		return kerr.New(kerr.Corrupt, "interior page %d missing child after cell %d", top.id, top.idx)
	}
	top.idx++
	path, found, err := c.bt.descendLeftmost(next, c.path)
	if err != nil {
		return err
	}
	if !found {
		return kerr.New(kerr.Corrupt, "empty subtree under interior page %d", top.id)
	}
	c.path = path
	return nil
}

// MoveTo positions the cursor by key. Returns 0 on an exact match, a
// negative value when the cursor rests on the nearest entry ordering
// before key, and a positive value when it rests on the nearest entry
// ordering after key (or the tree is empty).
func (c *Cursor) MoveTo(key []byte) (int, error) {
	if c.bt == nil {
		return 0, kerr.New(kerr.Misuse, "cursor is closed")
	}
	path, res, err := c.bt.descend(c.root, key)
	if err != nil {
		return 0, err
	}
	c.path = path
	c.skipNext = false

	// An empty leaf at the bottom means there is nothing to sit on.
	last := path[len(path)-1]
	pg, err := c.bt.pg.Acquire(last.id)
	if err != nil {
		return 0, err
	}
	nc := c.bt.node(pg).nCells()
	c.bt.pg.Release(pg)
	if nc == 0 {
		c.state = curAtEnd
		c.version = c.bt.version
		c.unpin()
		return 1, nil
	}
	if err := c.loadCurrent(); err != nil {
		return 0, err
	}
	return res, nil
}

// SeekGE positions the cursor on the first entry whose key is not less
// than key (range-scan entry point; index probes start here).
func (c *Cursor) SeekGE(key []byte) error { return c.seekGE(key) }

// seekGE positions the cursor on the first entry whose key is >= key.
func (c *Cursor) seekGE(key []byte) error {
	res, err := c.MoveTo(key)
	if err != nil {
		return err
	}
	if res < 0 && c.state == curValid {
		if err := c.step(); err != nil {
			return err
		}
		if c.state == curAtEnd {
			return nil
		}
		return c.loadCurrent()
	}
	return nil
}

// Valid reports whether the cursor currently rests on an entry.
func (c *Cursor) Valid() bool { return c.state == curValid }

// Key returns a copy of the full key under the cursor.
func (c *Cursor) Key() ([]byte, error) {
	if err := c.resolve(); err != nil {
		return nil, err
	}
	if c.state != curValid {
		return nil, kerr.New(kerr.Misuse, "cursor is not on an entry")
	}
	return append([]byte(nil), c.curKey...), nil
}

// KeySize returns the key length in bytes.
func (c *Cursor) KeySize() (int, error) {
	if err := c.resolve(); err != nil {
		return 0, err
	}
	if c.state != curValid {
		return 0, kerr.New(kerr.Misuse, "cursor is not on an entry")
	}
	return len(c.curKey), nil
}

// DataSize returns the data length in bytes.
func (c *Cursor) DataSize() (int, error) {
	if err := c.resolve(); err != nil {
		return 0, err
	}
	if c.state != curValid {
		return 0, kerr.New(kerr.Misuse, "cursor is not on an entry")
	}
	_, dataLen, _, err := c.currentCell()
	return dataLen, err
}

// Data reads amt bytes of the entry's data starting at offset off.
func (c *Cursor) Data(off, amt int) ([]byte, error) {
	if err := c.resolve(); err != nil {
		return nil, err
	}
	if c.state != curValid {
		return nil, kerr.New(kerr.Misuse, "cursor is not on an entry")
	}
	last := c.path[len(c.path)-1]
	pg, err := c.bt.pg.Acquire(last.id)
	if err != nil {
		return nil, err
	}
	defer c.bt.pg.Release(pg)
	n := c.bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		return nil, err
	}
	cellOff := offs[last.idx]
	keyLen := n.cellKeyLen(cellOff)
	return c.bt.readPayload(n, cellOff, keyLen+off, amt)
}

// AllData reads the entry's entire data payload.
func (c *Cursor) AllData() ([]byte, error) {
	sz, err := c.DataSize()
	if err != nil {
		return nil, err
	}
	return c.Data(0, sz)
}

func (c *Cursor) currentCell() (keyLen, dataLen, cellOff int, err error) {
	last := c.path[len(c.path)-1]
	pg, err := c.bt.pg.Acquire(last.id)
	if err != nil {
		return 0, 0, 0, err
	}
	defer c.bt.pg.Release(pg)
	n := c.bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		return 0, 0, 0, err
	}
	if last.idx >= len(offs) {
		return 0, 0, 0, kerr.New(kerr.Internal, "cursor index out of range")
	}
	off := offs[last.idx]
	return n.cellKeyLen(off), n.cellDataLen(off), off, nil
}

// Insert adds or replaces (key, data); a duplicate key replaces the
// payload. The cursor ends positioned on the inserted entry.
func (c *Cursor) Insert(key, data []byte) error {
	if c.bt == nil {
		return kerr.New(kerr.Misuse, "cursor is closed")
	}
	if !c.writable {
		return kerr.New(kerr.ReadOnly, "insert through a read-only cursor")
	}
	if err := c.bt.insert(c.root, key, data); err != nil {
		return err
	}
	return c.seekGE(key)
}

// Delete removes the entry under the cursor, leaving it positioned on
// the successor (or past the end).
func (c *Cursor) Delete() error {
	if c.bt == nil {
		return kerr.New(kerr.Misuse, "cursor is closed")
	}
	if !c.writable {
		return kerr.New(kerr.ReadOnly, "delete through a read-only cursor")
	}
	if err := c.resolve(); err != nil {
		return err
	}
	if c.state != curValid {
		return kerr.New(kerr.Misuse, "cursor is not on an entry")
	}
	key := append([]byte(nil), c.curKey...)
	if err := c.bt.delete(c.root, key); err != nil {
		return err
	}
	if err := c.seekGE(key); err != nil {
		return err
	}
	if c.state == curValid {
		c.skipNext = true
	}
	return nil
}
