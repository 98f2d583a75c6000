package vm

import (
	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/pager"
)

// vmCursor binds a cursor number to a tree cursor plus the per-cursor
// execution state the opcodes need: the KeyAsData flag, the active
// index-scan probe, and the cached rowid of the last positioning.
type vmCursor struct {
	cur  *btree.Cursor
	root pager.PageID
	name string

	// owner is non-nil for OpenTemp cursors, which carry their own
	// private in-memory database torn down with the cursor.
	owner *btree.Btree

	keyAsData  bool
	probe      []byte
	lastRecno  int64
	recnoValid bool
}

func (c *vmCursor) close() {
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
	if c.owner != nil {
		c.owner.Close()
		c.owner = nil
	}
}

// openTempCursor builds a write cursor over a fresh single-table
// in-memory database. name is only for tracing.
func openTempCursor(name string) (*vmCursor, error) {
	bt, err := btree.Open(pager.MemoryPath, pager.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := bt.BeginTransaction(); err != nil {
		bt.Close()
		return nil, err
	}
	root, err := bt.CreateTable()
	if err != nil {
		bt.Close()
		return nil, err
	}
	cur, err := bt.OpenCursor(root, true)
	if err != nil {
		bt.Close()
		return nil, err
	}
	return &vmCursor{cur: cur, root: root, name: name, owner: bt}, nil
}
