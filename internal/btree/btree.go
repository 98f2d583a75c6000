// Package btree implements the ordered key→value map at the heart of the
// storage layer: a disk-backed B-tree over fixed-size pages with overflow
// chains for large payloads, a free-page list headed in the database
// header, and cursors supporting ordered traversal and key-range search.
//
// Keys are opaque byte strings compared lexicographically. Interior pages
// carry full cells (key and payload), not just separators; a cursor walk
// is therefore an in-order traversal of the whole tree, not a leaf scan.
// The cursor's descent path is a stack of page IDs: parent pages are
// looked up, never owned, so the page cache stays free of back-pointer
// cycles.
package btree

import (
	"bytes"
	"sort"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// Btree is one open database: a pager plus the tree algorithms. A single
// Btree serves any number of trees (tables, indexes) inside the file,
// each identified by its root page.
type Btree struct {
	pg       *pager.Pager
	maxLocal int

	inTx    bool
	version uint64 // bumped on every structural change; cursors re-seek on mismatch

	cursors map[*Cursor]struct{}
	// writeRoots tracks which trees have an open write cursor; each
	// tree admits at most one at a time.
	writeRoots map[pager.PageID]bool
}

// Open opens (creating if needed) the database at path. Pass
// pager.MemoryPath for a private in-memory database.
func Open(path string, cfg pager.Config) (*Btree, error) {
	p, err := pager.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	bt := &Btree{
		pg:         p,
		maxLocal:   maxLocalFor(p.PageSize()),
		cursors:    make(map[*Cursor]struct{}),
		writeRoots: make(map[pager.PageID]bool),
	}
	if p.PageCount() == 0 {
		if p.ReadOnly() {
			p.Close()
			return nil, kerr.New(kerr.CantOpen, "empty database opened read-only: %s", path)
		}
		if err := bt.initialize(); err != nil {
			p.Close()
			return nil, err
		}
	} else {
		sb, err := bt.readSuper()
		if err != nil {
			p.Close()
			return nil, err
		}
		if int(sb.PageSize) != p.PageSize() {
			p.Close()
			return nil, kerr.New(kerr.Corrupt, "page size %d in header, pager configured for %d",
				sb.PageSize, p.PageSize())
		}
	}
	return bt, nil
}

// initialize writes the header page of a brand-new database.
func (bt *Btree) initialize() error {
	if err := bt.pg.BeginWrite(); err != nil {
		return err
	}
	pg, err := bt.pg.Allocate()
	if err != nil {
		bt.pg.Rollback()
		return err
	}
	encodeSuper(pg.Data, superblock{PageSize: uint32(bt.pg.PageSize())})
	bt.pg.Release(pg)
	return bt.pg.Commit()
}

// Pager exposes the underlying pager (checkpointing, stats).
func (bt *Btree) Pager() *pager.Pager { return bt.pg }

// PageCount returns the current size of the database in pages.
func (bt *Btree) PageCount() uint32 { return bt.pg.PageCount() }

// Close closes every open cursor and the underlying pager. An active
// write transaction is rolled back.
func (bt *Btree) Close() error {
	for c := range bt.cursors {
		c.Close()
	}
	return bt.pg.Close()
}

// ───────────────────────────────────────────────────────────────────────────
// Transactions
// ───────────────────────────────────────────────────────────────────────────

// BeginTransaction starts a write transaction. Fails with Busy when
// another connection holds the write lock.
func (bt *Btree) BeginTransaction() error {
	if bt.inTx {
		return kerr.New(kerr.ErrGeneric, "transaction already active")
	}
	if err := bt.pg.BeginWrite(); err != nil {
		return err
	}
	bt.inTx = true
	return nil
}

// InTransaction reports whether a write transaction is active.
func (bt *Btree) InTransaction() bool { return bt.inTx }

// Commit makes the transaction durable. All cursors must be closed.
func (bt *Btree) Commit() error {
	if !bt.inTx {
		return kerr.New(kerr.ErrGeneric, "no transaction to commit")
	}
	if len(bt.cursors) != 0 {
		return kerr.New(kerr.Misuse, "%d cursors still open at commit", len(bt.cursors))
	}
	if err := bt.pg.Commit(); err != nil {
		return err
	}
	bt.inTx = false
	return nil
}

// Rollback reverts the transaction. Open cursors are force-closed first.
func (bt *Btree) Rollback() error {
	if !bt.inTx {
		return nil
	}
	for c := range bt.cursors {
		c.Close()
	}
	bt.version++
	if err := bt.pg.Rollback(); err != nil {
		return err
	}
	bt.inTx = false
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Table lifecycle
// ───────────────────────────────────────────────────────────────────────────

// CreateTable allocates an empty tree and returns its root page.
func (bt *Btree) CreateTable() (pager.PageID, error) {
	if !bt.inTx {
		return 0, kerr.New(kerr.ErrGeneric, "CreateTable outside a transaction")
	}
	pg, err := bt.allocatePage()
	if err != nil {
		return 0, err
	}
	initNode(pg.Data)
	id := pg.ID
	bt.pg.Release(pg)
	return id, nil
}

// ClearTable deletes every entry of the tree rooted at root, returning
// all pages but the root itself to the free list. Cursors on the tree
// are invalidated.
func (bt *Btree) ClearTable(root pager.PageID) error {
	if !bt.inTx {
		return kerr.New(kerr.ErrGeneric, "ClearTable outside a transaction")
	}
	bt.version++
	bt.invalidateCursors(root)
	if err := bt.clearSubtree(root, true); err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	return nil
}

// DropTable clears the tree and frees its root page too.
func (bt *Btree) DropTable(root pager.PageID) error {
	if err := bt.ClearTable(root); err != nil {
		return err
	}
	return bt.freePage(root)
}

// clearSubtree frees every descendant page and overflow chain under id.
// When keep is true the page itself is reset to an empty node instead of
// being freed (used for the tree root).
func (bt *Btree) clearSubtree(id pager.PageID, keep bool) error {
	pg, err := bt.pg.Acquire(id)
	if err != nil {
		return err
	}
	n := bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		bt.pg.Release(pg)
		return err
	}
	type child struct{ id pager.PageID }
	var children []child
	for _, off := range offs {
		if c := n.cellChild(off); c != 0 {
			children = append(children, child{c})
		}
		if ov := n.cellOverflow(off); ov != 0 {
			if err := bt.freeOverflowChain(ov); err != nil {
				bt.pg.Release(pg)
				return err
			}
		}
	}
	if rc := n.rightChild(); rc != 0 {
		children = append(children, child{rc})
	}
	if keep {
		if err := bt.pg.MarkDirty(pg); err != nil {
			bt.pg.Release(pg)
			return err
		}
		initNode(pg.Data)
	}
	bt.pg.Release(pg)
	for _, c := range children {
		if err := bt.clearSubtree(c.id, false); err != nil {
			return err
		}
	}
	if !keep {
		return bt.freePage(id)
	}
	return nil
}

func (bt *Btree) invalidateCursors(root pager.PageID) {
	for c := range bt.cursors {
		if c.root == root {
			c.state = curInvalid
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Schema cookie
// ───────────────────────────────────────────────────────────────────────────

// SchemaCookie reads the monotone schema version from the header.
func (bt *Btree) SchemaCookie() (uint32, error) {
	sb, err := bt.readSuper()
	if err != nil {
		return 0, err
	}
	return sb.SchemaCookie, nil
}

// SetSchemaCookie stores v; DDL bumps the cookie so compiled statements
// can detect a stale schema.
func (bt *Btree) SetSchemaCookie(v uint32) error {
	if !bt.inTx {
		return kerr.New(kerr.ErrGeneric, "SetSchemaCookie outside a transaction")
	}
	return bt.updateSuper(func(s *superblock) { s.SchemaCookie = v })
}

// ───────────────────────────────────────────────────────────────────────────
// Descent
// ───────────────────────────────────────────────────────────────────────────

// pathFrame records one step of a descent: the page and the cell index
// taken (idx == nCells means the rightmost child pointer).
type pathFrame struct {
	id  pager.PageID
	idx int
}

// searchNode binary-searches the node's sorted cells for key. Returns the
// index of the first cell whose key >= key, and whether it is an exact
// match.
func (bt *Btree) searchNode(n node, offs []int, key []byte) (int, bool, error) {
	var serr error
	exact := false
	pos := sort.Search(len(offs), func(i int) bool {
		if serr != nil {
			return true
		}
		k, err := bt.cellKey(n, offs[i])
		if err != nil {
			serr = err
			return true
		}
		c := bytes.Compare(k, key)
		if c == 0 {
			exact = true
		}
		return c >= 0
	})
	if serr != nil {
		return 0, false, serr
	}
	return pos, exact, nil
}

// descend walks from root toward key. On return the last frame is the
// cursor position: res == 0 exact match (any level), res > 0 the entry
// at the position orders after key, res < 0 it orders before (key would
// land past the end of a leaf). An empty tree returns res > 0 with the
// root frame at index 0.
func (bt *Btree) descend(root pager.PageID, key []byte) ([]pathFrame, int, error) {
	var path []pathFrame
	id := root
	for {
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return nil, 0, err
		}
		n := bt.node(pg)
		if n.typ() != pageTypeNode {
			bt.pg.Release(pg)
			return nil, 0, kerr.New(kerr.Corrupt, "page %d is not a tree node", id)
		}
		offs, err := n.cellOffsets()
		if err != nil {
			bt.pg.Release(pg)
			return nil, 0, err
		}
		pos, exact, err := bt.searchNode(n, offs, key)
		if err != nil {
			bt.pg.Release(pg)
			return nil, 0, err
		}
		if exact {
			bt.pg.Release(pg)
			return append(path, pathFrame{id, pos}), 0, nil
		}
		var next pager.PageID
		if pos < len(offs) {
			next = n.cellChild(offs[pos])
		} else {
			next = n.rightChild()
		}
		if next == 0 {
			// Leaf (or interior with a hole, which integrity checking
			// would flag): the search bottoms out here.
			res := 1
			idx := pos
			if pos >= len(offs) {
				if len(offs) == 0 {
					idx = 0
				} else {
					idx = len(offs) - 1
					res = -1
				}
			}
			bt.pg.Release(pg)
			return append(path, pathFrame{id, idx}), res, nil
		}
		bt.pg.Release(pg)
		path = append(path, pathFrame{id, pos})
		id = next
		if len(path) > 64 {
			return nil, 0, kerr.New(kerr.Corrupt, "descent deeper than 64 levels")
		}
	}
}

// descendLeftmost extends path with the leftmost walk from id down to
// the first in-order cell. found is false when the subtree is empty.
func (bt *Btree) descendLeftmost(id pager.PageID, path []pathFrame) ([]pathFrame, bool, error) {
	for {
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return nil, false, err
		}
		n := bt.node(pg)
		offs, err := n.cellOffsets()
		if err != nil {
			bt.pg.Release(pg)
			return nil, false, err
		}
		if len(offs) == 0 {
			bt.pg.Release(pg)
			return append(path, pathFrame{id, 0}), false, nil
		}
		child := n.cellChild(offs[0])
		bt.pg.Release(pg)
		path = append(path, pathFrame{id, 0})
		if child == 0 {
			return path, true, nil
		}
		id = child
		if len(path) > 64 {
			return nil, false, kerr.New(kerr.Corrupt, "descent deeper than 64 levels")
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Insert
// ───────────────────────────────────────────────────────────────────────────

// insert adds or replaces (key, data) in the tree rooted at root.
func (bt *Btree) insert(root pager.PageID, key, data []byte) error {
	path, res, err := bt.descend(root, key)
	if err != nil {
		return err
	}
	bt.version++
	last := path[len(path)-1]

	if res == 0 {
		// Duplicate key: replace the payload in place, keeping the cell's
		// child pointer.
		pg, err := bt.pg.Acquire(last.id)
		if err != nil {
			return err
		}
		n := bt.node(pg)
		if err := bt.pg.MarkDirty(pg); err != nil {
			bt.pg.Release(pg)
			return err
		}
		old, err := n.removeCell(last.idx)
		if err != nil {
			bt.pg.Release(pg)
			bt.pg.SetMustRollback()
			return err
		}
		child := rawCellChild(old)
		if err := bt.freeRawCellOverflow(old); err != nil {
			bt.pg.Release(pg)
			bt.pg.SetMustRollback()
			return err
		}
		bt.pg.Release(pg)
		cell, err := bt.makeCell(child, key, data)
		if err != nil {
			bt.pg.SetMustRollback()
			return err
		}
		if err := bt.insertRaw(path, last.idx, cell); err != nil {
			bt.pg.SetMustRollback()
			return err
		}
		return nil
	}

	idx := last.idx
	if res < 0 {
		idx++
	}
	cell, err := bt.makeCell(0, key, data)
	if err != nil {
		return err
	}
	if err := bt.insertRaw(path, idx, cell); err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	return nil
}

// insertRaw places a fully built cell at index i of the node at the end
// of path, splitting (after trying to shed a cell to a sibling) when the
// node is full.
func (bt *Btree) insertRaw(path []pathFrame, i int, cell []byte) error {
	last := path[len(path)-1]
	pg, err := bt.pg.Acquire(last.id)
	if err != nil {
		return err
	}
	n := bt.node(pg)
	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(pg)
		return err
	}
	ok, err := n.insertCellBytes(i, cell)
	if err != nil || ok {
		bt.pg.Release(pg)
		return err
	}

	// Full. Before splitting, try lending one cell to an adjacent
	// sibling through the parent separator.
	if len(path) >= 2 {
		moved, newIdx, err := bt.tryLend(path, i)
		if err != nil {
			bt.pg.Release(pg)
			return err
		}
		if moved {
			ok, err := n.insertCellBytes(newIdx, cell)
			if err != nil {
				bt.pg.Release(pg)
				return err
			}
			if ok {
				bt.pg.Release(pg)
				return nil
			}
			i = newIdx
		}
	}
	bt.pg.Release(pg)
	return bt.split(path, i, cell)
}

// tryLend moves one boundary cell of the overfull node into an adjacent
// sibling (a rotation through the parent separator). Returns the
// adjusted insertion index for the pending cell.
func (bt *Btree) tryLend(path []pathFrame, i int) (bool, int, error) {
	parent := path[len(path)-2]
	ppg, err := bt.pg.Acquire(parent.id)
	if err != nil {
		return false, i, err
	}
	pn := bt.node(ppg)
	pCells := pn.nCells()
	bt.pg.Release(ppg)

	npg, err := bt.pg.Acquire(path[len(path)-1].id)
	if err != nil {
		return false, i, err
	}
	nCells := bt.node(npg).nCells()
	bt.pg.Release(npg)

	// Shed the last cell rightward when the new cell is not itself going
	// to be the last, otherwise shed the first cell leftward.
	if parent.idx < pCells && i < nCells {
		moved, err := bt.rotateOne(parent, parent.idx, true)
		if err != nil || moved {
			return moved, i, err
		}
	}
	if parent.idx > 0 && i > 0 {
		moved, err := bt.rotateOne(parent, parent.idx-1, false)
		if err != nil {
			return false, i, err
		}
		if moved {
			return true, i - 1, nil
		}
	}
	return false, i, nil
}

// rotateOne rotates a single cell between the children on either side of
// the parent's separator cell at sepIdx. toRight moves the left child's
// last cell into the right child; otherwise the right child's first cell
// moves into the left child. Returns false (without modifying anything)
// when a size precondition fails.
func (bt *Btree) rotateOne(parent pathFrame, sepIdx int, toRight bool) (bool, error) {
	ppg, err := bt.pg.Acquire(parent.id)
	if err != nil {
		return false, err
	}
	defer bt.pg.Release(ppg)
	pn := bt.node(ppg)
	pOffs, err := pn.cellOffsets()
	if err != nil {
		return false, err
	}
	if sepIdx >= len(pOffs) {
		return false, nil
	}
	sepOff := pOffs[sepIdx]
	leftID := pn.cellChild(sepOff)
	var rightID pager.PageID
	if sepIdx+1 < len(pOffs) {
		rightID = pn.cellChild(pOffs[sepIdx+1])
	} else {
		rightID = pn.rightChild()
	}
	if leftID == 0 || rightID == 0 {
		return false, nil
	}

	lpg, err := bt.pg.Acquire(leftID)
	if err != nil {
		return false, err
	}
	defer bt.pg.Release(lpg)
	rpg, err := bt.pg.Acquire(rightID)
	if err != nil {
		return false, err
	}
	defer bt.pg.Release(rpg)
	ln, rn := bt.node(lpg), bt.node(rpg)

	src, dst := ln, rn
	if !toRight {
		src, dst = rn, ln
	}
	if src.nCells() == 0 {
		return false, nil
	}
	sepSize := pn.cellSizeAt(sepOff)

	// The moving cell becomes the new separator; the old separator drops
	// into dst. Preconditions: dst can absorb the separator, and the
	// parent can absorb the moving cell once the separator is gone.
	srcOffs, err := src.cellOffsets()
	if err != nil {
		return false, err
	}
	moveIdx := len(srcOffs) - 1
	if !toRight {
		moveIdx = 0
	}
	moveSize := src.cellSizeAt(srcOffs[moveIdx])
	if dst.freeTotal() < sepSize {
		return false, nil
	}
	if pn.freeTotal()+sepSize < moveSize {
		return false, nil
	}

	if err := bt.pg.MarkDirty(ppg); err != nil {
		return false, err
	}
	if err := bt.pg.MarkDirty(lpg); err != nil {
		return false, err
	}
	if err := bt.pg.MarkDirty(rpg); err != nil {
		return false, err
	}

	sepRaw, err := pn.removeCell(sepIdx)
	if err != nil {
		return false, err
	}
	moveRaw, err := src.removeCell(moveIdx)
	if err != nil {
		return false, err
	}

	if toRight {
		// Separator drops to the front of the right child; its pre-child
		// is the left child's old rightmost subtree.
		rawCellSetChild(sepRaw, ln.rightChild())
		if ok, err := bt.mustInsert(rn, 0, sepRaw); !ok {
			return false, err
		}
		ln.setRightChild(rawCellChild(moveRaw))
	} else {
		// Separator drops to the end of the left child.
		rawCellSetChild(sepRaw, ln.rightChild())
		if ok, err := bt.mustInsert(ln, ln.nCells(), sepRaw); !ok {
			return false, err
		}
		ln.setRightChild(rawCellChild(moveRaw))
	}
	rawCellSetChild(moveRaw, leftID)
	if ok, err := bt.mustInsert(pn, sepIdx, moveRaw); !ok {
		return false, err
	}
	return true, nil
}

// mustInsert is insertCellBytes for callers that have already proven the
// cell fits; failure to place it is an internal error.
func (bt *Btree) mustInsert(n node, i int, cell []byte) (bool, error) {
	ok, err := n.insertCellBytes(i, cell)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, kerr.New(kerr.Internal, "page %d: cell did not fit after size check", n.pg.ID)
	}
	return true, nil
}

// split divides the overfull node at the end of path in two, promoting
// the middle cell to the parent; splits recurse and the root split grows
// the tree one level.
func (bt *Btree) split(path []pathFrame, i int, cell []byte) error {
	last := path[len(path)-1]
	pg, err := bt.pg.Acquire(last.id)
	if err != nil {
		return err
	}
	n := bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		bt.pg.Release(pg)
		return err
	}
	all := make([][]byte, 0, len(offs)+1)
	for _, off := range offs {
		sz := n.cellSizeAt(off)
		all = append(all, append([]byte(nil), n.d[off:off+sz]...))
	}
	if i < 0 || i > len(all) {
		bt.pg.Release(pg)
		return kerr.New(kerr.Internal, "split insert index %d out of range", i)
	}
	all = append(all[:i], append([][]byte{cell}, all[i:]...)...)
	if len(all) < 3 {
		bt.pg.Release(pg)
		return kerr.New(kerr.Internal, "split of page %d with %d cells", last.id, len(all))
	}
	mid := chooseSplitIndex(all)
	oldRight := n.rightChild()

	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(pg)
		return err
	}

	if len(path) == 1 {
		// Root split: the root keeps its page number and becomes an
		// interior node over two fresh children.
		lpg, err := bt.allocatePage()
		if err != nil {
			bt.pg.Release(pg)
			return err
		}
		rpg, err := bt.allocatePage()
		if err != nil {
			bt.pg.Release(lpg)
			bt.pg.Release(pg)
			return err
		}
		initNode(lpg.Data)
		initNode(rpg.Data)
		ln, rn := bt.node(lpg), bt.node(rpg)
		if err := fillNode(bt, ln, all[:mid]); err != nil {
			bt.pg.Release(rpg)
			bt.pg.Release(lpg)
			bt.pg.Release(pg)
			return err
		}
		ln.setRightChild(rawCellChild(all[mid]))
		if err := fillNode(bt, rn, all[mid+1:]); err != nil {
			bt.pg.Release(rpg)
			bt.pg.Release(lpg)
			bt.pg.Release(pg)
			return err
		}
		rn.setRightChild(oldRight)

		initNode(pg.Data)
		promote := all[mid]
		rawCellSetChild(promote, lpg.ID)
		root := bt.node(pg)
		if _, err := bt.mustInsert(root, 0, promote); err != nil {
			bt.pg.Release(rpg)
			bt.pg.Release(lpg)
			bt.pg.Release(pg)
			return err
		}
		root.setRightChild(rpg.ID)
		bt.pg.Release(rpg)
		bt.pg.Release(lpg)
		bt.pg.Release(pg)
		return nil
	}

	// Non-root: this page keeps the low half, a new page takes the high
	// half, and the middle cell moves up.
	rpg, err := bt.allocatePage()
	if err != nil {
		bt.pg.Release(pg)
		return err
	}
	initNode(rpg.Data)
	rn := bt.node(rpg)
	if err := fillNode(bt, rn, all[mid+1:]); err != nil {
		bt.pg.Release(rpg)
		bt.pg.Release(pg)
		return err
	}
	rn.setRightChild(oldRight)

	initNode(pg.Data)
	if err := fillNode(bt, n, all[:mid]); err != nil {
		bt.pg.Release(rpg)
		bt.pg.Release(pg)
		return err
	}
	n.setRightChild(rawCellChild(all[mid]))

	newID := rpg.ID
	bt.pg.Release(rpg)
	bt.pg.Release(pg)

	// Repoint the parent's edge from this page to the new right page,
	// then push the separator (pointing back at this page) into it.
	parent := path[len(path)-2]
	ppg, err := bt.pg.Acquire(parent.id)
	if err != nil {
		return err
	}
	pn := bt.node(ppg)
	if err := bt.pg.MarkDirty(ppg); err != nil {
		bt.pg.Release(ppg)
		return err
	}
	pOffs, err := pn.cellOffsets()
	if err != nil {
		bt.pg.Release(ppg)
		return err
	}
	if parent.idx < len(pOffs) {
		pn.setCellChild(pOffs[parent.idx], newID)
	} else {
		pn.setRightChild(newID)
	}
	bt.pg.Release(ppg)

	promote := all[mid]
	rawCellSetChild(promote, last.id)
	return bt.insertRaw(path[:len(path)-1], parent.idx, promote)
}

// chooseSplitIndex picks the promoted cell so the two halves carry
// roughly equal bytes.
func chooseSplitIndex(cells [][]byte) int {
	total := 0
	for _, c := range cells {
		total += len(c)
	}
	run := 0
	mid := len(cells) / 2
	for m, c := range cells {
		if run*2 >= total {
			mid = m
			break
		}
		run += len(c)
	}
	if mid < 1 {
		mid = 1
	}
	if mid > len(cells)-2 {
		mid = len(cells) - 2
	}
	return mid
}

// fillNode appends cells to a freshly initialized node in order.
func fillNode(bt *Btree, n node, cells [][]byte) error {
	for idx, c := range cells {
		if _, err := bt.mustInsert(n, idx, c); err != nil {
			return err
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Delete
// ───────────────────────────────────────────────────────────────────────────

// delete removes key from the tree rooted at root. Returns NotFound when
// the key is absent.
func (bt *Btree) delete(root pager.PageID, key []byte) error {
	path, res, err := bt.descend(root, key)
	if err != nil {
		return err
	}
	if res != 0 {
		return kerr.New(kerr.NotFound, "key not present")
	}
	bt.version++
	last := path[len(path)-1]

	pg, err := bt.pg.Acquire(last.id)
	if err != nil {
		return err
	}
	n := bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		bt.pg.Release(pg)
		return err
	}
	child := n.cellChild(offs[last.idx])
	bt.pg.Release(pg)

	if child == 0 {
		return bt.deleteFromLeaf(path)
	}

	// Interior cell: pull up the in-order successor. Read its payload,
	// delete it from its leaf (rebalancing as needed), then re-find the
	// original key (the tree is structurally valid in between) and
	// swap its cell for one carrying the successor's payload.
	succKey, succData, err := bt.successorPayload(path)
	if err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	if err := bt.delete(root, succKey); err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	path, res, err = bt.descend(root, key)
	if err != nil || res != 0 {
		bt.pg.SetMustRollback()
		if err == nil {
			err = kerr.New(kerr.Internal, "key vanished during interior delete")
		}
		return err
	}
	last = path[len(path)-1]
	pg, err = bt.pg.Acquire(last.id)
	if err != nil {
		return err
	}
	n = bt.node(pg)
	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(pg)
		return err
	}
	old, err := n.removeCell(last.idx)
	if err != nil {
		bt.pg.Release(pg)
		bt.pg.SetMustRollback()
		return err
	}
	keepChild := rawCellChild(old)
	if err := bt.freeRawCellOverflow(old); err != nil {
		bt.pg.Release(pg)
		bt.pg.SetMustRollback()
		return err
	}
	bt.pg.Release(pg)
	cell, err := bt.makeCell(keepChild, succKey, succData)
	if err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	if err := bt.insertRaw(path, last.idx, cell); err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	return nil
}

// successorPayload reads the key and data of the in-order successor of
// the cell the path points at (which must be an interior cell).
func (bt *Btree) successorPayload(path []pathFrame) ([]byte, []byte, error) {
	last := path[len(path)-1]
	pg, err := bt.pg.Acquire(last.id)
	if err != nil {
		return nil, nil, err
	}
	n := bt.node(pg)
	offs, err := n.cellOffsets()
	if err != nil {
		bt.pg.Release(pg)
		return nil, nil, err
	}
	var next pager.PageID
	if last.idx+1 < len(offs) {
		next = n.cellChild(offs[last.idx+1])
	} else {
		next = n.rightChild()
	}
	bt.pg.Release(pg)
	if next == 0 {
		return nil, nil, kerr.New(kerr.Internal, "interior cell with no following subtree")
	}
	spath, found, err := bt.descendLeftmost(next, nil)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, kerr.New(kerr.Corrupt, "empty subtree under interior cell")
	}
	sl := spath[len(spath)-1]
	spg, err := bt.pg.Acquire(sl.id)
	if err != nil {
		return nil, nil, err
	}
	sn := bt.node(spg)
	soffs, err := sn.cellOffsets()
	if err != nil {
		bt.pg.Release(spg)
		return nil, nil, err
	}
	off := soffs[sl.idx]
	keyLen := sn.cellKeyLen(off)
	dataLen := sn.cellDataLen(off)
	payload, err := bt.readPayload(sn, off, 0, keyLen+dataLen)
	bt.pg.Release(spg)
	if err != nil {
		return nil, nil, err
	}
	return payload[:keyLen], payload[keyLen:], nil
}

// deleteFromLeaf removes the cell the path points at (a leaf cell) and
// rebalances upward.
func (bt *Btree) deleteFromLeaf(path []pathFrame) error {
	last := path[len(path)-1]
	pg, err := bt.pg.Acquire(last.id)
	if err != nil {
		return err
	}
	n := bt.node(pg)
	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(pg)
		return err
	}
	raw, err := n.removeCell(last.idx)
	if err != nil {
		bt.pg.Release(pg)
		bt.pg.SetMustRollback()
		return err
	}
	bt.pg.Release(pg)
	if err := bt.freeRawCellOverflow(raw); err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	if err := bt.balance(path); err != nil {
		bt.pg.SetMustRollback()
		return err
	}
	return nil
}

// underfullThreshold is the fill level below which a non-root node is
// merged with or borrows from a sibling.
func (bt *Btree) underfullThreshold() int {
	return (bt.pg.PageSize() - nodeHdrSize) / 3
}

// balance walks from the end of path toward the root, fixing underfull
// nodes by merging with or borrowing from an adjacent sibling, and
// finally shrinking the tree height when the root is left with nothing
// but a right child.
func (bt *Btree) balance(path []pathFrame) error {
	for level := len(path) - 1; level > 0; level-- {
		id := path[level].id
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return err
		}
		used := bt.node(pg).usedBytes()
		bt.pg.Release(pg)
		if used >= bt.underfullThreshold() {
			break
		}
		if err := bt.balanceNode(path[:level+1]); err != nil {
			return err
		}
	}
	return bt.shrinkRoot(path[0].id)
}

// balanceNode merges or redistributes the underfull node at the end of
// path with an adjacent sibling.
func (bt *Btree) balanceNode(path []pathFrame) error {
	parent := path[len(path)-2]

	ppg, err := bt.pg.Acquire(parent.id)
	if err != nil {
		return err
	}
	pn := bt.node(ppg)
	pCells := pn.nCells()
	bt.pg.Release(ppg)

	// The separator index between the node and its chosen sibling: the
	// node pairs with its right neighbor when it has one, otherwise with
	// its left neighbor.
	sepIdx := parent.idx
	if parent.idx >= pCells {
		sepIdx = parent.idx - 1
	}
	if sepIdx < 0 {
		// Parent is empty; shrinkRoot or a higher merge handles it.
		return nil
	}

	merged, err := bt.tryMerge(parent.id, sepIdx)
	if err != nil || merged {
		return err
	}
	// Could not merge (combined too large): borrow cells from the fuller
	// side until the thin side is healthy again.
	for i := 0; i < 8; i++ {
		thin, toRight, err := bt.thinSide(parent.id, sepIdx)
		if err != nil {
			return err
		}
		if !thin {
			return nil
		}
		moved, err := bt.rotateOne(pathFrame{id: parent.id}, sepIdx, toRight)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
	}
	return nil
}

// thinSide reports whether either child around the separator is still
// underfull, and in which direction a cell should rotate to help it.
func (bt *Btree) thinSide(parentID pager.PageID, sepIdx int) (bool, bool, error) {
	ppg, err := bt.pg.Acquire(parentID)
	if err != nil {
		return false, false, err
	}
	defer bt.pg.Release(ppg)
	pn := bt.node(ppg)
	pOffs, err := pn.cellOffsets()
	if err != nil {
		return false, false, err
	}
	if sepIdx >= len(pOffs) {
		return false, false, nil
	}
	leftID := pn.cellChild(pOffs[sepIdx])
	var rightID pager.PageID
	if sepIdx+1 < len(pOffs) {
		rightID = pn.cellChild(pOffs[sepIdx+1])
	} else {
		rightID = pn.rightChild()
	}
	lu, err := bt.usedBytesOf(leftID)
	if err != nil {
		return false, false, err
	}
	ru, err := bt.usedBytesOf(rightID)
	if err != nil {
		return false, false, err
	}
	th := bt.underfullThreshold()
	if ru < th && lu > ru {
		return true, true, nil // rotate right: left lends to right
	}
	if lu < th && ru > lu {
		return true, false, nil // rotate left: right lends to left
	}
	return false, false, nil
}

func (bt *Btree) usedBytesOf(id pager.PageID) (int, error) {
	if id == 0 {
		return 0, kerr.New(kerr.Corrupt, "missing child page")
	}
	pg, err := bt.pg.Acquire(id)
	if err != nil {
		return 0, err
	}
	used := bt.node(pg).usedBytes()
	bt.pg.Release(pg)
	return used, nil
}

// tryMerge combines the two children around the parent's separator cell
// at sepIdx into the left one when everything fits on a single page.
func (bt *Btree) tryMerge(parentID pager.PageID, sepIdx int) (bool, error) {
	ppg, err := bt.pg.Acquire(parentID)
	if err != nil {
		return false, err
	}
	defer bt.pg.Release(ppg)
	pn := bt.node(ppg)
	pOffs, err := pn.cellOffsets()
	if err != nil {
		return false, err
	}
	if sepIdx >= len(pOffs) {
		return false, nil
	}
	sepOff := pOffs[sepIdx]
	leftID := pn.cellChild(sepOff)
	var rightID pager.PageID
	if sepIdx+1 < len(pOffs) {
		rightID = pn.cellChild(pOffs[sepIdx+1])
	} else {
		rightID = pn.rightChild()
	}
	if leftID == 0 || rightID == 0 {
		return false, nil
	}

	lpg, err := bt.pg.Acquire(leftID)
	if err != nil {
		return false, err
	}
	defer bt.pg.Release(lpg)
	rpg, err := bt.pg.Acquire(rightID)
	if err != nil {
		return false, err
	}
	defer bt.pg.Release(rpg)
	ln, rn := bt.node(lpg), bt.node(rpg)

	capacity := bt.pg.PageSize() - nodeHdrSize
	if ln.usedBytes()+pn.cellSizeAt(sepOff)+rn.usedBytes() > capacity {
		return false, nil
	}

	if err := bt.pg.MarkDirty(ppg); err != nil {
		return false, err
	}
	if err := bt.pg.MarkDirty(lpg); err != nil {
		return false, err
	}

	sepRaw, err := pn.removeCell(sepIdx)
	if err != nil {
		return false, err
	}
	rawCellSetChild(sepRaw, ln.rightChild())
	if _, err := bt.mustInsert(ln, ln.nCells(), sepRaw); err != nil {
		return false, err
	}
	rOffs, err := rn.cellOffsets()
	if err != nil {
		return false, err
	}
	for _, off := range rOffs {
		sz := rn.cellSizeAt(off)
		raw := append([]byte(nil), rn.d[off:off+sz]...)
		if _, err := bt.mustInsert(ln, ln.nCells(), raw); err != nil {
			return false, err
		}
	}
	ln.setRightChild(rn.rightChild())

	// The edge that pointed at the right child now points at the merged
	// left child. After removing the separator, that edge sits at sepIdx
	// (or is the rightmost pointer).
	pOffs, err = pn.cellOffsets()
	if err != nil {
		return false, err
	}
	if sepIdx < len(pOffs) {
		pn.setCellChild(pOffs[sepIdx], leftID)
	} else {
		pn.setRightChild(leftID)
	}
	if err := bt.freePage(rightID); err != nil {
		return false, err
	}
	return true, nil
}

// shrinkRoot collapses an empty interior root onto its single child,
// reducing the tree height by one while keeping the root page number.
func (bt *Btree) shrinkRoot(root pager.PageID) error {
	pg, err := bt.pg.Acquire(root)
	if err != nil {
		return err
	}
	n := bt.node(pg)
	if n.nCells() != 0 || n.rightChild() == 0 {
		bt.pg.Release(pg)
		return nil
	}
	childID := n.rightChild()
	cpg, err := bt.pg.Acquire(childID)
	if err != nil {
		bt.pg.Release(pg)
		return err
	}
	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(cpg)
		bt.pg.Release(pg)
		return err
	}
	copy(pg.Data, cpg.Data)
	bt.pg.Release(cpg)
	bt.pg.Release(pg)
	if err := bt.freePage(childID); err != nil {
		return err
	}
	// The child may itself have been an empty interior node.
	return bt.shrinkRoot(root)
}
