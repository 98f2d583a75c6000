package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// CheckIntegrity verifies the structural invariants of the file: every
// node's cell chain is in strictly ascending key order and tiles the
// page exactly together with its free blocks and header; overflow
// chains terminate with the declared byte count; and the free-page list
// is acyclic with every member tagged free. roots lists the root page
// of every tree in the file (the caller knows them from its catalog).
func (bt *Btree) CheckIntegrity(roots []pager.PageID) error {
	seen := make(map[pager.PageID]bool)
	seen[superPage] = true
	for _, r := range roots {
		if err := bt.checkSubtree(r, nil, nil, seen); err != nil {
			return err
		}
	}
	return bt.checkFreeList(seen)
}

// checkSubtree validates one node page and recurses. lo and hi bound the
// keys the subtree may contain (nil = unbounded); lo is exclusive, hi
// inclusive.
func (bt *Btree) checkSubtree(id pager.PageID, lo, hi []byte, seen map[pager.PageID]bool) error {
	if seen[id] {
		return kerr.New(kerr.Corrupt, "page %d reachable twice", id)
	}
	seen[id] = true
	pg, err := bt.pg.Acquire(id)
	if err != nil {
		return err
	}
	defer bt.pg.Release(pg)
	n := bt.node(pg)
	if n.typ() != pageTypeNode {
		return kerr.New(kerr.Corrupt, "page %d: expected node, found type %#x", id, n.typ())
	}
	offs, err := n.cellOffsets()
	if err != nil {
		return err
	}

	// Header + cells + free blocks must tile the page exactly, with all
	// starts 4-aligned and free blocks in ascending address order.
	total := nodeHdrSize
	for _, off := range offs {
		if off%4 != 0 {
			return kerr.New(kerr.Corrupt, "page %d: cell at unaligned offset %d", id, off)
		}
		total += n.cellSizeAt(off)
	}
	prevFree := 0
	for off := n.firstFree(); off != 0; off = n.freeBlockNext(off) {
		if off%4 != 0 {
			return kerr.New(kerr.Corrupt, "page %d: free block at unaligned offset %d", id, off)
		}
		if off <= prevFree {
			return kerr.New(kerr.Corrupt, "page %d: free blocks out of address order", id)
		}
		prevFree = off
		total += n.freeBlockSize(off)
	}
	if total != len(n.d) {
		return kerr.New(kerr.Corrupt, "page %d: header+cells+free = %d, page size %d", id, total, len(n.d))
	}

	prev := lo
	for i, off := range offs {
		key, err := bt.cellKey(n, off)
		if err != nil {
			return err
		}
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			return kerr.New(kerr.Corrupt, "page %d: cell %d out of key order", id, i)
		}
		if hi != nil && bytes.Compare(key, hi) > 0 {
			return kerr.New(kerr.Corrupt, "page %d: cell %d above parent separator", id, i)
		}
		if ov := n.cellOverflow(off); ov != 0 {
			declared := n.cellKeyLen(off) + n.cellDataLen(off) - bt.maxLocal
			if err := bt.checkOverflowChain(ov, declared, seen); err != nil {
				return err
			}
		}
		if child := n.cellChild(off); child != 0 {
			if err := bt.checkSubtree(child, prev, key, seen); err != nil {
				return err
			}
		} else if n.rightChild() != 0 {
			return kerr.New(kerr.Corrupt, "page %d: interior node with leaf cell %d", id, i)
		}
		prev = key
	}
	if rc := n.rightChild(); rc != 0 {
		if err := bt.checkSubtree(rc, prev, hi, seen); err != nil {
			return err
		}
	}
	return nil
}

func (bt *Btree) checkOverflowChain(id pager.PageID, declared int, seen map[pager.PageID]bool) error {
	usable := bt.ovflUsable()
	want := (declared + usable - 1) / usable
	pages := 0
	for id != 0 {
		if seen[id] {
			return kerr.New(kerr.Corrupt, "overflow page %d reachable twice", id)
		}
		seen[id] = true
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return err
		}
		if pg.Data[0] != pageTypeOverflow {
			bt.pg.Release(pg)
			return kerr.New(kerr.Corrupt, "page %d in overflow chain has type %#x", id, pg.Data[0])
		}
		next := pager.PageID(binary.LittleEndian.Uint32(pg.Data[4:]))
		bt.pg.Release(pg)
		pages++
		id = next
	}
	if pages != want {
		return kerr.New(kerr.Corrupt, "overflow chain has %d pages, %d bytes need %d", pages, declared, want)
	}
	return nil
}

func (bt *Btree) checkFreeList(seen map[pager.PageID]bool) error {
	sb, err := bt.readSuper()
	if err != nil {
		return err
	}
	count := uint32(0)
	id := sb.FreeHead
	for id != 0 {
		if seen[id] {
			return kerr.New(kerr.Corrupt, "free-list page %d reachable twice", id)
		}
		seen[id] = true
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return err
		}
		if pg.Data[0] != pageTypeFree {
			bt.pg.Release(pg)
			return kerr.New(kerr.Corrupt, "free-list page %d has type %#x", id, pg.Data[0])
		}
		next := pager.PageID(binary.LittleEndian.Uint32(pg.Data[4:]))
		bt.pg.Release(pg)
		count++
		if count > bt.pg.PageCount() {
			return kerr.New(kerr.Corrupt, "free-page list is cyclic")
		}
		id = next
	}
	if count != sb.FreeLen {
		return kerr.New(kerr.Corrupt, "free-list length %d, header says %d", count, sb.FreeLen)
	}
	return nil
}

// FreePageCount returns the current length of the free-page list.
func (bt *Btree) FreePageCount() (uint32, error) {
	sb, err := bt.readSuper()
	if err != nil {
		return 0, err
	}
	return sb.FreeLen, nil
}
