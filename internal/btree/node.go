package btree

import (
	"encoding/binary"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Page layout
// ───────────────────────────────────────────────────────────────────────────
//
// Every page opens with a one-byte type tag. B-tree node pages follow with:
//
//	off  0  type tag (pageTypeNode)
//	off  1  reserved
//	off  2  u16 offset of the first cell in key order (0 = none)
//	off  4  u16 offset of the first free block (0 = none)
//	off  6  u16 live cell count
//	off  8  u32 rightmost child page (0 on leaves)
//
// Cells and free blocks interleave in the remaining bytes. A cell is:
//
//	off  0  u32 pre-child page (subtree of keys ordering before this cell)
//	off  4  u16 key length
//	off  6  u16 offset of the next cell in key order (0 = last)
//	off  8  u32 data length
//	off 12  payload bytes (key then data), at most maxLocal of them
//	tail    u32 first overflow page, present iff payload > maxLocal
//
// A free block is a u16 size followed by a u16 offset of the next free
// block; blocks are kept in ascending address order and coalesced on
// release. All cell and free-block starts and sizes are multiples of 4,
// so header + cells + free blocks always tile the page exactly.

const (
	pageTypeNode     = 0x01
	pageTypeOverflow = 0x02
	pageTypeFree     = 0x03
	pageTypeMeta     = 0x04

	nodeHdrSize = 12

	nodeFirstCellOff  = 2
	nodeFirstFreeOff  = 4
	nodeCellCountOff  = 6
	nodeRightChildOff = 8

	cellHdrSize = 12

	cellChildOff   = 0
	cellKeyLenOff  = 4
	cellNextOff    = 6
	cellDataLenOff = 8
)

func align4(n int) int { return (n + 3) &^ 3 }

// maxLocalFor is the local payload threshold: payloads at or below it are
// stored entirely in the cell; anything longer spills to overflow pages.
func maxLocalFor(pageSize int) int {
	return ((pageSize - nodeHdrSize) / 4) &^ 3
}

// cellSize computes the byte footprint of a cell for the given payload.
func cellSize(keyLen, dataLen, maxLocal int) int {
	payload := keyLen + dataLen
	local := payload
	sz := cellHdrSize + local
	if payload > maxLocal {
		sz = cellHdrSize + maxLocal + 4
	}
	return align4(sz)
}

// node is a typed view over one pinned B-tree page.
type node struct {
	bt *Btree
	pg *pager.Page
	d  []byte
}

func (bt *Btree) node(pg *pager.Page) node { return node{bt: bt, pg: pg, d: pg.Data} }

// initNode formats a page as an empty B-tree node: no cells, one free
// block covering everything past the header.
func initNode(d []byte) {
	for i := range d {
		d[i] = 0
	}
	d[0] = pageTypeNode
	binary.LittleEndian.PutUint16(d[nodeFirstFreeOff:], nodeHdrSize)
	binary.LittleEndian.PutUint16(d[nodeHdrSize:], uint16(len(d)-nodeHdrSize))
	// next-free stays 0
}

func (n node) typ() byte            { return n.d[0] }
func (n node) firstCell() int       { return int(binary.LittleEndian.Uint16(n.d[nodeFirstCellOff:])) }
func (n node) setFirstCell(off int) { binary.LittleEndian.PutUint16(n.d[nodeFirstCellOff:], uint16(off)) }
func (n node) firstFree() int       { return int(binary.LittleEndian.Uint16(n.d[nodeFirstFreeOff:])) }
func (n node) setFirstFree(off int) { binary.LittleEndian.PutUint16(n.d[nodeFirstFreeOff:], uint16(off)) }
func (n node) nCells() int          { return int(binary.LittleEndian.Uint16(n.d[nodeCellCountOff:])) }
func (n node) setNCells(c int)      { binary.LittleEndian.PutUint16(n.d[nodeCellCountOff:], uint16(c)) }

func (n node) rightChild() pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(n.d[nodeRightChildOff:]))
}
func (n node) setRightChild(id pager.PageID) {
	binary.LittleEndian.PutUint32(n.d[nodeRightChildOff:], uint32(id))
}

func (n node) isLeaf() bool { return n.rightChild() == 0 }

// ── cell field access ──────────────────────────────────────────────────────

func (n node) cellChild(off int) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(n.d[off+cellChildOff:]))
}
func (n node) setCellChild(off int, id pager.PageID) {
	binary.LittleEndian.PutUint32(n.d[off+cellChildOff:], uint32(id))
}
func (n node) cellKeyLen(off int) int {
	return int(binary.LittleEndian.Uint16(n.d[off+cellKeyLenOff:]))
}
func (n node) cellNext(off int) int {
	return int(binary.LittleEndian.Uint16(n.d[off+cellNextOff:]))
}
func (n node) setCellNext(off, next int) {
	binary.LittleEndian.PutUint16(n.d[off+cellNextOff:], uint16(next))
}
func (n node) cellDataLen(off int) int {
	return int(binary.LittleEndian.Uint32(n.d[off+cellDataLenOff:]))
}

// cellPayloadLocal returns the in-page payload bytes of the cell.
func (n node) cellPayloadLocal(off int) []byte {
	payload := n.cellKeyLen(off) + n.cellDataLen(off)
	local := payload
	if local > n.bt.maxLocal {
		local = n.bt.maxLocal
	}
	return n.d[off+cellHdrSize : off+cellHdrSize+local]
}

// cellOverflow returns the head of the cell's overflow chain, or 0.
func (n node) cellOverflow(off int) pager.PageID {
	if n.cellKeyLen(off)+n.cellDataLen(off) <= n.bt.maxLocal {
		return 0
	}
	return pager.PageID(binary.LittleEndian.Uint32(n.d[off+cellHdrSize+n.bt.maxLocal:]))
}

func (n node) cellSizeAt(off int) int {
	return cellSize(n.cellKeyLen(off), n.cellDataLen(off), n.bt.maxLocal)
}

// cellOffsets walks the sorted cell chain and returns each cell's offset
// in key order. The chain is bounds-checked so a corrupted page surfaces
// as an error instead of an infinite walk.
func (n node) cellOffsets() ([]int, error) {
	want := n.nCells()
	offs := make([]int, 0, want)
	off := n.firstCell()
	for off != 0 {
		if off < nodeHdrSize || off+cellHdrSize > len(n.d) || len(offs) > want {
			return nil, kerr.New(kerr.Corrupt, "page %d: broken cell chain", n.pg.ID)
		}
		offs = append(offs, off)
		off = n.cellNext(off)
	}
	if len(offs) != want {
		return nil, kerr.New(kerr.Corrupt, "page %d: cell count %d != chain length %d",
			n.pg.ID, want, len(offs))
	}
	return offs, nil
}

// ── free-space management ──────────────────────────────────────────────────

func (n node) freeBlockSize(off int) int {
	return int(binary.LittleEndian.Uint16(n.d[off:]))
}
func (n node) freeBlockNext(off int) int {
	return int(binary.LittleEndian.Uint16(n.d[off+2:]))
}
func (n node) setFreeBlock(off, size, next int) {
	binary.LittleEndian.PutUint16(n.d[off:], uint16(size))
	binary.LittleEndian.PutUint16(n.d[off+2:], uint16(next))
}

// freeTotal sums every free block on the page.
func (n node) freeTotal() int {
	total := 0
	for off := n.firstFree(); off != 0; off = n.freeBlockNext(off) {
		total += n.freeBlockSize(off)
	}
	return total
}

// usedBytes is the page's live payload footprint (cells only).
func (n node) usedBytes() int {
	return len(n.d) - nodeHdrSize - n.freeTotal()
}

// allocSpace carves size bytes out of the free list, first-fit. Space is
// taken from the tail of a block so block offsets stay stable. Returns 0
// when no single block is large enough.
func (n node) allocSpace(size int) int {
	prev := 0
	for off := n.firstFree(); off != 0; off = n.freeBlockNext(off) {
		bsize := n.freeBlockSize(off)
		if bsize >= size {
			if bsize == size {
				// Unlink the block entirely.
				if prev == 0 {
					n.setFirstFree(n.freeBlockNext(off))
				} else {
					n.setFreeBlock(prev, n.freeBlockSize(prev), n.freeBlockNext(off))
				}
				return off
			}
			n.setFreeBlock(off, bsize-size, n.freeBlockNext(off))
			return off + bsize - size
		}
		prev = off
	}
	return 0
}

// releaseSpace returns [off, off+size) to the free list, keeping blocks
// in ascending address order and coalescing neighbors.
func (n node) releaseSpace(off, size int) {
	prev := 0
	next := n.firstFree()
	for next != 0 && next < off {
		prev = next
		next = n.freeBlockNext(next)
	}
	// Coalesce with the following block.
	if next != 0 && off+size == next {
		size += n.freeBlockSize(next)
		next = n.freeBlockNext(next)
	}
	// Coalesce with the preceding block.
	if prev != 0 && prev+n.freeBlockSize(prev) == off {
		n.setFreeBlock(prev, n.freeBlockSize(prev)+size, next)
		return
	}
	n.setFreeBlock(off, size, next)
	if prev == 0 {
		n.setFirstFree(off)
	} else {
		n.setFreeBlock(prev, n.freeBlockSize(prev), off)
	}
}

// defragment rewrites the page so all live cells occupy a prefix and a
// single trailing free block covers the remainder.
func (n node) defragment() error {
	offs, err := n.cellOffsets()
	if err != nil {
		return err
	}
	type rawCell struct{ b []byte }
	cells := make([]rawCell, len(offs))
	for i, off := range offs {
		sz := n.cellSizeAt(off)
		cells[i] = rawCell{b: append([]byte(nil), n.d[off:off+sz]...)}
	}
	w := nodeHdrSize
	prevOff := 0
	for i, c := range cells {
		copy(n.d[w:], c.b)
		if i == 0 {
			n.setFirstCell(w)
		} else {
			n.setCellNext(prevOff, w)
		}
		n.setCellNext(w, 0)
		prevOff = w
		w += len(c.b)
	}
	if len(cells) == 0 {
		n.setFirstCell(0)
	}
	if w < len(n.d) {
		n.setFreeBlock(w, len(n.d)-w, 0)
		n.setFirstFree(w)
	} else {
		n.setFirstFree(0)
	}
	return nil
}

// insertCellBytes places a fully built cell at index i in key order,
// defragmenting first when free space is sufficient but fragmented.
// Returns false when the page genuinely cannot hold the cell.
func (n node) insertCellBytes(i int, cell []byte) (bool, error) {
	size := len(cell)
	off := n.allocSpace(size)
	if off == 0 {
		if n.freeTotal() < size {
			return false, nil
		}
		if err := n.defragment(); err != nil {
			return false, err
		}
		off = n.allocSpace(size)
		if off == 0 {
			return false, nil
		}
	}
	copy(n.d[off:], cell)
	offs, err := n.cellOffsets()
	if err != nil {
		return false, err
	}
	if i < 0 || i > len(offs) {
		return false, kerr.New(kerr.Internal, "cell index %d out of range 0..%d", i, len(offs))
	}
	if i == 0 {
		n.setCellNext(off, n.firstCell())
		n.setFirstCell(off)
	} else {
		n.setCellNext(off, n.cellNext(offs[i-1]))
		n.setCellNext(offs[i-1], off)
	}
	n.setNCells(n.nCells() + 1)
	return true, nil
}

// removeCell unlinks cell i and returns a copy of its raw bytes. The
// cell's overflow chain (if any) is untouched; callers that are truly
// discarding the payload must free the chain themselves.
func (n node) removeCell(i int) ([]byte, error) {
	offs, err := n.cellOffsets()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(offs) {
		return nil, kerr.New(kerr.Internal, "removeCell index %d out of range", i)
	}
	off := offs[i]
	sz := n.cellSizeAt(off)
	raw := append([]byte(nil), n.d[off:off+sz]...)
	if i == 0 {
		n.setFirstCell(n.cellNext(off))
	} else {
		n.setCellNext(offs[i-1], n.cellNext(off))
	}
	n.releaseSpace(off, sz)
	n.setNCells(n.nCells() - 1)
	return raw, nil
}

// ── raw-cell helpers (cells held as byte slices during balancing) ──────────

func rawCellChild(b []byte) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(b[cellChildOff:]))
}
func rawCellSetChild(b []byte, id pager.PageID) {
	binary.LittleEndian.PutUint32(b[cellChildOff:], uint32(id))
}
func rawCellKeyLen(b []byte) int {
	return int(binary.LittleEndian.Uint16(b[cellKeyLenOff:]))
}
func rawCellDataLen(b []byte) int {
	return int(binary.LittleEndian.Uint32(b[cellDataLenOff:]))
}

// rawCellLocalKey returns the in-cell prefix of the key (the whole key
// unless it extends into the overflow chain).
func rawCellLocalKey(b []byte, maxLocal int) []byte {
	keyLen := rawCellKeyLen(b)
	if keyLen > maxLocal {
		keyLen = maxLocal
	}
	return b[cellHdrSize : cellHdrSize+keyLen]
}

func rawCellOverflow(b []byte, maxLocal int) pager.PageID {
	if rawCellKeyLen(b)+rawCellDataLen(b) <= maxLocal {
		return 0
	}
	return pager.PageID(binary.LittleEndian.Uint32(b[cellHdrSize+maxLocal:]))
}
