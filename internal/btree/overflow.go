package btree

import (
	"encoding/binary"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// Overflow pages hold the payload bytes past a cell's local threshold in
// a singly-linked chain:
//
//	off 0  type tag (pageTypeOverflow)
//	off 4  u32 next overflow page (0 = last)
//	off 8  payload bytes
const ovflHdrSize = 8

func (bt *Btree) ovflUsable() int { return bt.pg.PageSize() - ovflHdrSize }

// writeOverflowChain stores payload into freshly allocated overflow pages
// and returns the head of the chain.
func (bt *Btree) writeOverflowChain(payload []byte) (pager.PageID, error) {
	var head pager.PageID
	var prevPg *pager.Page
	for len(payload) > 0 {
		pg, err := bt.allocatePage()
		if err != nil {
			if prevPg != nil {
				bt.pg.Release(prevPg)
			}
			return 0, err
		}
		pg.Data[0] = pageTypeOverflow
		n := copy(pg.Data[ovflHdrSize:], payload)
		payload = payload[n:]
		if head == 0 {
			head = pg.ID
		}
		if prevPg != nil {
			binary.LittleEndian.PutUint32(prevPg.Data[4:], uint32(pg.ID))
			bt.pg.Release(prevPg)
		}
		prevPg = pg
	}
	if prevPg != nil {
		bt.pg.Release(prevPg)
	}
	return head, nil
}

// freeOverflowChain returns every page of the chain headed at id to the
// free list.
func (bt *Btree) freeOverflowChain(id pager.PageID) error {
	seen := 0
	for id != 0 {
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
		if err := bt.freePage(id); err != nil {
			return err
		}
		id = next
		if seen++; seen > int(bt.pg.PageCount())+1 {
			return kerr.New(kerr.Corrupt, "overflow chain cycle at page %d", id)
		}
	}
	return nil
}

// readPayload reads amt bytes of a cell's payload starting at from,
// following the overflow chain as needed. from and amt are in payload
// coordinates (key bytes first, then data bytes).
func (bt *Btree) readPayload(n node, cellOff, from, amt int) ([]byte, error) {
	total := n.cellKeyLen(cellOff) + n.cellDataLen(cellOff)
	if from < 0 || amt < 0 || from+amt > total {
		return nil, kerr.New(kerr.Range, "payload read [%d,%d) outside %d bytes", from, from+amt, total)
	}
	out := make([]byte, 0, amt)
	local := n.cellPayloadLocal(cellOff)
	if from < len(local) {
		take := len(local) - from
		if take > amt {
			take = amt
		}
		out = append(out, local[from:from+take]...)
		from += take
		amt -= take
	}
	if amt == 0 {
		return out, nil
	}
	// Continue into the overflow chain; skip is the offset past the local
	// prefix.
	skip := from - len(local)
	usable := bt.ovflUsable()
	id := n.cellOverflow(cellOff)
	seen := 0
	for amt > 0 {
		if id == 0 {
			return nil, kerr.New(kerr.Corrupt, "overflow chain on page %d ends %d bytes short", n.pg.ID, amt)
		}
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return nil, err
		}
		if pg.Data[0] != pageTypeOverflow {
			bt.pg.Release(pg)
			return nil, kerr.New(kerr.Corrupt, "page %d in overflow chain has type %#x", id, pg.Data[0])
		}
		if skip >= usable {
			skip -= usable
		} else {
			avail := usable - skip
			take := avail
			if take > amt {
				take = amt
			}
			out = append(out, pg.Data[ovflHdrSize+skip:ovflHdrSize+skip+take]...)
			skip = 0
			amt -= take
		}
		next := pager.PageID(binary.LittleEndian.Uint32(pg.Data[4:]))
		bt.pg.Release(pg)
		id = next
		if seen++; seen > int(bt.pg.PageCount())+1 {
			return nil, kerr.New(kerr.Corrupt, "overflow chain cycle at page %d", id)
		}
	}
	return out, nil
}

// makeCell builds the raw bytes of a cell, allocating overflow pages when
// the payload exceeds the local threshold.
func (bt *Btree) makeCell(child pager.PageID, key, data []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > 0xFFFF {
		return nil, kerr.New(kerr.TooBig, "key length %d out of range", len(key))
	}
	payload := make([]byte, 0, len(key)+len(data))
	payload = append(payload, key...)
	payload = append(payload, data...)

	sz := cellSize(len(key), len(data), bt.maxLocal)
	cell := make([]byte, sz)
	binary.LittleEndian.PutUint32(cell[cellChildOff:], uint32(child))
	binary.LittleEndian.PutUint16(cell[cellKeyLenOff:], uint16(len(key)))
	binary.LittleEndian.PutUint32(cell[cellDataLenOff:], uint32(len(data)))
	if len(payload) <= bt.maxLocal {
		copy(cell[cellHdrSize:], payload)
		return cell, nil
	}
	copy(cell[cellHdrSize:], payload[:bt.maxLocal])
	head, err := bt.writeOverflowChain(payload[bt.maxLocal:])
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(cell[cellHdrSize+bt.maxLocal:], uint32(head))
	return cell, nil
}

// freeRawCellOverflow releases the overflow chain referenced by a raw
// cell image, if it has one.
func (bt *Btree) freeRawCellOverflow(raw []byte) error {
	if id := rawCellOverflow(raw, bt.maxLocal); id != 0 {
		return bt.freeOverflowChain(id)
	}
	return nil
}

// rawCellKey assembles the full key of a raw cell image, reading the
// overflow chain when the key extends past the local prefix.
func (bt *Btree) rawCellKey(raw []byte) ([]byte, error) {
	keyLen := rawCellKeyLen(raw)
	if keyLen <= bt.maxLocal {
		return raw[cellHdrSize : cellHdrSize+keyLen], nil
	}
	key := make([]byte, 0, keyLen)
	key = append(key, raw[cellHdrSize:cellHdrSize+bt.maxLocal]...)
	rest := keyLen - bt.maxLocal
	usable := bt.ovflUsable()
	id := rawCellOverflow(raw, bt.maxLocal)
	for rest > 0 {
		if id == 0 {
			return nil, kerr.New(kerr.Corrupt, "overflow chain ends %d key bytes short", rest)
		}
		pg, err := bt.pg.Acquire(id)
		if err != nil {
			return nil, err
		}
		take := usable
		if take > rest {
			take = rest
		}
		key = append(key, pg.Data[ovflHdrSize:ovflHdrSize+take]...)
		next := pager.PageID(binary.LittleEndian.Uint32(pg.Data[4:]))
		bt.pg.Release(pg)
		rest -= take
		id = next
	}
	return key, nil
}

// cellKey assembles the full key of cell at cellOff in n.
func (bt *Btree) cellKey(n node, cellOff int) ([]byte, error) {
	return bt.readPayload(n, cellOff, 0, n.cellKeyLen(cellOff))
}
