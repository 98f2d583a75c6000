package btree

import (
	"encoding/binary"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// Released pages form a singly-linked list headed in page 1. A free page
// is tagged pageTypeFree and stores the next free page at offset 4.
// Allocation prefers reusing the head of this list over growing the file.

// allocatePage hands back a pinned, dirty page: the head of the free
// list when it has one, otherwise a fresh page from the end of the file.
// The page contents are zeroed either way.
func (bt *Btree) allocatePage() (*pager.Page, error) {
	sb, err := bt.readSuper()
	if err != nil {
		return nil, err
	}
	if sb.FreeHead == 0 {
		return bt.pg.Allocate()
	}
	pg, err := bt.pg.Acquire(sb.FreeHead)
	if err != nil {
		return nil, err
	}
	if pg.Data[0] != pageTypeFree {
		bt.pg.Release(pg)
		return nil, kerr.New(kerr.Corrupt, "free-list page %d has type %#x", pg.ID, pg.Data[0])
	}
	next := pager.PageID(binary.LittleEndian.Uint32(pg.Data[4:]))
	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(pg)
		return nil, err
	}
	if err := bt.updateSuper(func(s *superblock) {
		s.FreeHead = next
		s.FreeLen--
	}); err != nil {
		bt.pg.Release(pg)
		return nil, err
	}
	for i := range pg.Data {
		pg.Data[i] = 0
	}
	return pg, nil
}

// freePage pushes id onto the free list.
func (bt *Btree) freePage(id pager.PageID) error {
	sb, err := bt.readSuper()
	if err != nil {
		return err
	}
	pg, err := bt.pg.Acquire(id)
	if err != nil {
		return err
	}
	if err := bt.pg.MarkDirty(pg); err != nil {
		bt.pg.Release(pg)
		return err
	}
	for i := range pg.Data {
		pg.Data[i] = 0
	}
	pg.Data[0] = pageTypeFree
	binary.LittleEndian.PutUint32(pg.Data[4:], uint32(sb.FreeHead))
	bt.pg.Release(pg)
	return bt.updateSuper(func(s *superblock) {
		s.FreeHead = id
		s.FreeLen++
	})
}
