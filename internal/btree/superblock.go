package btree

import (
	"encoding/binary"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// Page 1 is the database header. It carries two magic words (the first
// detects foreign files, the second the format version), the head of the
// free-page list, and the schema cookie.
//
//	off  0  type tag (pageTypeMeta)
//	off  4  magic1
//	off  8  magic2
//	off 12  free-list head page (0 = empty)
//	off 16  free-list length
//	off 20  schema cookie
//	off 24  page size
const (
	// Magic1 identifies a database file of this engine.
	Magic1 = 0x4b53_4442 // "KSDB"
	// Magic2 is the format version word.
	Magic2 = 0x0001_0001

	superPage = pager.PageID(1)

	sbTypeOff     = 0
	sbMagic1Off   = 4
	sbMagic2Off   = 8
	sbFreeHeadOff = 12
	sbFreeLenOff  = 16
	sbCookieOff   = 20
	sbPageSizeOff = 24
)

type superblock struct {
	FreeHead     pager.PageID
	FreeLen      uint32
	SchemaCookie uint32
	PageSize     uint32
}

func decodeSuper(d []byte) (superblock, error) {
	if d[sbTypeOff] != pageTypeMeta ||
		binary.LittleEndian.Uint32(d[sbMagic1Off:]) != Magic1 {
		return superblock{}, kerr.New(kerr.NotFound, "not a database file")
	}
	if binary.LittleEndian.Uint32(d[sbMagic2Off:]) != Magic2 {
		return superblock{}, kerr.New(kerr.Corrupt, "unsupported format version %#x",
			binary.LittleEndian.Uint32(d[sbMagic2Off:]))
	}
	return superblock{
		FreeHead:     pager.PageID(binary.LittleEndian.Uint32(d[sbFreeHeadOff:])),
		FreeLen:      binary.LittleEndian.Uint32(d[sbFreeLenOff:]),
		SchemaCookie: binary.LittleEndian.Uint32(d[sbCookieOff:]),
		PageSize:     binary.LittleEndian.Uint32(d[sbPageSizeOff:]),
	}, nil
}

func encodeSuper(d []byte, sb superblock) {
	for i := 0; i < 28; i++ {
		d[i] = 0
	}
	d[sbTypeOff] = pageTypeMeta
	binary.LittleEndian.PutUint32(d[sbMagic1Off:], Magic1)
	binary.LittleEndian.PutUint32(d[sbMagic2Off:], Magic2)
	binary.LittleEndian.PutUint32(d[sbFreeHeadOff:], uint32(sb.FreeHead))
	binary.LittleEndian.PutUint32(d[sbFreeLenOff:], sb.FreeLen)
	binary.LittleEndian.PutUint32(d[sbCookieOff:], sb.SchemaCookie)
	binary.LittleEndian.PutUint32(d[sbPageSizeOff:], sb.PageSize)
}

// readSuper loads the header from page 1.
func (bt *Btree) readSuper() (superblock, error) {
	pg, err := bt.pg.Acquire(superPage)
	if err != nil {
		return superblock{}, err
	}
	defer bt.pg.Release(pg)
	return decodeSuper(pg.Data)
}

// updateSuper applies fn to the header under the active write transaction.
func (bt *Btree) updateSuper(fn func(*superblock)) error {
	pg, err := bt.pg.Acquire(superPage)
	if err != nil {
		return err
	}
	defer bt.pg.Release(pg)
	sb, err := decodeSuper(pg.Data)
	if err != nil {
		return err
	}
	if err := bt.pg.MarkDirty(pg); err != nil {
		return err
	}
	fn(&sb)
	encodeSuper(pg.Data, sb)
	return nil
}
