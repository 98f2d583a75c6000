package pager

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/kestreldb/kestrel/internal/kerr"
)

// The rollback journal holds the original image of every page dirtied in
// the current write transaction. Layout:
//
//	header:  magic u32 | version u32 | pageSize u32 | origPages u32
//	record:  pageID u32 | blake3-128 of image | image bytes
//
// Records carry a truncated BLAKE3 hash so playback can tell a complete
// record from a torn tail write left by a crash: playback stops at the
// first record whose checksum does not match.
const (
	journalMagic   = 0x6b4a524e // "kJRN"
	journalVersion = 1
	journalHdrLen  = 16
	journalSumLen  = 16
)

type journal struct {
	f         *os.File
	path      string
	pageSize  int
	origPages uint32
}

func createJournal(path string, pageSize int, origPages uint32) (*journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kerr.Wrap(kerr.CantOpen, err, "create journal %q", path)
	}
	var hdr [journalHdrLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], journalMagic)
	binary.LittleEndian.PutUint32(hdr[4:], journalVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(pageSize))
	binary.LittleEndian.PutUint32(hdr[12:], origPages)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, kerr.Wrap(kerr.IoErr, err, "write journal header")
	}
	return &journal{f: f, path: path, pageSize: pageSize, origPages: origPages}, nil
}

// writePage appends one original page image.
func (j *journal) writePage(id PageID, image []byte) error {
	var rec [4 + journalSumLen]byte
	binary.LittleEndian.PutUint32(rec[0:], uint32(id))
	sum := blake3.Sum256(image)
	copy(rec[4:], sum[:journalSumLen])
	if _, err := j.f.Write(rec[:]); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "journal page %d", id)
	}
	if _, err := j.f.Write(image); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "journal page %d", id)
	}
	return nil
}

func (j *journal) sync() error {
	if err := j.f.Sync(); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "sync journal")
	}
	return nil
}

// playback restores every journaled image into dst and truncates dst to
// its pre-transaction length.
func (j *journal) playback(dst backing) error {
	if err := playbackFrom(j.f, dst, j.pageSize); err != nil {
		return err
	}
	return dst.Truncate(int64(j.origPages) * int64(j.pageSize))
}

func (j *journal) remove() {
	j.f.Close()
	os.Remove(j.path)
}

// recoverJournal plays back a journal file left behind by a crashed
// writer, then deletes it. A missing journal is the normal case.
func recoverJournal(dst backing, path string, pageSize int) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return kerr.Wrap(kerr.IoErr, err, "open journal %q", path)
	}
	defer f.Close()

	var hdr [journalHdrLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		// Too short to even hold a header: nothing was journaled before
		// the crash, so the main file is untouched.
		os.Remove(path)
		return nil
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != journalMagic ||
		binary.LittleEndian.Uint32(hdr[4:]) != journalVersion {
		return kerr.New(kerr.Corrupt, "journal %q has a bad header", path)
	}
	jPageSize := int(binary.LittleEndian.Uint32(hdr[8:]))
	origPages := binary.LittleEndian.Uint32(hdr[12:])
	if jPageSize != pageSize {
		return kerr.New(kerr.Corrupt, "journal page size %d != database page size %d", jPageSize, pageSize)
	}
	if err := playbackFrom(f, dst, pageSize); err != nil {
		return err
	}
	if err := dst.Truncate(int64(origPages) * int64(pageSize)); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "truncate during recovery")
	}
	if err := dst.Sync(); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "sync during recovery")
	}
	os.Remove(path)
	return nil
}

// playbackFrom reads records sequentially from the journal (positioned
// just past the header) and writes each verified image back into dst.
func playbackFrom(f *os.File, dst backing, pageSize int) error {
	if _, err := f.Seek(journalHdrLen, io.SeekStart); err != nil {
		return kerr.Wrap(kerr.IoErr, err, "seek journal")
	}
	var rec [4 + journalSumLen]byte
	image := make([]byte, pageSize)
	for {
		if _, err := io.ReadFull(f, rec[:]); err != nil {
			return nil // clean end, or a torn record header
		}
		if _, err := io.ReadFull(f, image); err != nil {
			return nil // torn image write; the record never completed
		}
		sum := blake3.Sum256(image)
		if string(sum[:journalSumLen]) != string(rec[4:]) {
			return nil // checksum mismatch: stop at the torn tail
		}
		id := binary.LittleEndian.Uint32(rec[0:])
		if id == 0 {
			return kerr.New(kerr.Corrupt, "journal records page 0")
		}
		off := int64(id-1) * int64(pageSize)
		if _, err := dst.WriteAt(image, off); err != nil {
			return kerr.Wrap(kerr.IoErr, err, "restore page %d", id)
		}
	}
}
