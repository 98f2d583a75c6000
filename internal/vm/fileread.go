package vm

import (
	"bufio"
	"os"
	"strings"

	"github.com/kestreldb/kestrel/internal/kerr"
)

// fileReader feeds COPY: it reads a delimited text file one row at a
// time and exposes the current row's fields by index.
type fileReader struct {
	f      *os.File
	sc     *bufio.Scanner
	fields []string
}

func openFileReader(path string) (*fileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.CantOpen, err, "open %q", path)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &fileReader{f: f, sc: sc}, nil
}

// read advances to the next line, splitting it into at least ncols
// fields on delim (missing trailing fields read as NULL). Returns false
// at end of file.
func (r *fileReader) read(ncols int, delim string) (bool, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return false, kerr.Wrap(kerr.IoErr, err, "read row")
		}
		return false, nil
	}
	if delim == "" {
		delim = "\t"
	}
	r.fields = strings.Split(r.sc.Text(), delim)
	for len(r.fields) < ncols {
		r.fields = append(r.fields, "")
	}
	return true, nil
}

// column returns field i of the current row; absent fields are NULL.
func (r *fileReader) column(i int) Mem {
	if i < 0 || i >= len(r.fields) {
		return Null()
	}
	if r.fields[i] == "" {
		return Null()
	}
	return Str(r.fields[i])
}

func (r *fileReader) close() {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}
