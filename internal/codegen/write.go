package codegen

import (
	"strings"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/vm"
)

// beginWrite opens the write transaction for a mutating statement. The
// opcode is a no-op when the connection already holds one (explicit
// BEGIN).
func (c *compiler) beginWrite() {
	c.emit(vm.OpTransaction, 0, 0, "")
}

// endWrite commits in autocommit mode; inside an explicit transaction
// the eventual COMMIT statement owns that.
func (c *compiler) endWrite() {
	if c.autocommit {
		c.emit(vm.OpCommit, 0, 0, "")
	}
}

// writeCursors opens a write cursor on the table and one per index.
type writeCursors struct {
	table   int
	indexes []int
}

func (c *compiler) openWriteCursors(t *Table) writeCursors {
	wc := writeCursors{table: c.allocCursor()}
	c.emit(vm.OpOpenWrite, wc.table, int(t.Root), t.Name)
	for _, idx := range t.Indexes {
		n := c.allocCursor()
		wc.indexes = append(wc.indexes, n)
		c.emit(vm.OpOpenWrite, n, int(idx.Root), idx.Name)
	}
	return wc
}

func (c *compiler) closeWriteCursors(wc writeCursors) {
	c.emit(vm.OpClose, wc.table, 0, "")
	for _, n := range wc.indexes {
		c.emit(vm.OpClose, n, 0, "")
	}
}

func mutableTable(s *Schema, name string) (*Table, error) {
	t, err := s.Table(name)
	if err != nil {
		return nil, err
	}
	if t.Virtual {
		return nil, kerr.New(kerr.ReadOnly, "table %s is read-only", t.Name)
	}
	return t, nil
}

// ── INSERT ─────────────────────────────────────────────────────────────────

func (c *compiler) compileInsert(ins *InsertStmt) error {
	t, err := mutableTable(c.schema, ins.Table)
	if err != nil {
		return err
	}

	// Map each table column to its value position in the supplied rows.
	valuePos := make([]int, len(t.Columns)) // -1 = default
	if len(ins.Columns) == 0 {
		for i := range valuePos {
			valuePos[i] = i
		}
	} else {
		for i := range valuePos {
			valuePos[i] = -1
		}
		for vi, name := range ins.Columns {
			ci := t.ColumnIndex(name)
			if ci < 0 {
				return errf("table %s has no column %s", t.Name, name)
			}
			valuePos[ci] = vi
		}
	}
	width := len(ins.Columns)
	if width == 0 {
		width = len(t.Columns)
	}

	c.beginWrite()
	wc := c.openWriteCursors(t)
	rowidCell := c.allocMem()

	emitRow := func(valueOf func(vi int) (Expr, error)) error {
		colExpr := func(ci int) (Expr, error) {
			vi := valuePos[ci]
			if vi < 0 {
				if d := t.Columns[ci].Default; d != nil {
					return d, nil
				}
				return &Literal{Val: vm.Null()}, nil
			}
			return valueOf(vi)
		}
		return c.emitInsertRow(t, wc, rowidCell, colExpr)
	}

	if ins.Sub != nil {
		for _, e := range selectExprs(ins.Sub) {
			if err := c.prepareInTerms(e); err != nil {
				return err
			}
		}
		if err := c.bindFrom(ins.Sub); err != nil {
			return err
		}
		if err := c.resolveSelect(ins.Sub); err != nil {
			return err
		}
		if len(ins.Sub.Columns) != width {
			return errf("INSERT expects %d values, SELECT supplies %d", width, len(ins.Sub.Columns))
		}
		perRow := func() error {
			return emitRow(func(vi int) (Expr, error) {
				return ins.Sub.Columns[vi].Expr, nil
			})
		}
		if err := c.scanLoop(ins.Sub, perRow); err != nil {
			return err
		}
	} else {
		for ri, row := range ins.Rows {
			if len(row) != width {
				return errf("row %d has %d values, expected %d", ri+1, len(row), width)
			}
			for _, e := range row {
				if err := c.prepareInTerms(e); err != nil {
					return err
				}
				if err := c.resolveExpr(e); err != nil {
					return err
				}
				c.countParams(e)
			}
			if err := emitRow(func(vi int) (Expr, error) { return row[vi], nil }); err != nil {
				return err
			}
		}
	}

	c.closeWriteCursors(wc)
	c.endWrite()
	return nil
}

// emitInsertRow lowers one row insertion: unique probes, rowid
// allocation, the record write, and every index entry.
func (c *compiler) emitInsertRow(t *Table, wc writeCursors, rowidCell int, colExpr func(ci int) (Expr, error)) error {
	// Unique-index probes fail the statement before anything mutates.
	for ii, idx := range t.Indexes {
		if !idx.Unique {
			continue
		}
		if err := c.pushIndexFields(t, idx, colExpr); err != nil {
			return err
		}
		c.emit(vm.OpMakeKey, len(idx.Columns), 0, "")
		c.emit(vm.OpBeginIdx, wc.indexes[ii], 0, "")
		lOk := c.label()
		c.emit(vm.OpNextIdx, wc.indexes[ii], lOk, "")
		c.emit(vm.OpHalt, int(kerr.Constraint), 0, "unique constraint failed: "+idx.Name)
		c.resolve(lOk)
	}

	c.emit(vm.OpNewRecno, wc.table, 0, "")
	c.emit(vm.OpMemStore, rowidCell, 0, "")
	for ci := range t.Columns {
		e, err := colExpr(ci)
		if err != nil {
			return err
		}
		if err := c.genExpr(e); err != nil {
			return err
		}
		if t.Columns[ci].NotNull {
			lOk := c.label()
			c.emit(vm.OpDup, 0, 0, "")
			c.emit(vm.OpNotNull, 0, lOk, "")
			c.emit(vm.OpHalt, int(kerr.Constraint), 0, t.Name+"."+t.Columns[ci].Name+" may not be NULL")
			c.resolve(lOk)
		}
	}
	c.emit(vm.OpMakeRecord, len(t.Columns), 0, "")
	c.emit(vm.OpPut, wc.table, 0, "")

	for ii, idx := range t.Indexes {
		c.emit(vm.OpMemLoad, rowidCell, 0, "")
		if err := c.pushIndexFields(t, idx, colExpr); err != nil {
			return err
		}
		c.emit(vm.OpMakeIdxKey, len(idx.Columns), 0, "")
		c.emit(vm.OpPutIdx, wc.indexes[ii], 0, "")
	}
	return nil
}

func (c *compiler) pushIndexFields(t *Table, idx *Index, colExpr func(ci int) (Expr, error)) error {
	for _, col := range idx.Columns {
		ci := t.ColumnIndex(col)
		if ci < 0 {
			return errf("index %s references unknown column %s", idx.Name, col)
		}
		e, err := colExpr(ci)
		if err != nil {
			return err
		}
		if err := c.genExpr(e); err != nil {
			return err
		}
	}
	return nil
}

// ── UPDATE ─────────────────────────────────────────────────────────────────

// compileUpdate uses the two-cursor pattern: a read scan captures the
// target rowids into the keylist, then a second pass reopens the table
// and its indexes for writing and rewrites each captured row.
func (c *compiler) compileUpdate(up *UpdateStmt) error {
	t, err := mutableTable(c.schema, up.Table)
	if err != nil {
		return err
	}
	tcur := c.allocCursor()
	ref := &TableRef{Name: t.Name, table: t, cursor: tcur}
	c.scope = []*TableRef{ref}

	setFor := make(map[int]Expr)
	for _, sc := range up.Sets {
		ci := t.ColumnIndex(sc.Column)
		if ci < 0 {
			return errf("table %s has no column %s", t.Name, sc.Column)
		}
		setFor[ci] = sc.Value
		if err := c.prepareInTerms(sc.Value); err != nil {
			return err
		}
		if err := c.resolveExpr(sc.Value); err != nil {
			return err
		}
		c.countParams(sc.Value)
	}
	if up.Where != nil {
		if err := c.prepareInTerms(up.Where); err != nil {
			return err
		}
		if err := c.resolveExpr(up.Where); err != nil {
			return err
		}
		c.countParams(up.Where)
	}

	c.beginWrite()
	rowidCell := c.allocMem()

	// Pass one: remember every matching rowid.
	c.emit(vm.OpOpen, tcur, int(t.Root), t.Name)
	c.emit(vm.OpListOpen, 0, 0, "")
	lScanEnd := c.label()
	c.emit(vm.OpRewind, tcur, lScanEnd, "")
	lScanTop := c.prog.Here()
	if up.Where != nil {
		lHit := c.label()
		lMiss := c.label()
		if err := c.genCond(up.Where, lHit); err != nil {
			return err
		}
		c.emit(vm.OpGoto, 0, lMiss, "")
		c.resolve(lHit)
		c.emit(vm.OpRecno, tcur, 0, "")
		c.emit(vm.OpListWrite, 0, 0, "")
		c.resolve(lMiss)
	} else {
		c.emit(vm.OpRecno, tcur, 0, "")
		c.emit(vm.OpListWrite, 0, 0, "")
	}
	c.emit(vm.OpNext, tcur, lScanEnd, "")
	c.emit(vm.OpGoto, 0, lScanTop, "")
	c.resolve(lScanEnd)
	c.emit(vm.OpClose, tcur, 0, "")

	// Pass two: rewrite each captured row. Reopening the same cursor
	// number for writing keeps every resolved column reference valid.
	c.emit(vm.OpOpenWrite, tcur, int(t.Root), t.Name)
	var icurs []int
	for _, idx := range t.Indexes {
		n := c.allocCursor()
		icurs = append(icurs, n)
		c.emit(vm.OpOpenWrite, n, int(idx.Root), idx.Name)
	}
	c.emit(vm.OpListRewind, 0, 0, "")
	lDone := c.label()
	lRow := c.prog.Here()
	c.emit(vm.OpListRead, 0, lDone, "")
	c.emit(vm.OpMemStore, rowidCell, 1, "")
	c.emit(vm.OpMemLoad, rowidCell, 0, "")
	c.emit(vm.OpMoveTo, tcur, lRow, "")

	// Old index entries go first, while the row still holds old values.
	for ii, idx := range t.Indexes {
		c.emit(vm.OpMemLoad, rowidCell, 0, "")
		for _, col := range idx.Columns {
			c.emit(vm.OpColumn, tcur, t.ColumnIndex(col), "")
		}
		c.emit(vm.OpMakeIdxKey, len(idx.Columns), 0, "")
		c.emit(vm.OpDeleteIdx, icurs[ii], 0, "")
	}

	newValue := func(ci int) Expr {
		if e, ok := setFor[ci]; ok {
			return e
		}
		return nil // read the old column
	}
	genNew := func(ci int) error {
		if e := newValue(ci); e != nil {
			return c.genExpr(e)
		}
		c.emit(vm.OpColumn, tcur, ci, "")
		return nil
	}

	// With our own entries gone, any unique probe hit is a real
	// conflict with another row.
	for ii, idx := range t.Indexes {
		if !idx.Unique {
			continue
		}
		for _, col := range idx.Columns {
			if err := genNew(t.ColumnIndex(col)); err != nil {
				return err
			}
		}
		c.emit(vm.OpMakeKey, len(idx.Columns), 0, "")
		c.emit(vm.OpBeginIdx, icurs[ii], 0, "")
		lOk := c.label()
		c.emit(vm.OpNextIdx, icurs[ii], lOk, "")
		c.emit(vm.OpHalt, int(kerr.Constraint), 0, "unique constraint failed: "+idx.Name)
		c.resolve(lOk)
	}

	c.emit(vm.OpMemLoad, rowidCell, 0, "")
	for ci := range t.Columns {
		if err := genNew(ci); err != nil {
			return err
		}
		if t.Columns[ci].NotNull {
			lOk := c.label()
			c.emit(vm.OpDup, 0, 0, "")
			c.emit(vm.OpNotNull, 0, lOk, "")
			c.emit(vm.OpHalt, int(kerr.Constraint), 0, t.Name+"."+t.Columns[ci].Name+" may not be NULL")
			c.resolve(lOk)
		}
	}
	c.emit(vm.OpMakeRecord, len(t.Columns), 0, "")
	c.emit(vm.OpPut, tcur, 0, "")

	// New index entries read the freshly written row.
	for ii, idx := range t.Indexes {
		c.emit(vm.OpMemLoad, rowidCell, 0, "")
		for _, col := range idx.Columns {
			c.emit(vm.OpColumn, tcur, t.ColumnIndex(col), "")
		}
		c.emit(vm.OpMakeIdxKey, len(idx.Columns), 0, "")
		c.emit(vm.OpPutIdx, icurs[ii], 0, "")
	}
	c.emit(vm.OpGoto, 0, lRow, "")
	c.resolve(lDone)
	c.emit(vm.OpListClose, 0, 0, "")
	c.emit(vm.OpClose, tcur, 0, "")
	for _, n := range icurs {
		c.emit(vm.OpClose, n, 0, "")
	}
	c.endWrite()
	return nil
}

// ── DELETE ─────────────────────────────────────────────────────────────────

func (c *compiler) compileDelete(del *DeleteStmt) error {
	t, err := mutableTable(c.schema, del.Table)
	if err != nil {
		return err
	}
	tcur := c.allocCursor()
	ref := &TableRef{Name: t.Name, table: t, cursor: tcur}
	c.scope = []*TableRef{ref}
	if del.Where != nil {
		if err := c.prepareInTerms(del.Where); err != nil {
			return err
		}
		if err := c.resolveExpr(del.Where); err != nil {
			return err
		}
		c.countParams(del.Where)
	}

	c.beginWrite()
	rowidCell := c.allocMem()

	c.emit(vm.OpOpen, tcur, int(t.Root), t.Name)
	c.emit(vm.OpListOpen, 0, 0, "")
	lScanEnd := c.label()
	c.emit(vm.OpRewind, tcur, lScanEnd, "")
	lScanTop := c.prog.Here()
	if del.Where != nil {
		lHit := c.label()
		lMiss := c.label()
		if err := c.genCond(del.Where, lHit); err != nil {
			return err
		}
		c.emit(vm.OpGoto, 0, lMiss, "")
		c.resolve(lHit)
		c.emit(vm.OpRecno, tcur, 0, "")
		c.emit(vm.OpListWrite, 0, 0, "")
		c.resolve(lMiss)
	} else {
		c.emit(vm.OpRecno, tcur, 0, "")
		c.emit(vm.OpListWrite, 0, 0, "")
	}
	c.emit(vm.OpNext, tcur, lScanEnd, "")
	c.emit(vm.OpGoto, 0, lScanTop, "")
	c.resolve(lScanEnd)
	c.emit(vm.OpClose, tcur, 0, "")

	c.emit(vm.OpOpenWrite, tcur, int(t.Root), t.Name)
	var icurs []int
	for _, idx := range t.Indexes {
		n := c.allocCursor()
		icurs = append(icurs, n)
		c.emit(vm.OpOpenWrite, n, int(idx.Root), idx.Name)
	}
	c.emit(vm.OpListRewind, 0, 0, "")
	lDone := c.label()
	lRow := c.prog.Here()
	c.emit(vm.OpListRead, 0, lDone, "")
	c.emit(vm.OpMemStore, rowidCell, 1, "")
	c.emit(vm.OpMemLoad, rowidCell, 0, "")
	c.emit(vm.OpMoveTo, tcur, lRow, "")
	for ii, idx := range t.Indexes {
		c.emit(vm.OpMemLoad, rowidCell, 0, "")
		for _, col := range idx.Columns {
			c.emit(vm.OpColumn, tcur, t.ColumnIndex(col), "")
		}
		c.emit(vm.OpMakeIdxKey, len(idx.Columns), 0, "")
		c.emit(vm.OpDeleteIdx, icurs[ii], 0, "")
	}
	c.emit(vm.OpDelete, tcur, 0, "")
	c.emit(vm.OpGoto, 0, lRow, "")
	c.resolve(lDone)
	c.emit(vm.OpListClose, 0, 0, "")
	c.emit(vm.OpClose, tcur, 0, "")
	for _, n := range icurs {
		c.emit(vm.OpClose, n, 0, "")
	}
	c.endWrite()
	return nil
}

// ── COPY ───────────────────────────────────────────────────────────────────

// compileCopy loads a delimited text file row by row through the File*
// opcodes.
func (c *compiler) compileCopy(cp *CopyStmt) error {
	t, err := mutableTable(c.schema, cp.Table)
	if err != nil {
		return err
	}
	ncols := len(t.Columns)
	c.beginWrite()
	wc := c.openWriteCursors(t)
	rowidCell := c.allocMem()

	c.emit(vm.OpFileOpen, 0, 0, cp.File)
	lDone := c.label()
	lRow := c.prog.Here()
	c.emit(vm.OpFileRead, ncols, lDone, cp.Delim)

	for ii, idx := range t.Indexes {
		if !idx.Unique {
			continue
		}
		for _, col := range idx.Columns {
			c.emit(vm.OpFileColumn, t.ColumnIndex(col), 0, "")
		}
		c.emit(vm.OpMakeKey, len(idx.Columns), 0, "")
		c.emit(vm.OpBeginIdx, wc.indexes[ii], 0, "")
		lOk := c.label()
		c.emit(vm.OpNextIdx, wc.indexes[ii], lOk, "")
		c.emit(vm.OpHalt, int(kerr.Constraint), 0, "unique constraint failed: "+idx.Name)
		c.resolve(lOk)
	}

	c.emit(vm.OpNewRecno, wc.table, 0, "")
	c.emit(vm.OpMemStore, rowidCell, 0, "")
	for i := 0; i < ncols; i++ {
		c.emit(vm.OpFileColumn, i, 0, "")
	}
	c.emit(vm.OpMakeRecord, ncols, 0, "")
	c.emit(vm.OpPut, wc.table, 0, "")
	for ii, idx := range t.Indexes {
		c.emit(vm.OpMemLoad, rowidCell, 0, "")
		for _, col := range idx.Columns {
			c.emit(vm.OpFileColumn, t.ColumnIndex(col), 0, "")
		}
		c.emit(vm.OpMakeIdxKey, len(idx.Columns), 0, "")
		c.emit(vm.OpPutIdx, wc.indexes[ii], 0, "")
	}
	c.emit(vm.OpGoto, 0, lRow, "")
	c.resolve(lDone)
	c.emit(vm.OpFileClose, 0, 0, "")
	c.closeWriteCursors(wc)
	c.endWrite()
	return nil
}

// autoIndexName is the name of the index backing a PRIMARY KEY or
// UNIQUE column constraint.
func autoIndexName(table, column string) string {
	return strings.ToLower(table) + "_" + strings.ToLower(column) + "_unique"
}
