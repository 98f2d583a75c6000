package codegen

import (
	"fmt"
	"strings"

	"github.com/kestreldb/kestrel/internal/vm"
)

// DDL statements run through the VM like everything else: they create
// or destroy trees, rewrite the catalog, and bump the schema cookie so
// other compiled statements notice on their next VerifyCookie.

// emitCatalogPut writes one catalog row. The root page is taken from a
// memory cell (it is only known at run time).
func (c *compiler) emitCatalogPut(ccur int, kind, name, tblName string, rootCell int, sql string) {
	c.emit(vm.OpString, 0, 0, catalogKey(name))
	c.emit(vm.OpString, 0, 0, kind)
	c.emit(vm.OpString, 0, 0, name)
	c.emit(vm.OpString, 0, 0, tblName)
	c.emit(vm.OpMemLoad, rootCell, 0, "")
	c.emit(vm.OpString, 0, 0, sql)
	c.emit(vm.OpMakeRecord, 5, 0, "")
	c.emit(vm.OpPut, ccur, 0, "")
}

func (c *compiler) emitCookieBump() {
	c.emit(vm.OpReadCookie, 0, 0, "")
	c.emit(vm.OpAddImm, 1, 0, "")
	c.emit(vm.OpSetCookie, 0, 1, "")
}

func (c *compiler) compileCreateTable(ct *CreateTableStmt) error {
	if _, ok := c.schema.Tables[strings.ToLower(ct.Name)]; ok {
		return errf("table %s already exists", ct.Name)
	}
	if strings.EqualFold(ct.Name, CatalogTableName) {
		return errf("%s is reserved", CatalogTableName)
	}
	if len(ct.Columns) == 0 {
		return errf("table %s has no columns", ct.Name)
	}

	c.beginWrite()
	ccur := c.allocCursor()
	c.emit(vm.OpOpenWrite, ccur, int(CatalogRoot), CatalogTableName)

	rootCell := c.allocMem()
	c.emit(vm.OpCreateTable, 0, 0, "")
	c.emit(vm.OpMemStore, rootCell, 1, "")
	c.emitCatalogPut(ccur, "table", ct.Name, ct.Name, rootCell, ct.SQL)

	// A PRIMARY KEY or UNIQUE column gets a backing unique index; the
	// table is empty at this point, so there is nothing to backfill.
	for _, col := range ct.Columns {
		if !col.PrimaryKey && !col.Unique {
			continue
		}
		idxName := autoIndexName(ct.Name, col.Name)
		idxSQL := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)", idxName, ct.Name, col.Name)
		idxCell := c.allocMem()
		c.emit(vm.OpCreateTable, 0, 0, "")
		c.emit(vm.OpMemStore, idxCell, 1, "")
		c.emitCatalogPut(ccur, "index", idxName, ct.Name, idxCell, idxSQL)
	}

	c.emit(vm.OpClose, ccur, 0, "")
	c.emitCookieBump()
	c.endWrite()
	return nil
}

func (c *compiler) compileCreateIndex(ci *CreateIndexStmt) error {
	t, err := mutableTable(c.schema, ci.Table)
	if err != nil {
		return err
	}
	if _, ok := c.schema.Indexes[strings.ToLower(ci.Name)]; ok {
		return errf("index %s already exists", ci.Name)
	}
	for _, col := range ci.Columns {
		if t.ColumnIndex(col) < 0 {
			return errf("table %s has no column %s", t.Name, col)
		}
	}

	c.beginWrite()
	ccur := c.allocCursor()
	c.emit(vm.OpOpenWrite, ccur, int(CatalogRoot), CatalogTableName)
	rootCell := c.allocMem()
	c.emit(vm.OpCreateTable, 0, 0, "")
	c.emit(vm.OpMemStore, rootCell, 1, "")
	c.emitCatalogPut(ccur, "index", ci.Name, ci.Table, rootCell, ci.SQL)
	c.emit(vm.OpClose, ccur, 0, "")

	// Backfill from the existing rows. The index cursor opens on the
	// runtime root popped off the stack.
	icur := c.allocCursor()
	tcur := c.allocCursor()
	c.emit(vm.OpMemLoad, rootCell, 0, "")
	c.emit(vm.OpOpenWrite, icur, 0, ci.Name)
	c.emit(vm.OpOpen, tcur, int(t.Root), t.Name)
	lEnd := c.label()
	c.emit(vm.OpRewind, tcur, lEnd, "")
	lTop := c.prog.Here()
	c.emit(vm.OpRecno, tcur, 0, "")
	for _, col := range ci.Columns {
		c.emit(vm.OpColumn, tcur, t.ColumnIndex(col), "")
	}
	c.emit(vm.OpMakeIdxKey, len(ci.Columns), 0, "")
	c.emit(vm.OpPutIdx, icur, 0, "")
	c.emit(vm.OpNext, tcur, lEnd, "")
	c.emit(vm.OpGoto, 0, lTop, "")
	c.resolve(lEnd)
	c.emit(vm.OpClose, tcur, 0, "")
	c.emit(vm.OpClose, icur, 0, "")

	c.emitCookieBump()
	c.endWrite()
	return nil
}

func (c *compiler) compileDrop(dr *DropStmt) error {
	c.beginWrite()
	ccur := c.allocCursor()
	c.emit(vm.OpOpenWrite, ccur, int(CatalogRoot), CatalogTableName)

	if dr.Index {
		idx, ok := c.schema.Indexes[strings.ToLower(dr.Name)]
		if !ok {
			return errf("no such index: %s", dr.Name)
		}
		c.emit(vm.OpString, 0, 0, catalogKey(idx.Name))
		c.emit(vm.OpDeleteIdx, ccur, 0, "")
		c.emit(vm.OpInteger, int(idx.Root), 0, "")
		c.emit(vm.OpDropTable, 0, 0, "")
	} else {
		t, err := mutableTable(c.schema, dr.Name)
		if err != nil {
			return err
		}
		for _, idx := range t.Indexes {
			c.emit(vm.OpString, 0, 0, catalogKey(idx.Name))
			c.emit(vm.OpDeleteIdx, ccur, 0, "")
			c.emit(vm.OpInteger, int(idx.Root), 0, "")
			c.emit(vm.OpDropTable, 0, 0, "")
		}
		c.emit(vm.OpString, 0, 0, catalogKey(t.Name))
		c.emit(vm.OpDeleteIdx, ccur, 0, "")
		c.emit(vm.OpInteger, int(t.Root), 0, "")
		c.emit(vm.OpDropTable, 0, 0, "")
	}

	c.emit(vm.OpClose, ccur, 0, "")
	c.emitCookieBump()
	c.endWrite()
	return nil
}
