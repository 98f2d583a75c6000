package codegen

import (
	"strings"

	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
	"github.com/kestreldb/kestrel/internal/vm"
)

// The catalog is an ordinary tree at a fixed root, keyed by object
// name. Each entry's data is a regular row record with the columns
// (type, name, tbl_name, rootpage, sql); the engine's schema is
// self-describing, reconstructed by re-parsing the stored CREATE
// statements. The same tree is queryable as the read-only virtual
// table __catalog__.
const (
	// CatalogRoot is the fixed root page of the catalog tree, created
	// right after the header page of a fresh database.
	CatalogRoot = pager.PageID(2)

	// CatalogTableName is the name under which the catalog is queryable.
	CatalogTableName = "__catalog__"
)

var catalogColumns = []string{"type", "name", "tbl_name", "rootpage", "sql"}

// Table is one user table as the compiler sees it.
type Table struct {
	Name    string
	Root    pager.PageID
	Columns []ColumnDef
	Indexes []*Index
	SQL     string

	// Virtual marks the catalog pseudo-table: queryable, never written.
	Virtual bool
}

// ColumnIndex returns the position of name within the table, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Index is one secondary index.
type Index struct {
	Name    string
	Table   string
	Root    pager.PageID
	Columns []string
	Unique  bool
	SQL     string
}

// Schema is the compiled-schema snapshot a statement is planned
// against, tagged with the cookie it was read under.
type Schema struct {
	Tables  map[string]*Table
	Indexes map[string]*Index
	Cookie  uint32
}

// Table resolves a table name, including the catalog pseudo-table.
func (s *Schema) Table(name string) (*Table, error) {
	if strings.EqualFold(name, CatalogTableName) {
		cols := make([]ColumnDef, len(catalogColumns))
		for i, c := range catalogColumns {
			cols[i] = ColumnDef{Name: c, Type: "TEXT"}
		}
		return &Table{Name: CatalogTableName, Root: CatalogRoot, Columns: cols, Virtual: true}, nil
	}
	if t, ok := s.Tables[strings.ToLower(name)]; ok {
		return t, nil
	}
	return nil, kerr.New(kerr.ErrGeneric, "no such table: %s", name)
}

// EnsureCatalog creates the catalog tree in a fresh database.
func EnsureCatalog(bt *btree.Btree) error {
	if bt.PageCount() > 1 {
		return nil
	}
	if err := bt.BeginTransaction(); err != nil {
		return err
	}
	root, err := bt.CreateTable()
	if err != nil {
		bt.Rollback()
		return err
	}
	if root != CatalogRoot {
		bt.Rollback()
		return kerr.New(kerr.Internal, "catalog landed on page %d, expected %d", root, CatalogRoot)
	}
	return bt.Commit()
}

// LoadSchema scans the catalog and rebuilds the schema snapshot by
// re-parsing every stored CREATE statement.
func LoadSchema(bt *btree.Btree) (*Schema, error) {
	cookie, err := bt.SchemaCookie()
	if err != nil {
		return nil, err
	}
	s := &Schema{
		Tables:  make(map[string]*Table),
		Indexes: make(map[string]*Index),
		Cookie:  cookie,
	}
	cur, err := bt.OpenCursor(CatalogRoot, false)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	type pendingIndex struct{ idx *Index }
	var pending []pendingIndex

	empty, err := cur.First()
	if err != nil {
		return nil, err
	}
	for !empty {
		rec, err := cur.AllData()
		if err != nil {
			return nil, err
		}
		kind, name, tblName, rootPage, sqlText, err := decodeCatalogRow(rec)
		if err != nil {
			return nil, err
		}
		switch kind {
		case "table":
			stmt, err := Parse(sqlText)
			if err != nil {
				return nil, kerr.Wrap(kerr.Corrupt, err, "catalog entry %q does not re-parse", name)
			}
			ct, ok := stmt.(*CreateTableStmt)
			if !ok {
				return nil, kerr.New(kerr.Corrupt, "catalog entry %q is not a CREATE TABLE", name)
			}
			s.Tables[strings.ToLower(name)] = &Table{
				Name:    ct.Name,
				Root:    rootPage,
				Columns: ct.Columns,
				SQL:     sqlText,
			}
		case "index":
			stmt, err := Parse(sqlText)
			if err != nil {
				return nil, kerr.Wrap(kerr.Corrupt, err, "catalog entry %q does not re-parse", name)
			}
			ci, ok := stmt.(*CreateIndexStmt)
			if !ok {
				return nil, kerr.New(kerr.Corrupt, "catalog entry %q is not a CREATE INDEX", name)
			}
			idx := &Index{
				Name:    ci.Name,
				Table:   tblName,
				Root:    rootPage,
				Columns: ci.Columns,
				Unique:  ci.Unique,
				SQL:     sqlText,
			}
			s.Indexes[strings.ToLower(name)] = idx
			pending = append(pending, pendingIndex{idx})
		default:
			return nil, kerr.New(kerr.Corrupt, "catalog entry %q has unknown type %q", name, kind)
		}
		past, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if past {
			break
		}
	}

	// Indexes may precede their table in name order; attach afterwards.
	for _, p := range pending {
		if t, ok := s.Tables[strings.ToLower(p.idx.Table)]; ok {
			t.Indexes = append(t.Indexes, p.idx)
		}
	}
	return s, nil
}

func decodeCatalogRow(rec []byte) (kind, name, tblName string, root pager.PageID, sqlText string, err error) {
	get := func(i int) (vm.Mem, error) { return vm.DecodeColumn(rec, i) }
	k, err := get(0)
	if err != nil {
		return
	}
	n, err := get(1)
	if err != nil {
		return
	}
	tn, err := get(2)
	if err != nil {
		return
	}
	rp, err := get(3)
	if err != nil {
		return
	}
	sq, err := get(4)
	if err != nil {
		return
	}
	return k.ToString(), n.ToString(), tn.ToString(), pager.PageID(rp.ToInt()), sq.ToString(), nil
}

// catalogKey is the tree key of a catalog entry.
func catalogKey(name string) string { return strings.ToLower(name) }
