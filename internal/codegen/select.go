package codegen

import (
	"strings"

	"github.com/kestreldb/kestrel/internal/vm"
)

// bindFrom resolves the FROM list: each table gets a cursor number and
// its schema entry, star projections expand into column references, and
// the compiler's scope is set for name resolution.
func (c *compiler) bindFrom(sel *SelectStmt) error {
	for i := range sel.From {
		tr := &sel.From[i]
		t, err := c.schema.Table(tr.Name)
		if err != nil {
			return err
		}
		tr.table = t
		tr.cursor = c.allocCursor()
	}
	c.scope = nil
	for i := range sel.From {
		c.scope = append(c.scope, &sel.From[i])
	}

	// Expand * into one reference per column of every scoped table.
	var cols []ResultColumn
	for _, rc := range sel.Columns {
		if !rc.Star {
			cols = append(cols, rc)
			continue
		}
		if len(c.scope) == 0 {
			return errf("SELECT * with no FROM clause")
		}
		for _, tr := range c.scope {
			for _, cd := range tr.table.Columns {
				cols = append(cols, ResultColumn{
					Expr:  &ColumnRef{Table: tr.Name, Name: cd.Name},
					Alias: cd.Name,
				})
			}
		}
	}
	sel.Columns = cols
	return nil
}

// selectExprs returns every expression a SELECT contains, for the
// prepare/resolve passes.
func selectExprs(sel *SelectStmt) []Expr {
	var out []Expr
	for _, rc := range sel.Columns {
		if rc.Expr != nil {
			out = append(out, rc.Expr)
		}
	}
	if sel.Where != nil {
		out = append(out, sel.Where)
	}
	out = append(out, sel.GroupBy...)
	if sel.Having != nil {
		out = append(out, sel.Having)
	}
	for _, ot := range sel.OrderBy {
		out = append(out, ot.Expr)
	}
	return out
}

func (c *compiler) resolveSelect(sel *SelectStmt) error {
	for _, e := range selectExprs(sel) {
		if err := c.resolveExpr(e); err != nil {
			return err
		}
		c.countParams(e)
	}
	return nil
}

// columnLabel picks the displayed name of a result column.
func columnLabel(rc ResultColumn) string {
	if rc.Alias != "" {
		return rc.Alias
	}
	if ref, ok := rc.Expr.(*ColumnRef); ok {
		return ref.Name
	}
	return render(rc.Expr)
}

// compileSelect lowers a full SELECT. Two passes run over the
// expression trees: the first assigns cursors and sets to IN terms (and
// emits their fill code), the second resolves names and emits the scan.
func (c *compiler) compileSelect(sel *SelectStmt) error {
	for _, e := range selectExprs(sel) {
		if err := c.prepareInTerms(e); err != nil {
			return err
		}
	}
	if err := c.bindFrom(sel); err != nil {
		return err
	}
	if err := c.resolveSelect(sel); err != nil {
		return err
	}

	aggregated := len(sel.GroupBy) > 0
	for _, rc := range sel.Columns {
		if hasAggregate(rc.Expr) {
			aggregated = true
		}
	}
	if sel.Having != nil && !aggregated {
		return errf("HAVING requires GROUP BY or an aggregate")
	}

	c.emit(vm.OpColumnCount, len(sel.Columns), 0, "")
	for i, rc := range sel.Columns {
		c.emit(vm.OpColumnName, i, 0, columnLabel(rc))
	}

	if aggregated {
		return c.compileAggSelect(sel)
	}
	return c.compilePlainSelect(sel)
}

// ── plain (non-aggregate) SELECT ───────────────────────────────────────────

func (c *compiler) compilePlainSelect(sel *SelectStmt) error {
	sorted := len(sel.OrderBy) > 0
	if sorted {
		c.emit(vm.OpSortOpen, 0, 0, "")
	}
	guard := c.newLimitGuard(sel.Limit, sel.Offset)
	lBreak := c.label()

	perRow := func() error {
		if sorted {
			for _, rc := range sel.Columns {
				if err := c.genExpr(rc.Expr); err != nil {
					return err
				}
			}
			c.emit(vm.OpSortMakeRec, len(sel.Columns), 0, "")
			for _, ot := range sel.OrderBy {
				if err := c.genExpr(ot.Expr); err != nil {
					return err
				}
			}
			c.emit(vm.OpSortMakeKey, len(sel.OrderBy), 0, sortOrderString(sel.OrderBy))
			c.emit(vm.OpSortPut, 0, 0, "")
			return nil
		}
		return guard.emitRow(c, lBreak, func() error {
			for _, rc := range sel.Columns {
				if err := c.genExpr(rc.Expr); err != nil {
					return err
				}
			}
			c.emit(vm.OpCallback, len(sel.Columns), 0, "")
			return nil
		}, nil)
	}

	if err := c.scanLoop(sel, perRow); err != nil {
		return err
	}
	if !sorted {
		c.resolve(lBreak)
		return nil
	}

	// Sorted output: drain the sorter through the limit guard.
	c.emit(vm.OpSort, 0, 0, "")
	lDone := c.label()
	lLoop := c.prog.Here()
	c.emit(vm.OpSortNext, 0, lDone, "")
	if err := guard.emitRow(c, lDone, func() error {
		c.emit(vm.OpSortCallback, len(sel.Columns), 0, "")
		return nil
	}, func() {
		c.emit(vm.OpPop, 1, 0, "")
	}); err != nil {
		return err
	}
	c.emit(vm.OpGoto, 0, lLoop, "")
	c.resolve(lDone)
	c.emit(vm.OpSortClose, 0, 0, "")
	c.resolve(lBreak)
	return nil
}

func sortOrderString(terms []OrderTerm) string {
	var b strings.Builder
	for _, t := range terms {
		if t.Desc {
			b.WriteByte('-')
		} else {
			b.WriteByte('+')
		}
	}
	return b.String()
}

// scanLoop opens a read cursor per FROM table and emits the nested scan
// loops, applying WHERE innermost and calling perRow for each surviving
// row combination. Cursors close when every loop has finished.
func (c *compiler) scanLoop(sel *SelectStmt, perRow func() error) error {
	for _, tr := range c.scope {
		c.emit(vm.OpOpen, tr.cursor, int(tr.table.Root), tr.table.Name)
	}
	var emitLevel func(i int) error
	emitLevel = func(i int) error {
		if i == len(c.scope) {
			if sel.Where != nil {
				lBody := c.label()
				lSkip := c.label()
				if err := c.genCond(sel.Where, lBody); err != nil {
					return err
				}
				c.emit(vm.OpGoto, 0, lSkip, "")
				c.resolve(lBody)
				if err := perRow(); err != nil {
					return err
				}
				c.resolve(lSkip)
				return nil
			}
			return perRow()
		}
		tr := c.scope[i]
		lEnd := c.label()
		c.emit(vm.OpRewind, tr.cursor, lEnd, "")
		lTop := c.prog.Here()
		if err := emitLevel(i + 1); err != nil {
			return err
		}
		c.emit(vm.OpNext, tr.cursor, lEnd, "")
		c.emit(vm.OpGoto, 0, lTop, "")
		c.resolve(lEnd)
		return nil
	}
	if err := emitLevel(0); err != nil {
		return err
	}
	for _, tr := range c.scope {
		c.emit(vm.OpClose, tr.cursor, 0, "")
	}
	return nil
}

// ── LIMIT / OFFSET ─────────────────────────────────────────────────────────

// limitGuard wraps row emission with OFFSET skipping and LIMIT early
// exit, counted in two scratch memory cells.
type limitGuard struct {
	limit, offset    int
	limCell, offCell int
}

func (c *compiler) newLimitGuard(limit, offset int) *limitGuard {
	g := &limitGuard{limit: limit, offset: offset}
	if offset > 0 {
		g.offCell = c.allocMem()
		c.emit(vm.OpInteger, 0, 0, "")
		c.emit(vm.OpMemStore, g.offCell, 1, "")
	}
	if limit >= 0 {
		g.limCell = c.allocMem()
		c.emit(vm.OpInteger, 0, 0, "")
		c.emit(vm.OpMemStore, g.limCell, 1, "")
	}
	return g
}

// emitRow emits the guarded row: discard runs instead of the body while
// the offset is unconsumed (it must drop whatever the body would have
// consumed from the stack), and lBreak is taken once the limit fills.
func (g *limitGuard) emitRow(c *compiler, lBreak int, body func() error, discard func()) error {
	lSkip := c.label()
	lEnd := c.label()
	if g.offset > 0 {
		c.emit(vm.OpMemLoad, g.offCell, 0, "")
		c.emit(vm.OpInteger, g.offset, 0, "")
		c.emit(vm.OpLt, 0, lSkip, "")
	}
	if err := body(); err != nil {
		return err
	}
	if g.limit >= 0 {
		c.emit(vm.OpMemLoad, g.limCell, 0, "")
		c.emit(vm.OpAddImm, 1, 0, "")
		c.emit(vm.OpMemStore, g.limCell, 0, "")
		c.emit(vm.OpInteger, g.limit, 0, "")
		c.emit(vm.OpGe, 0, lBreak, "")
	}
	c.emit(vm.OpGoto, 0, lEnd, "")
	c.resolve(lSkip)
	if g.offset > 0 {
		c.emit(vm.OpMemLoad, g.offCell, 0, "")
		c.emit(vm.OpAddImm, 1, 0, "")
		c.emit(vm.OpMemStore, g.offCell, 1, "")
		if discard != nil {
			discard()
		}
	}
	c.resolve(lEnd)
	return nil
}

// ── aggregate SELECT ───────────────────────────────────────────────────────

// aggPlan is the bucket layout: group expressions first, then one or
// two fields per distinct aggregate call.
type aggPlan struct {
	groupFields map[string]int
	calls       []*Call
	arity       int
}

func (c *compiler) analyzeAggregates(sel *SelectStmt) (*aggPlan, error) {
	plan := &aggPlan{groupFields: map[string]int{}}
	for _, g := range sel.GroupBy {
		key := render(g)
		if _, dup := plan.groupFields[key]; !dup {
			plan.groupFields[key] = plan.arity
			plan.arity++
		}
	}
	seen := map[string]*Call{}
	var walk func(e Expr) error
	walk = func(e Expr) error {
		switch x := e.(type) {
		case nil:
			return nil
		case *Unary:
			return walk(x.X)
		case *Binary:
			if err := walk(x.L); err != nil {
				return err
			}
			return walk(x.R)
		case *IsNull:
			return walk(x.X)
		case *In:
			return walk(x.X)
		case *Case:
			if err := walk(x.Base); err != nil {
				return err
			}
			for _, w := range x.Whens {
				if err := walk(w.Cond); err != nil {
					return err
				}
				if err := walk(w.Val); err != nil {
					return err
				}
			}
			return walk(x.Else)
		case *Call:
			if classifyFunc(x) != funcAggregate {
				for _, a := range x.Args {
					if err := walk(a); err != nil {
						return err
					}
				}
				return nil
			}
			for _, a := range x.Args {
				if hasAggregate(a) {
					return errf("nested aggregate functions")
				}
			}
			key := render(x)
			if prev, ok := seen[key]; ok {
				x.aggField, x.aggExtra = prev.aggField, prev.aggExtra
				return nil
			}
			x.aggField = plan.arity
			plan.arity++
			if x.Name == "avg" {
				x.aggExtra = plan.arity
				plan.arity++
			}
			seen[key] = x
			plan.calls = append(plan.calls, x)
			return nil
		default:
			return nil
		}
	}
	for _, rc := range sel.Columns {
		if err := walk(rc.Expr); err != nil {
			return nil, err
		}
	}
	if sel.Having != nil {
		if err := walk(sel.Having); err != nil {
			return nil, err
		}
	}
	for _, ot := range sel.OrderBy {
		if err := walk(ot.Expr); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (c *compiler) compileAggSelect(sel *SelectStmt) error {
	plan, err := c.analyzeAggregates(sel)
	if err != nil {
		return err
	}
	c.emit(vm.OpAggReset, 0, plan.arity, "")

	perRow := func() error {
		for _, g := range sel.GroupBy {
			if err := c.genExpr(g); err != nil {
				return err
			}
		}
		c.emit(vm.OpMakeKey, len(sel.GroupBy), 0, "")
		lHave := c.label()
		c.emit(vm.OpAggFocus, 0, lHave, "")
		// Fresh bucket: remember the group values and zero the sums.
		for _, g := range sel.GroupBy {
			if err := c.genExpr(g); err != nil {
				return err
			}
			c.emit(vm.OpAggSet, 0, plan.groupFields[render(g)], "")
		}
		for _, call := range plan.calls {
			if call.Name == "sum" || call.Name == "avg" {
				c.emit(vm.OpInteger, 0, 0, "")
				c.emit(vm.OpAggSet, 0, call.aggField, "")
			}
		}
		c.resolve(lHave)
		for _, call := range plan.calls {
			if err := c.genAccumulate(call); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.scanLoop(sel, perRow); err != nil {
		return err
	}

	// Output pass: walk the buckets in insertion order.
	sorted := len(sel.OrderBy) > 0
	if sorted {
		c.emit(vm.OpSortOpen, 0, 0, "")
	}
	guard := c.newLimitGuard(sel.Limit, sel.Offset)
	lBreak := c.label()
	lDone := c.label()
	lLoop := c.prog.Here()
	c.emit(vm.OpAggNext, 0, lDone, "")
	c.emit(vm.OpPop, 1, 0, "") // the bucket key; projections re-read fields

	c.agg = &aggCtx{fieldOf: plan.groupFields}
	emitBucket := func() error {
		if sel.Having != nil {
			lOk := c.label()
			if err := c.genCond(sel.Having, lOk); err != nil {
				return err
			}
			c.emit(vm.OpGoto, 0, lLoop, "")
			c.resolve(lOk)
		}
		if sorted {
			for _, rc := range sel.Columns {
				if err := c.genExpr(rc.Expr); err != nil {
					return err
				}
			}
			c.emit(vm.OpSortMakeRec, len(sel.Columns), 0, "")
			for _, ot := range sel.OrderBy {
				if err := c.genExpr(ot.Expr); err != nil {
					return err
				}
			}
			c.emit(vm.OpSortMakeKey, len(sel.OrderBy), 0, sortOrderString(sel.OrderBy))
			c.emit(vm.OpSortPut, 0, 0, "")
			return nil
		}
		return guard.emitRow(c, lBreak, func() error {
			for _, rc := range sel.Columns {
				if err := c.genExpr(rc.Expr); err != nil {
					return err
				}
			}
			c.emit(vm.OpCallback, len(sel.Columns), 0, "")
			return nil
		}, nil)
	}
	if err := emitBucket(); err != nil {
		c.agg = nil
		return err
	}
	c.agg = nil
	c.emit(vm.OpGoto, 0, lLoop, "")
	c.resolve(lDone)

	if sorted {
		c.emit(vm.OpSort, 0, 0, "")
		lSDone := c.label()
		lSLoop := c.prog.Here()
		c.emit(vm.OpSortNext, 0, lSDone, "")
		if err := guard.emitRow(c, lSDone, func() error {
			c.emit(vm.OpSortCallback, len(sel.Columns), 0, "")
			return nil
		}, func() {
			c.emit(vm.OpPop, 1, 0, "")
		}); err != nil {
			return err
		}
		c.emit(vm.OpGoto, 0, lSLoop, "")
		c.resolve(lSDone)
		c.emit(vm.OpSortClose, 0, 0, "")
	}
	c.resolve(lBreak)
	return nil
}

// genAccumulate folds one row into the focused bucket for a single
// aggregate call. NULL inputs are ignored, per SQL semantics.
func (c *compiler) genAccumulate(call *Call) error {
	switch call.Name {
	case "count":
		if call.Star {
			c.emit(vm.OpAggIncr, 1, call.aggField, "")
			return nil
		}
		lSkip := c.label()
		if err := c.genExpr(call.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpIsNull, 0, lSkip, "")
		c.emit(vm.OpAggIncr, 1, call.aggField, "")
		c.resolve(lSkip)
		return nil
	case "sum", "avg":
		lNull := c.label()
		lEnd := c.label()
		if err := c.genExpr(call.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpDup, 0, 0, "")
		c.emit(vm.OpIsNull, 0, lNull, "")
		c.emit(vm.OpAggGet, 0, call.aggField, "")
		c.emit(vm.OpAdd, 0, 0, "")
		c.emit(vm.OpAggSet, 0, call.aggField, "")
		if call.Name == "avg" {
			c.emit(vm.OpAggIncr, 1, call.aggExtra, "")
		}
		c.emit(vm.OpGoto, 0, lEnd, "")
		c.resolve(lNull)
		c.emit(vm.OpPop, 1, 0, "")
		c.resolve(lEnd)
		return nil
	case "min", "max":
		lEnd := c.label()
		lTake := c.label()
		if err := c.genExpr(call.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpIsNull, 0, lEnd, "")
		c.emit(vm.OpAggGet, 0, call.aggField, "")
		c.emit(vm.OpIsNull, 0, lTake, "")
		if err := c.genExpr(call.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpAggGet, 0, call.aggField, "")
		if call.Name == "min" {
			c.emit(vm.OpLt, 0, lTake, "")
		} else {
			c.emit(vm.OpGt, 0, lTake, "")
		}
		c.emit(vm.OpGoto, 0, lEnd, "")
		c.resolve(lTake)
		if err := c.genExpr(call.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpAggSet, 0, call.aggField, "")
		c.resolve(lEnd)
		return nil
	default:
		return errf("internal: unknown aggregate %s", call.Name)
	}
}
