package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/vm"
)

// paramCellBase is where bound statement parameters live in the VM's
// memory cells; cells below it are the compiler's scratch counters.
const paramCellBase = 1000

// ParamCell maps a 1-based statement parameter index to the VM memory
// cell the caller must prime before execution.
func ParamCell(index int) int { return paramCellBase + index - 1 }

// compiler carries the state of one statement compilation.
type compiler struct {
	schema     *Schema
	prog       *vm.Program
	autocommit bool

	nextCursor int
	nextSet    int
	nextMem    int
	nParams    int

	// tables in scope for column resolution (FROM list, or the single
	// target table of INSERT/UPDATE/DELETE).
	scope []*TableRef

	// agg, when non-nil, means expressions are being emitted in the
	// aggregate-output loop: group expressions and aggregate calls read
	// bucket fields instead of cursors.
	agg *aggCtx
}

type aggCtx struct {
	fieldOf map[string]int // rendered group-by expr -> bucket field
}

func (c *compiler) emit(op vm.Opcode, p1, p2 int, p3 string) int {
	return c.prog.Emit(op, p1, p2, p3)
}

func (c *compiler) label() int          { return c.prog.NewLabel() }
func (c *compiler) resolve(l int)       { c.prog.ResolveLabel(l, c.prog.Here()) }
func (c *compiler) allocCursor() int    { n := c.nextCursor; c.nextCursor++; return n }
func (c *compiler) allocMem() int       { n := c.nextMem; c.nextMem++; return n }

func errf(format string, args ...any) error {
	return kerr.New(kerr.ErrGeneric, format, args...)
}

// ── pass 1: cursor and set assignment ──────────────────────────────────────

// prepareInTerms walks e preorder, assigning a set number to every
// constant IN list and a temp-table cursor to every IN (SELECT ...),
// and emits the code that fills them. It runs before name resolution so
// the cursor table is fully numbered first.
func (c *compiler) prepareInTerms(e Expr) error {
	switch x := e.(type) {
	case nil:
		return nil
	case *In:
		if err := c.prepareInTerms(x.X); err != nil {
			return err
		}
		if x.Sub != nil {
			x.cursor = c.allocCursor()
			if err := c.fillInCursor(x); err != nil {
				return err
			}
			return nil
		}
		x.set = c.nextSet
		c.nextSet++
		for _, el := range x.List {
			lit, ok := el.(*Literal)
			if !ok {
				return errf("IN list elements must be constants")
			}
			if lit.Val.IsNull() {
				// NULL never matches a membership probe; adding it to
				// the set would only turn it into an empty string.
				continue
			}
			rendered := lit.Val.ToString()
			if rendered == "" {
				// SetInsert reads an empty P3 as "pop the value instead".
				c.emit(vm.OpString, 0, 0, "")
				c.emit(vm.OpSetInsert, x.set, 0, "")
				continue
			}
			c.emit(vm.OpSetInsert, x.set, 0, rendered)
		}
		return nil
	case *Unary:
		return c.prepareInTerms(x.X)
	case *Binary:
		if err := c.prepareInTerms(x.L); err != nil {
			return err
		}
		return c.prepareInTerms(x.R)
	case *IsNull:
		return c.prepareInTerms(x.X)
	case *Case:
		if err := c.prepareInTerms(x.Base); err != nil {
			return err
		}
		for _, w := range x.Whens {
			if err := c.prepareInTerms(w.Cond); err != nil {
				return err
			}
			if err := c.prepareInTerms(w.Val); err != nil {
				return err
			}
		}
		return c.prepareInTerms(x.Else)
	case *Call:
		for _, a := range x.Args {
			if err := c.prepareInTerms(a); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// fillInCursor compiles the IN subquery into a loop that loads every
// result value into a temp table keyed by the value itself.
func (c *compiler) fillInCursor(in *In) error {
	sub := in.Sub
	if len(sub.Columns) != 1 || sub.Columns[0].Star {
		return errf("IN subquery must select exactly one column")
	}
	if len(sub.GroupBy) > 0 || len(sub.OrderBy) > 0 || sub.Having != nil || sub.Limit >= 0 {
		return errf("IN subquery supports only SELECT expr FROM ... WHERE ...")
	}
	savedScope := c.scope
	savedAgg := c.agg
	c.agg = nil
	defer func() {
		c.scope = savedScope
		c.agg = savedAgg
	}()

	for _, e := range selectExprs(sub) {
		if err := c.prepareInTerms(e); err != nil {
			return err
		}
	}
	if err := c.bindFrom(sub); err != nil {
		return err
	}
	if err := c.resolveSelect(sub); err != nil {
		return err
	}

	c.emit(vm.OpOpenTemp, in.cursor, 0, "")
	emitRow := func() error {
		if err := c.genExpr(sub.Columns[0].Expr); err != nil {
			return err
		}
		c.emit(vm.OpMakeKey, 1, 0, "")
		c.emit(vm.OpPutIdx, in.cursor, 0, "")
		return nil
	}
	return c.scanLoop(sub, emitRow)
}

// ── name resolution ────────────────────────────────────────────────────────

// resolveExpr binds every column reference in e against the compiler's
// current scope.
func (c *compiler) resolveExpr(e Expr) error {
	switch x := e.(type) {
	case nil:
		return nil
	case *ColumnRef:
		return c.resolveColumn(x)
	case *Unary:
		return c.resolveExpr(x.X)
	case *Binary:
		if err := c.resolveExpr(x.L); err != nil {
			return err
		}
		return c.resolveExpr(x.R)
	case *IsNull:
		return c.resolveExpr(x.X)
	case *In:
		return c.resolveExpr(x.X)
	case *Case:
		if err := c.resolveExpr(x.Base); err != nil {
			return err
		}
		for _, w := range x.Whens {
			if err := c.resolveExpr(w.Cond); err != nil {
				return err
			}
			if err := c.resolveExpr(w.Val); err != nil {
				return err
			}
		}
		return c.resolveExpr(x.Else)
	case *Call:
		for _, a := range x.Args {
			if err := c.resolveExpr(a); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (c *compiler) resolveColumn(ref *ColumnRef) error {
	if ref.bound {
		return nil
	}
	var found *TableRef
	var col int
	for _, tr := range c.scope {
		if ref.Table != "" &&
			!strings.EqualFold(ref.Table, tr.Name) &&
			!strings.EqualFold(ref.Table, tr.Alias) {
			continue
		}
		if i := tr.table.ColumnIndex(ref.Name); i >= 0 {
			if found != nil {
				return errf("ambiguous column name: %s", ref.Name)
			}
			found = tr
			col = i
		}
	}
	if found == nil {
		return errf("no such column: %s", ref.Name)
	}
	ref.cursor = found.cursor
	ref.column = col
	ref.bound = true
	return nil
}

// ── rendering (textual identity of expressions) ────────────────────────────

// render produces a canonical text form of e, used to match projection
// expressions against GROUP BY terms.
func render(e Expr) string {
	switch x := e.(type) {
	case nil:
		return ""
	case *ColumnRef:
		if x.Table != "" {
			return strings.ToLower(x.Table) + "." + strings.ToLower(x.Name)
		}
		return strings.ToLower(x.Name)
	case *Literal:
		return x.Val.ToString()
	case *Param:
		return fmt.Sprintf("?%d", x.Index)
	case *Unary:
		return x.Op + "(" + render(x.X) + ")"
	case *Binary:
		return "(" + render(x.L) + " " + x.Op + " " + render(x.R) + ")"
	case *IsNull:
		if x.Not {
			return render(x.X) + " IS NOT NULL"
		}
		return render(x.X) + " IS NULL"
	case *In:
		return render(x.X) + " IN (...)"
	case *Case:
		return "CASE"
	case *Call:
		var args []string
		if x.Star {
			args = []string{"*"}
		}
		for _, a := range x.Args {
			args = append(args, render(a))
		}
		return x.Name + "(" + strings.Join(args, ",") + ")"
	default:
		return "?"
	}
}

// ── function classification ────────────────────────────────────────────────

type funcClass int

const (
	funcUnknown funcClass = iota
	funcScalar
	funcAggregate
)

// classifyFunc implements the static function table: scalar, aggregate,
// or unknown. min and max are aggregates with one argument and scalars
// with more.
func classifyFunc(call *Call) funcClass {
	switch call.Name {
	case "length", "substr", "abs", "coalesce":
		return funcScalar
	case "count", "sum", "avg":
		return funcAggregate
	case "min", "max":
		if call.Star {
			return funcUnknown
		}
		if len(call.Args) == 1 {
			return funcAggregate
		}
		return funcScalar
	default:
		return funcUnknown
	}
}

// hasAggregate reports whether e contains an aggregate function call.
func hasAggregate(e Expr) bool {
	switch x := e.(type) {
	case nil:
		return false
	case *Unary:
		return hasAggregate(x.X)
	case *Binary:
		return hasAggregate(x.L) || hasAggregate(x.R)
	case *IsNull:
		return hasAggregate(x.X)
	case *In:
		return hasAggregate(x.X)
	case *Case:
		if hasAggregate(x.Base) || hasAggregate(x.Else) {
			return true
		}
		for _, w := range x.Whens {
			if hasAggregate(w.Cond) || hasAggregate(w.Val) {
				return true
			}
		}
		return false
	case *Call:
		if classifyFunc(x) == funcAggregate {
			return true
		}
		for _, a := range x.Args {
			if hasAggregate(a) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ── pass 2: emission ───────────────────────────────────────────────────────

// genExpr emits code leaving e's value on the stack.
func (c *compiler) genExpr(e Expr) error {
	if c.agg != nil {
		if f, ok := c.agg.fieldOf[render(e)]; ok {
			c.emit(vm.OpAggGet, 0, f, "")
			return nil
		}
	}
	switch x := e.(type) {
	case *Literal:
		return c.genLiteral(x.Val)
	case *Param:
		c.emit(vm.OpMemLoad, paramCellBase+x.Index-1, 0, "")
		return nil
	case *ColumnRef:
		if c.agg != nil {
			return errf("column %s must appear in GROUP BY or inside an aggregate", x.Name)
		}
		if !x.bound {
			return errf("internal: unresolved column %s", x.Name)
		}
		c.emit(vm.OpColumn, x.cursor, x.column, "")
		return nil
	case *Unary:
		if err := c.genExpr(x.X); err != nil {
			return err
		}
		if x.Op == "-" {
			c.emit(vm.OpNegative, 0, 0, "")
		} else {
			c.emit(vm.OpNot, 0, 0, "")
		}
		return nil
	case *Binary:
		return c.genBinary(x)
	case *IsNull:
		if err := c.genExpr(x.X); err != nil {
			return err
		}
		op := vm.OpIsNull
		if x.Not {
			op = vm.OpNotNull
		}
		return c.genBoolFromJump(func(dest int) { c.emit(op, 0, dest, "") })
	case *In:
		return c.genInValue(x)
	case *Case:
		return c.genCase(x)
	case *Call:
		return c.genCall(x)
	default:
		return errf("internal: cannot emit expression %T", e)
	}
}

func (c *compiler) genLiteral(v vm.Mem) error {
	switch v.Kind {
	case vm.KindNull:
		c.emit(vm.OpNull, 0, 0, "")
	case vm.KindInt:
		if v.I >= -1<<31 && v.I < 1<<31 {
			c.emit(vm.OpInteger, int(v.I), 0, "")
		} else {
			c.emit(vm.OpString, 0, 0, v.ToString())
		}
	case vm.KindReal:
		c.emit(vm.OpReal, 0, 0, strconv.FormatFloat(v.R, 'g', -1, 64))
	case vm.KindBlob:
		c.emit(vm.OpString, 0, 0, string(v.B))
	default:
		c.emit(vm.OpString, 0, 0, v.S)
	}
	return nil
}

func (c *compiler) genBinary(x *Binary) error {
	switch x.Op {
	case "+", "-", "*", "/", "%", "||":
		if err := c.genExpr(x.L); err != nil {
			return err
		}
		if err := c.genExpr(x.R); err != nil {
			return err
		}
		switch x.Op {
		case "+":
			c.emit(vm.OpAdd, 0, 0, "")
		case "-":
			c.emit(vm.OpSubtract, 0, 0, "")
		case "*":
			c.emit(vm.OpMultiply, 0, 0, "")
		case "/":
			c.emit(vm.OpDivide, 0, 0, "")
		case "%":
			c.emit(vm.OpRemainder, 0, 0, "")
		case "||":
			c.emit(vm.OpConcat, 2, 0, "")
		}
		return nil
	case "AND", "OR":
		if err := c.genExpr(x.L); err != nil {
			return err
		}
		if err := c.genExpr(x.R); err != nil {
			return err
		}
		if x.Op == "AND" {
			c.emit(vm.OpAnd, 0, 0, "")
		} else {
			c.emit(vm.OpOr, 0, 0, "")
		}
		return nil
	case "=", "==", "<>", "!=", "<", "<=", ">", ">=", "LIKE", "GLOB":
		// Materialize the three-valued comparison as 1, 0, or NULL.
		lNull := c.label()
		lTrue := c.label()
		lEnd := c.label()
		if err := c.genExpr(x.L); err != nil {
			return err
		}
		if err := c.genExpr(x.R); err != nil {
			return err
		}
		c.emit(vm.OpDup, 1, 0, "")
		c.emit(vm.OpIsNull, 0, lNull, "")
		c.emit(vm.OpDup, 0, 0, "")
		c.emit(vm.OpIsNull, 0, lNull, "")
		c.emitCompareJump(x, lTrue)
		c.emit(vm.OpInteger, 0, 0, "")
		c.emit(vm.OpGoto, 0, lEnd, "")
		c.resolve(lTrue)
		c.emit(vm.OpInteger, 1, 0, "")
		c.emit(vm.OpGoto, 0, lEnd, "")
		c.resolve(lNull)
		c.emit(vm.OpPop, 2, 0, "")
		c.emit(vm.OpNull, 0, 0, "")
		c.resolve(lEnd)
		return nil
	default:
		return errf("unsupported operator %q", x.Op)
	}
}

// emitCompareJump emits the jump opcode for a comparison/match binary
// whose two operands are already on the stack; it jumps to dest when
// the (possibly inverted) predicate holds.
func (c *compiler) emitCompareJump(x *Binary, dest int) {
	switch x.Op {
	case "=", "==":
		c.emit(vm.OpEq, 0, dest, "")
	case "<>", "!=":
		c.emit(vm.OpNe, 0, dest, "")
	case "<":
		c.emit(vm.OpLt, 0, dest, "")
	case "<=":
		c.emit(vm.OpLe, 0, dest, "")
	case ">":
		c.emit(vm.OpGt, 0, dest, "")
	case ">=":
		c.emit(vm.OpGe, 0, dest, "")
	case "LIKE":
		p1 := 0
		if x.Invert {
			p1 = 1
		}
		c.emit(vm.OpLike, p1, dest, "")
	case "GLOB":
		p1 := 0
		if x.Invert {
			p1 = 1
		}
		c.emit(vm.OpGlob, p1, dest, "")
	}
}

// genBoolFromJump materializes a jump-style predicate (already holding
// its operand on the stack) into a 0/1 value.
func (c *compiler) genBoolFromJump(emitJump func(dest int)) error {
	lTrue := c.label()
	lEnd := c.label()
	emitJump(lTrue)
	c.emit(vm.OpInteger, 0, 0, "")
	c.emit(vm.OpGoto, 0, lEnd, "")
	c.resolve(lTrue)
	c.emit(vm.OpInteger, 1, 0, "")
	c.resolve(lEnd)
	return nil
}

// genCond emits code that jumps to dest when e evaluates to true.
// False and NULL both fall through, which is exactly what WHERE wants.
func (c *compiler) genCond(e Expr, dest int) error {
	switch x := e.(type) {
	case *Binary:
		switch x.Op {
		case "AND":
			lOut := c.label()
			lNext := c.label()
			if err := c.genCond(x.L, lNext); err != nil {
				return err
			}
			c.emit(vm.OpGoto, 0, lOut, "")
			c.resolve(lNext)
			if err := c.genCond(x.R, dest); err != nil {
				return err
			}
			c.resolve(lOut)
			return nil
		case "OR":
			if err := c.genCond(x.L, dest); err != nil {
				return err
			}
			return c.genCond(x.R, dest)
		case "=", "==", "<>", "!=", "<", "<=", ">", ">=", "LIKE", "GLOB":
			if err := c.genExpr(x.L); err != nil {
				return err
			}
			if err := c.genExpr(x.R); err != nil {
				return err
			}
			c.emitCompareJump(x, dest)
			return nil
		}
	case *IsNull:
		if err := c.genExpr(x.X); err != nil {
			return err
		}
		if x.Not {
			c.emit(vm.OpNotNull, 0, dest, "")
		} else {
			c.emit(vm.OpIsNull, 0, dest, "")
		}
		return nil
	case *In:
		return c.genInCond(x, dest)
	}
	if err := c.genExpr(e); err != nil {
		return err
	}
	c.emit(vm.OpIf, 0, dest, "")
	return nil
}

// genInCond jumps to dest when the IN (or NOT IN) membership holds.
// A NULL probe never jumps.
func (c *compiler) genInCond(x *In, dest int) error {
	lNull := c.label()
	lOut := c.label()
	if err := c.genExpr(x.X); err != nil {
		return err
	}
	c.emit(vm.OpDup, 0, 0, "")
	c.emit(vm.OpIsNull, 0, lNull, "")
	if x.Sub != nil {
		c.emit(vm.OpMakeKey, 1, 0, "")
		lMiss := c.label()
		c.emit(vm.OpMoveTo, x.cursor, lMiss, "")
		if !x.Not {
			c.emit(vm.OpGoto, 0, dest, "")
			c.resolve(lMiss)
		} else {
			c.emit(vm.OpGoto, 0, lOut, "")
			c.resolve(lMiss)
			c.emit(vm.OpGoto, 0, dest, "")
		}
	} else {
		op := vm.OpSetFound
		if x.Not {
			op = vm.OpSetNotFound
		}
		c.emit(op, x.set, dest, "")
	}
	c.emit(vm.OpGoto, 0, lOut, "")
	c.resolve(lNull)
	c.emit(vm.OpPop, 1, 0, "")
	c.resolve(lOut)
	return nil
}

// genInValue materializes IN as 1/0/NULL.
func (c *compiler) genInValue(x *In) error {
	lTrue := c.label()
	lNull := c.label()
	lEnd := c.label()
	if err := c.genExpr(x.X); err != nil {
		return err
	}
	c.emit(vm.OpDup, 0, 0, "")
	c.emit(vm.OpIsNull, 0, lNull, "")
	if x.Sub != nil {
		c.emit(vm.OpMakeKey, 1, 0, "")
		lMiss := c.label()
		c.emit(vm.OpMoveTo, x.cursor, lMiss, "")
		if x.Not {
			c.emit(vm.OpInteger, 0, 0, "")
			c.emit(vm.OpGoto, 0, lEnd, "")
			c.resolve(lMiss)
			c.emit(vm.OpInteger, 1, 0, "")
		} else {
			c.emit(vm.OpInteger, 1, 0, "")
			c.emit(vm.OpGoto, 0, lEnd, "")
			c.resolve(lMiss)
			c.emit(vm.OpInteger, 0, 0, "")
		}
		c.emit(vm.OpGoto, 0, lEnd, "")
	} else {
		op := vm.OpSetFound
		if x.Not {
			op = vm.OpSetNotFound
		}
		c.emit(op, x.set, lTrue, "")
		c.emit(vm.OpInteger, 0, 0, "")
		c.emit(vm.OpGoto, 0, lEnd, "")
		c.resolve(lTrue)
		c.emit(vm.OpInteger, 1, 0, "")
		c.emit(vm.OpGoto, 0, lEnd, "")
	}
	c.resolve(lNull)
	c.emit(vm.OpPop, 1, 0, "")
	c.emit(vm.OpNull, 0, 0, "")
	c.resolve(lEnd)
	return nil
}

func (c *compiler) genCase(x *Case) error {
	lEnd := c.label()
	for _, w := range x.Whens {
		lNext := c.label()
		lHit := c.label()
		if x.Base != nil {
			cmp := &Binary{Op: "=", L: x.Base, R: w.Cond}
			if err := c.genCond(cmp, lHit); err != nil {
				return err
			}
		} else {
			if err := c.genCond(w.Cond, lHit); err != nil {
				return err
			}
		}
		c.emit(vm.OpGoto, 0, lNext, "")
		c.resolve(lHit)
		if err := c.genExpr(w.Val); err != nil {
			return err
		}
		c.emit(vm.OpGoto, 0, lEnd, "")
		c.resolve(lNext)
	}
	if x.Else != nil {
		if err := c.genExpr(x.Else); err != nil {
			return err
		}
	} else {
		c.emit(vm.OpNull, 0, 0, "")
	}
	c.resolve(lEnd)
	return nil
}

func (c *compiler) genCall(x *Call) error {
	switch classifyFunc(x) {
	case funcAggregate:
		if c.agg == nil {
			return errf("aggregate function %s used outside an aggregate context", x.Name)
		}
		switch x.Name {
		case "avg":
			c.emit(vm.OpAggGet, 0, x.aggField, "")
			c.emit(vm.OpAggGet, 0, x.aggExtra, "")
			c.emit(vm.OpDivide, 0, 0, "")
		default:
			c.emit(vm.OpAggGet, 0, x.aggField, "")
		}
		return nil
	case funcScalar:
		return c.genScalarCall(x)
	default:
		return errf("no such function: %s", x.Name)
	}
}

func (c *compiler) genScalarCall(x *Call) error {
	switch x.Name {
	case "length":
		if len(x.Args) != 1 {
			return errf("length() takes one argument")
		}
		if err := c.genExpr(x.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpStrlen, 0, 0, "")
		return nil
	case "substr":
		if len(x.Args) != 3 {
			return errf("substr() takes three arguments")
		}
		start, ok1 := intLit(x.Args[1])
		length, ok2 := intLit(x.Args[2])
		if !ok1 || !ok2 {
			return errf("substr() position and length must be integer constants")
		}
		if err := c.genExpr(x.Args[0]); err != nil {
			return err
		}
		c.emit(vm.OpSubstr, start, length, "")
		return nil
	case "abs":
		if len(x.Args) != 1 {
			return errf("abs() takes one argument")
		}
		if err := c.genExpr(x.Args[0]); err != nil {
			return err
		}
		lEnd := c.label()
		c.emit(vm.OpDup, 0, 0, "")
		c.emit(vm.OpInteger, 0, 0, "")
		c.emit(vm.OpGe, 0, lEnd, "")
		c.emit(vm.OpNegative, 0, 0, "")
		c.resolve(lEnd)
		return nil
	case "coalesce":
		if len(x.Args) < 2 {
			return errf("coalesce() takes at least two arguments")
		}
		lEnd := c.label()
		for i, a := range x.Args {
			if err := c.genExpr(a); err != nil {
				return err
			}
			if i == len(x.Args)-1 {
				break
			}
			c.emit(vm.OpDup, 0, 0, "")
			c.emit(vm.OpNotNull, 0, lEnd, "")
			c.emit(vm.OpPop, 1, 0, "")
		}
		c.resolve(lEnd)
		return nil
	case "min", "max":
		if len(x.Args) < 2 {
			return errf("%s() needs at least two arguments in scalar form", x.Name)
		}
		if err := c.genExpr(x.Args[0]); err != nil {
			return err
		}
		for _, a := range x.Args[1:] {
			if err := c.genExpr(a); err != nil {
				return err
			}
			// [a, b] on the stack: keep the smaller (min) or larger (max).
			lNull := c.label()
			lFirst := c.label()
			lEnd := c.label()
			c.emit(vm.OpDup, 1, 0, "")
			c.emit(vm.OpIsNull, 0, lNull, "")
			c.emit(vm.OpDup, 0, 0, "")
			c.emit(vm.OpIsNull, 0, lNull, "")
			c.emit(vm.OpDup, 1, 0, "")
			c.emit(vm.OpDup, 1, 0, "")
			if x.Name == "min" {
				c.emit(vm.OpLt, 0, lFirst, "")
			} else {
				c.emit(vm.OpGt, 0, lFirst, "")
			}
			c.emit(vm.OpPull, 1, 0, "")
			c.emit(vm.OpPop, 1, 0, "")
			c.emit(vm.OpGoto, 0, lEnd, "")
			c.resolve(lFirst)
			c.emit(vm.OpPop, 1, 0, "")
			c.emit(vm.OpGoto, 0, lEnd, "")
			c.resolve(lNull)
			c.emit(vm.OpPop, 2, 0, "")
			c.emit(vm.OpNull, 0, 0, "")
			c.resolve(lEnd)
		}
		return nil
	default:
		return errf("no such function: %s", x.Name)
	}
}

func intLit(e Expr) (int, bool) {
	lit, ok := e.(*Literal)
	if !ok || lit.Val.Kind != vm.KindInt {
		return 0, false
	}
	return int(lit.Val.I), true
}

// countParams tracks the highest parameter index used in e.
func (c *compiler) countParams(e Expr) {
	switch x := e.(type) {
	case *Param:
		if x.Index > c.nParams {
			c.nParams = x.Index
		}
	case *Unary:
		c.countParams(x.X)
	case *Binary:
		c.countParams(x.L)
		c.countParams(x.R)
	case *IsNull:
		c.countParams(x.X)
	case *In:
		c.countParams(x.X)
		for _, el := range x.List {
			c.countParams(el)
		}
	case *Case:
		c.countParams(x.Base)
		for _, w := range x.Whens {
			c.countParams(w.Cond)
			c.countParams(w.Val)
		}
		c.countParams(x.Else)
	case *Call:
		for _, a := range x.Args {
			c.countParams(a)
		}
	}
}
