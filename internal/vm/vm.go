package vm

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/kestreldb/kestrel/internal/btree"
	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/pager"
)

// StepResult is the outcome of one VM step.
type StepResult int

const (
	// StepRow means a result row is available via Row().
	StepRow StepResult = iota
	// StepDone means the program ran to completion.
	StepDone
)

// Config carries per-execution options.
type Config struct {
	// Trace, when non-nil, receives one formatted line per executed
	// instruction.
	Trace io.Writer
	// Interrupt is polled at the top of every opcode; setting it makes
	// the program abort with Interrupt, close its cursors, and roll back
	// the active transaction.
	Interrupt *atomic.Bool
	// Seed makes the rowid PRNG (and temp-object names) deterministic.
	// Leave nil for OS randomness.
	Seed []byte
}

// VM executes one compiled Program against a database. It owns the
// value stack, numbered memory cells, the cursor table, the keylist,
// the sorter, the aggregator, and the IN-list sets; all of them are
// torn down when the program ends, no matter how it ends.
type VM struct {
	bt   *btree.Btree
	aux  *btree.Btree
	prog *Program
	cfg  Config

	prng  *Prng
	namer *namer

	pc      int
	stack   []Mem
	mem     map[int]Mem
	cursors map[int]*vmCursor
	list    *Keylist
	sorter  *Sorter
	agg     *Aggregator
	sets    map[int]map[string]struct{}
	file    *fileReader

	// nextRowid is the per-table hint NewRecno advances for dense
	// sequential packing.
	nextRowid map[pager.PageID]int64

	ncols    int
	colNames []string
	row      []Mem

	done bool
	rc   kerr.Code
	msg  string
}

// New builds a VM over bt ready to execute prog.
func New(bt *btree.Btree, prog *Program, cfg Config) *VM {
	prng := NewPrng(cfg.Seed)
	return &VM{
		bt:        bt,
		prog:      prog,
		cfg:       cfg,
		prng:      prng,
		namer:     NewNamer(prng, len(cfg.Seed) > 0),
		mem:       make(map[int]Mem),
		cursors:   make(map[int]*vmCursor),
		sets:      make(map[int]map[string]struct{}),
		nextRowid: make(map[pager.PageID]int64),
	}
}

// Row returns the pending result row after a StepRow.
func (vm *VM) Row() []Mem { return vm.row }

// SetMem primes a memory cell before execution; bound statement
// parameters arrive this way.
func (vm *VM) SetMem(i int, m Mem) { vm.mem[i] = m.Dup() }

// ColumnNames returns the declared result column names.
func (vm *VM) ColumnNames() []string { return vm.colNames }

// ColumnCount returns the declared result arity.
func (vm *VM) ColumnCount() int { return vm.ncols }

// ResultCode returns the final status code once the program has ended.
func (vm *VM) ResultCode() kerr.Code { return vm.rc }

// ErrMsg returns the final error message, if any.
func (vm *VM) ErrMsg() string { return vm.msg }

// Run executes the whole program, invoking cb for every result row.
func (vm *VM) Run(cb func(cols []Mem, names []string) error) error {
	for {
		res, err := vm.Step()
		if err != nil {
			return err
		}
		if res == StepDone {
			return nil
		}
		if cb != nil {
			if err := cb(vm.row, vm.colNames); err != nil {
				vm.fail(kerr.Wrap(kerr.Abort, err, "callback requested abort"))
				return kerr.New(kerr.Abort, "callback requested abort")
			}
		}
	}
}

// Step runs opcodes until the program produces a row, completes, or
// fails. An implicit Halt follows the last instruction.
func (vm *VM) Step() (StepResult, error) {
	if vm.done {
		return StepDone, nil
	}
	for vm.pc < len(vm.prog.Insns) {
		if vm.cfg.Interrupt != nil && vm.cfg.Interrupt.Load() {
			vm.cfg.Interrupt.Store(false)
			return StepDone, vm.fail(kerr.New(kerr.Interrupt, "interrupted"))
		}
		pc := vm.pc
		insn := vm.prog.Insns[pc]
		if vm.cfg.Trace != nil {
			fmt.Fprintln(vm.cfg.Trace, TraceLine(pc, insn))
		}
		vm.pc++
		rowReady, err := vm.exec(insn)
		if err != nil {
			return StepDone, vm.fail(err)
		}
		if rowReady {
			return StepRow, nil
		}
		if vm.done {
			return StepDone, nil
		}
	}
	vm.finish(kerr.Ok, "")
	return StepDone, nil
}

// Finalize tears the execution down early (prepared statement dropped
// before running to completion).
func (vm *VM) Finalize() {
	if !vm.done {
		vm.finish(kerr.Ok, "")
	}
}

// finish releases every runtime structure. Cursors close, the keylist,
// sorter, aggregator and sets are cleared, and any scratch database is
// dropped. The main transaction is left alone: Commit/Rollback opcodes
// (or the connection) own it.
func (vm *VM) finish(rc kerr.Code, msg string) {
	for n, c := range vm.cursors {
		c.close()
		delete(vm.cursors, n)
	}
	if vm.file != nil {
		vm.file.close()
		vm.file = nil
	}
	if vm.aux != nil {
		vm.aux.Close()
		vm.aux = nil
	}
	vm.list = nil
	vm.sorter = nil
	vm.agg = nil
	vm.sets = make(map[int]map[string]struct{})
	vm.stack = vm.stack[:0]
	vm.done = true
	vm.rc = rc
	vm.msg = msg
}

// fail ends the program with an error, closing cursors and rolling the
// active transaction back when the error class demands it.
func (vm *VM) fail(err error) error {
	rc := kerr.CodeOf(err)
	vm.finish(rc, err.Error())
	if rc.MustRollback() || rc == kerr.Interrupt {
		vm.bt.Rollback()
	}
	return err
}

// ── stack helpers ──────────────────────────────────────────────────────────

func (vm *VM) push(m Mem) { vm.stack = append(vm.stack, m) }

func (vm *VM) pop() (Mem, error) {
	if len(vm.stack) == 0 {
		return Null(), kerr.New(kerr.Internal, "stack underflow at pc %d", vm.pc-1)
	}
	m := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return m, nil
}

// popN pops n values and returns them in push order (first pushed
// first), which is column order for record builders.
func (vm *VM) popN(n int) ([]Mem, error) {
	if n < 0 || len(vm.stack) < n {
		return nil, kerr.New(kerr.Internal, "stack underflow popping %d at pc %d", n, vm.pc-1)
	}
	vals := make([]Mem, n)
	copy(vals, vm.stack[len(vm.stack)-n:])
	vm.stack = vm.stack[:len(vm.stack)-n]
	return vals, nil
}

func (vm *VM) jump(target int) error {
	if target < 0 || target > len(vm.prog.Insns) {
		return kerr.New(kerr.Internal, "jump to %d outside program of %d instructions", target, len(vm.prog.Insns))
	}
	vm.pc = target
	return nil
}

func (vm *VM) cursor(n int) (*vmCursor, error) {
	c, ok := vm.cursors[n]
	if !ok {
		return nil, kerr.New(kerr.Internal, "cursor %d is not open", n)
	}
	return c, nil
}

// keyBytes renders a stack value as a tree key: integers become 4-byte
// big-endian rowids (so numeric and lexicographic order coincide),
// blobs pass through, everything else is its text rendering.
func keyBytes(m Mem) []byte {
	switch m.Kind {
	case KindInt:
		return RowidKey(m.I)
	case KindBlob:
		return append([]byte(nil), m.B...)
	default:
		return []byte(m.ToString())
	}
}

func dataBytes(m Mem) []byte {
	if m.Kind == KindBlob {
		return m.B
	}
	return []byte(m.ToString())
}

func truth(m Mem) (bool, bool) {
	if m.IsNull() {
		return false, false
	}
	return m.ToReal() != 0, true
}

// ── the interpreter ────────────────────────────────────────────────────────

// exec runs one instruction. It returns true when a result row is ready
// in vm.row.
func (vm *VM) exec(insn Instruction) (bool, error) {
	switch insn.Op {

	case OpNoop:

	// Constants / stack
	case OpInteger:
		vm.push(Int(int64(insn.P1)))
	case OpString:
		vm.push(Str(insn.P3))
	case OpReal:
		f, err := strconv.ParseFloat(insn.P3, 64)
		if err != nil {
			return false, kerr.New(kerr.Internal, "bad real literal %q", insn.P3)
		}
		vm.push(Real(f))
	case OpNull:
		vm.push(Null())
	case OpPop:
		n := insn.P1
		if n <= 0 {
			n = 1
		}
		if _, err := vm.popN(n); err != nil {
			return false, err
		}
	case OpDup:
		i := len(vm.stack) - 1 - insn.P1
		if i < 0 {
			return false, kerr.New(kerr.Internal, "Dup %d beyond stack", insn.P1)
		}
		vm.push(vm.stack[i].Dup())
	case OpPull:
		i := len(vm.stack) - 1 - insn.P1
		if i < 0 {
			return false, kerr.New(kerr.Internal, "Pull %d beyond stack", insn.P1)
		}
		m := vm.stack[i]
		vm.stack = append(vm.stack[:i], vm.stack[i+1:]...)
		vm.push(m)

	// Arithmetic / logical
	case OpAdd, OpSubtract, OpMultiply, OpDivide:
		b, err := vm.pop()
		if err != nil {
			return false, err
		}
		a, err := vm.pop()
		if err != nil {
			return false, err
		}
		switch insn.Op {
		case OpAdd:
			vm.push(Add(a, b))
		case OpSubtract:
			vm.push(Subtract(a, b))
		case OpMultiply:
			vm.push(Multiply(a, b))
		case OpDivide:
			vm.push(Divide(a, b))
		}
	case OpRemainder:
		b, err := vm.pop()
		if err != nil {
			return false, err
		}
		a, err := vm.pop()
		if err != nil {
			return false, err
		}
		if a.IsNull() || b.IsNull() || b.ToInt() == 0 {
			vm.push(Null())
		} else {
			vm.push(Int(a.ToInt() % b.ToInt()))
		}
	case OpAddImm:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.push(Int(m.ToInt() + int64(insn.P1)))
	case OpNegative:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		switch m.Kind {
		case KindNull:
			vm.push(Null())
		case KindInt:
			vm.push(Int(-m.I))
		default:
			vm.push(Real(-m.ToReal()))
		}
	case OpNot:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if t, known := truth(m); !known {
			vm.push(Null())
		} else if t {
			vm.push(Int(0))
		} else {
			vm.push(Int(1))
		}
	case OpAnd, OpOr:
		b, err := vm.pop()
		if err != nil {
			return false, err
		}
		a, err := vm.pop()
		if err != nil {
			return false, err
		}
		ta, ka := truth(a)
		tb, kb := truth(b)
		if insn.Op == OpAnd {
			switch {
			case ka && !ta, kb && !tb:
				vm.push(Int(0))
			case !ka || !kb:
				vm.push(Null())
			default:
				vm.push(Int(1))
			}
		} else {
			switch {
			case ka && ta, kb && tb:
				vm.push(Int(1))
			case !ka || !kb:
				vm.push(Null())
			default:
				vm.push(Int(0))
			}
		}

	// Comparison / branch
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		b, err := vm.pop()
		if err != nil {
			return false, err
		}
		a, err := vm.pop()
		if err != nil {
			return false, err
		}
		cmp, valid := Compare(a, b, insn.P1 != 0)
		if !valid {
			break // unknown: do not jump
		}
		take := false
		switch insn.Op {
		case OpEq:
			take = cmp == 0
		case OpNe:
			take = cmp != 0
		case OpLt:
			take = cmp < 0
		case OpLe:
			take = cmp <= 0
		case OpGt:
			take = cmp > 0
		case OpGe:
			take = cmp >= 0
		}
		if take {
			return false, vm.jump(insn.P2)
		}
	case OpIf, OpIfNot:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		t, known := truth(m)
		if !known {
			break // unknown: do not jump
		}
		if (insn.Op == OpIf) == t {
			return false, vm.jump(insn.P2)
		}
	case OpIsNull:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if m.IsNull() {
			return false, vm.jump(insn.P2)
		}
	case OpNotNull:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if !m.IsNull() {
			return false, vm.jump(insn.P2)
		}

	// String matching
	case OpLike, OpGlob:
		pat, err := vm.pop()
		if err != nil {
			return false, err
		}
		s, err := vm.pop()
		if err != nil {
			return false, err
		}
		if pat.IsNull() || s.IsNull() {
			break
		}
		var match bool
		if insn.Op == OpLike {
			match = LikeMatch(pat.ToString(), s.ToString())
		} else {
			match = GlobMatch(pat.ToString(), s.ToString())
		}
		if match == (insn.P1 == 0) {
			return false, vm.jump(insn.P2)
		}
	case OpConcat:
		n := insn.P1
		if n <= 0 {
			n = 2
		}
		vals, err := vm.popN(n)
		if err != nil {
			return false, err
		}
		var out []byte
		null := false
		for i, v := range vals {
			if v.IsNull() {
				null = true
				break
			}
			if i > 0 {
				out = append(out, insn.P3...)
			}
			out = append(out, v.ToString()...)
		}
		if null {
			vm.push(Null())
		} else {
			vm.push(StrOwned(string(out)))
		}
	case OpStrlen:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if m.IsNull() {
			vm.push(Null())
		} else {
			vm.push(Int(int64(len(m.ToString()))))
		}
	case OpSubstr:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if m.IsNull() {
			vm.push(Null())
			break
		}
		s := m.ToString()
		start := insn.P1 - 1 // 1-based
		if start < 0 {
			start = 0
		}
		if start > len(s) {
			start = len(s)
		}
		end := len(s)
		if insn.P2 > 0 && start+insn.P2 < end {
			end = start + insn.P2
		}
		vm.push(Str(s[start:end]))

	// Transactions
	case OpTransaction:
		if !vm.bt.InTransaction() {
			if err := vm.bt.BeginTransaction(); err != nil {
				return false, err
			}
		}
	case OpCommit:
		vm.closeCursors()
		if vm.bt.InTransaction() {
			if err := vm.bt.Commit(); err != nil {
				return false, err
			}
		}
	case OpRollback:
		vm.closeCursors()
		if err := vm.bt.Rollback(); err != nil {
			return false, err
		}

	// Table lifecycle
	case OpCreateTable:
		root, err := vm.bt.CreateTable()
		if err != nil {
			return false, err
		}
		vm.push(Int(int64(root)))
	case OpDropTable:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if err := vm.bt.DropTable(pager.PageID(m.ToInt())); err != nil {
			return false, err
		}
	case OpClearTable:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if err := vm.bt.ClearTable(pager.PageID(m.ToInt())); err != nil {
			return false, err
		}

	// Schema cookie
	case OpReadCookie:
		v, err := vm.bt.SchemaCookie()
		if err != nil {
			return false, err
		}
		vm.push(Int(int64(v)))
	case OpSetCookie:
		v := uint32(insn.P1)
		if insn.P2 != 0 {
			m, err := vm.pop()
			if err != nil {
				return false, err
			}
			v = uint32(m.ToInt())
		}
		if err := vm.bt.SetSchemaCookie(v); err != nil {
			return false, err
		}
	case OpVerifyCookie:
		v, err := vm.bt.SchemaCookie()
		if err != nil {
			return false, err
		}
		if v != uint32(insn.P1) {
			if insn.P2 > 0 {
				return false, vm.jump(insn.P2)
			}
			return false, kerr.New(kerr.Schema, "schema has changed")
		}

	// Cursors
	case OpOpen, OpOpenWrite:
		root := pager.PageID(insn.P2)
		if insn.P2 == 0 {
			m, err := vm.pop()
			if err != nil {
				return false, err
			}
			root = pager.PageID(m.ToInt())
		}
		cur, err := vm.bt.OpenCursor(root, insn.Op == OpOpenWrite)
		if err != nil {
			return false, err
		}
		vm.setCursor(insn.P1, &vmCursor{cur: cur, root: root, name: insn.P3})
	case OpOpenTemp:
		name := insn.P3
		if name == "" {
			name = vm.namer.TempName("temp")
		}
		c, err := openTempCursor(name)
		if err != nil {
			return false, err
		}
		vm.setCursor(insn.P1, c)
	case OpOpenAux, OpOpenWrAux:
		if err := vm.ensureAux(); err != nil {
			return false, err
		}
		root := pager.PageID(insn.P2)
		if root == 0 {
			r, err := vm.aux.CreateTable()
			if err != nil {
				return false, err
			}
			root = r
		}
		cur, err := vm.aux.OpenCursor(root, insn.Op == OpOpenWrAux)
		if err != nil {
			return false, err
		}
		vm.setCursor(insn.P1, &vmCursor{cur: cur, root: root, name: insn.P3})
	case OpClose:
		if c, ok := vm.cursors[insn.P1]; ok {
			c.close()
			delete(vm.cursors, insn.P1)
		}
	case OpMoveTo:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		res, err := c.cur.MoveTo(keyBytes(m))
		if err != nil {
			return false, err
		}
		if m.Kind == KindInt {
			c.lastRecno, c.recnoValid = m.I, res == 0
		} else {
			c.recnoValid = false
		}
		if res != 0 && insn.P2 > 0 {
			return false, vm.jump(insn.P2)
		}
	case OpRewind:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		empty, err := c.cur.First()
		if err != nil {
			return false, err
		}
		c.recnoValid = false
		if empty && insn.P2 > 0 {
			return false, vm.jump(insn.P2)
		}
	case OpNext:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		past, err := c.cur.Next()
		if err != nil {
			return false, err
		}
		c.recnoValid = false
		if past && insn.P2 > 0 {
			return false, vm.jump(insn.P2)
		}
	case OpRecno:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		if c.recnoValid {
			vm.push(Int(c.lastRecno))
			break
		}
		key, err := c.cur.Key()
		if err != nil {
			return false, err
		}
		id, err := KeyRowid(key)
		if err != nil {
			return false, err
		}
		vm.push(Int(id))
	case OpColumn:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		var rec []byte
		if c.keyAsData {
			rec, err = c.cur.Key()
		} else {
			rec, err = c.cur.AllData()
		}
		if err != nil {
			return false, err
		}
		v, err := DecodeColumn(rec, insn.P2)
		if err != nil {
			return false, err
		}
		vm.push(v)
	case OpKeyAsData:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		c.keyAsData = insn.P2 != 0

	// Record encoding
	case OpMakeRecord:
		vals, err := vm.popN(insn.P1)
		if err != nil {
			return false, err
		}
		rec, err := EncodeRecord(vals)
		if err != nil {
			return false, err
		}
		vm.push(Blob(rec))
	case OpMakeKey:
		vals, err := vm.popN(insn.P1)
		if err != nil {
			return false, err
		}
		key := EncodeKey(vals)
		if insn.P2 != 0 {
			// Keep the field values under the new key.
			for _, v := range vals {
				vm.push(v)
			}
		}
		vm.push(Blob(key))
	case OpMakeIdxKey:
		vals, err := vm.popN(insn.P1)
		if err != nil {
			return false, err
		}
		rid, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.push(Blob(EncodeIdxKey(vals, rid.ToInt())))

	// Row I/O
	case OpNewRecno:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		id, err := vm.newRecno(c)
		if err != nil {
			return false, err
		}
		vm.push(Int(id))
	case OpPut:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		rec, err := vm.pop()
		if err != nil {
			return false, err
		}
		key, err := vm.pop()
		if err != nil {
			return false, err
		}
		if err := c.cur.Insert(keyBytes(key), dataBytes(rec)); err != nil {
			return false, err
		}
	case OpDelete:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		if err := c.cur.Delete(); err != nil {
			return false, err
		}

	// Index search
	case OpBeginIdx:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		c.probe = keyBytes(m)
		if err := c.cur.SeekGE(c.probe); err != nil {
			return false, err
		}
	case OpNextIdx:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		if !c.cur.Valid() {
			return false, vm.jump(insn.P2)
		}
		key, err := c.cur.Key()
		if err != nil {
			return false, err
		}
		if len(key) != len(c.probe)+4 || !bytes.HasPrefix(key, c.probe) {
			return false, vm.jump(insn.P2)
		}
		rid, err := IdxKeyRowid(key)
		if err != nil {
			return false, err
		}
		vm.push(Int(rid))
		if _, err := c.cur.Next(); err != nil {
			return false, err
		}
	case OpPutIdx:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if err := c.cur.Insert(keyBytes(m), nil); err != nil {
			return false, err
		}
	case OpDeleteIdx:
		c, err := vm.cursor(insn.P1)
		if err != nil {
			return false, err
		}
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		res, err := c.cur.MoveTo(keyBytes(m))
		if err != nil {
			return false, err
		}
		if res == 0 {
			if err := c.cur.Delete(); err != nil {
				return false, err
			}
		}

	// Memory cells
	case OpMemStore:
		var m Mem
		var err error
		if insn.P2 != 0 {
			m, err = vm.pop()
		} else if len(vm.stack) > 0 {
			m = vm.stack[len(vm.stack)-1]
		} else {
			err = kerr.New(kerr.Internal, "MemStore on empty stack")
		}
		if err != nil {
			return false, err
		}
		vm.mem[insn.P1] = m.Dup()
	case OpMemLoad:
		if m, ok := vm.mem[insn.P1]; ok {
			vm.push(m.Dup())
		} else {
			vm.push(Null())
		}

	// Keylist
	case OpListOpen:
		vm.list = &Keylist{}
	case OpListWrite:
		if vm.list == nil {
			return false, kerr.New(kerr.Internal, "ListWrite with no open list")
		}
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.list.Write(m.ToInt())
	case OpListRewind:
		if vm.list != nil {
			vm.list.Rewind()
		}
	case OpListRead:
		if vm.list == nil {
			return false, vm.jump(insn.P2)
		}
		id, ok := vm.list.Read()
		if !ok {
			return false, vm.jump(insn.P2)
		}
		vm.push(Int(id))
	case OpListClose:
		vm.list = nil

	// Sorter
	case OpSortOpen:
		vm.sorter = &Sorter{}
	case OpSortPut:
		if vm.sorter == nil {
			return false, kerr.New(kerr.Internal, "SortPut with no open sorter")
		}
		key, err := vm.pop()
		if err != nil {
			return false, err
		}
		val, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.sorter.Put(dataBytes(key), val)
	case OpSortMakeKey:
		vals, err := vm.popN(insn.P1)
		if err != nil {
			return false, err
		}
		vm.push(Blob(sortKey(vals, insn.P3)))
	case OpSortMakeRec:
		vals, err := vm.popN(insn.P1)
		if err != nil {
			return false, err
		}
		rec, err := EncodeRecord(vals)
		if err != nil {
			return false, err
		}
		vm.push(Blob(rec))
	case OpSort:
		if vm.sorter == nil {
			return false, kerr.New(kerr.Internal, "Sort with no open sorter")
		}
		vm.sorter.Sort()
	case OpSortNext:
		if vm.sorter == nil {
			return false, vm.jump(insn.P2)
		}
		v, ok := vm.sorter.Next()
		if !ok {
			return false, vm.jump(insn.P2)
		}
		vm.push(v)
	case OpSortCallback:
		rec, err := vm.pop()
		if err != nil {
			return false, err
		}
		row, err := decodeRow(dataBytes(rec), insn.P1)
		if err != nil {
			return false, err
		}
		vm.row = row
		return true, nil
	case OpSortClose:
		vm.sorter = nil

	// Aggregator
	case OpAggReset:
		vm.agg = NewAggregator(insn.P2)
	case OpAggFocus:
		if vm.agg == nil {
			return false, kerr.New(kerr.Internal, "AggFocus with no aggregator")
		}
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if vm.agg.Focus(m.ToString()) {
			return false, vm.jump(insn.P2)
		}
	case OpAggIncr:
		if vm.agg == nil || !vm.agg.Incr(insn.P2, int64(insn.P1)) {
			return false, kerr.New(kerr.Internal, "AggIncr outside a focused bucket")
		}
	case OpAggSet:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		if vm.agg == nil || !vm.agg.Set(insn.P2, m) {
			return false, kerr.New(kerr.Internal, "AggSet outside a focused bucket")
		}
	case OpAggGet:
		if vm.agg == nil {
			return false, kerr.New(kerr.Internal, "AggGet with no aggregator")
		}
		vm.push(vm.agg.Get(insn.P2))
	case OpAggNext:
		if vm.agg == nil {
			return false, vm.jump(insn.P2)
		}
		key, ok := vm.agg.Next()
		if !ok {
			return false, vm.jump(insn.P2)
		}
		vm.push(Str(key))

	// Sets
	case OpSetInsert:
		set := vm.sets[insn.P1]
		if set == nil {
			set = make(map[string]struct{})
			vm.sets[insn.P1] = set
		}
		if insn.P3 != "" {
			set[insn.P3] = struct{}{}
		} else {
			m, err := vm.pop()
			if err != nil {
				return false, err
			}
			set[m.ToString()] = struct{}{}
		}
	case OpSetFound, OpSetNotFound:
		m, err := vm.pop()
		if err != nil {
			return false, err
		}
		_, found := vm.sets[insn.P1][m.ToString()]
		if found == (insn.Op == OpSetFound) {
			return false, vm.jump(insn.P2)
		}

	// File read
	case OpFileOpen:
		if vm.file != nil {
			vm.file.close()
		}
		f, err := openFileReader(insn.P3)
		if err != nil {
			return false, err
		}
		vm.file = f
	case OpFileRead:
		if vm.file == nil {
			return false, vm.jump(insn.P2)
		}
		ok, err := vm.file.read(insn.P1, insn.P3)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, vm.jump(insn.P2)
		}
	case OpFileColumn:
		if vm.file == nil {
			vm.push(Null())
		} else {
			vm.push(vm.file.column(insn.P1))
		}
	case OpFileClose:
		if vm.file != nil {
			vm.file.close()
			vm.file = nil
		}

	// Output
	case OpColumnCount:
		vm.ncols = insn.P1
		vm.colNames = make([]string, insn.P1)
	case OpColumnName:
		if insn.P1 >= 0 && insn.P1 < len(vm.colNames) {
			vm.colNames[insn.P1] = insn.P3
		}
	case OpCallback:
		vals, err := vm.popN(insn.P1)
		if err != nil {
			return false, err
		}
		vm.row = vals
		return true, nil

	// Control
	case OpGoto:
		return false, vm.jump(insn.P2)
	case OpHalt:
		if insn.P1 != 0 {
			msg := insn.P3
			if msg == "" {
				msg = "halted"
			}
			return false, kerr.New(kerr.Code(insn.P1), "%s", msg)
		}
		vm.finish(kerr.Ok, "")

	default:
		return false, kerr.New(kerr.Internal, "unimplemented opcode %s", insn.Op)
	}
	return false, nil
}

func (vm *VM) setCursor(n int, c *vmCursor) {
	if old, ok := vm.cursors[n]; ok {
		old.close()
	}
	vm.cursors[n] = c
}

func (vm *VM) closeCursors() {
	for n, c := range vm.cursors {
		c.close()
		delete(vm.cursors, n)
	}
}

func (vm *VM) ensureAux() error {
	if vm.aux != nil {
		return nil
	}
	aux, err := btree.Open(pager.MemoryPath, pager.DefaultConfig())
	if err != nil {
		return err
	}
	if err := aux.BeginTransaction(); err != nil {
		aux.Close()
		return err
	}
	vm.aux = aux
	return nil
}

// newRecno picks an unused rowid for the table under c: a handful of
// small random increments from the per-table hint for dense sequential
// packing, then fully random probes, giving up with Full after ~1000
// misses.
func (vm *VM) newRecno(c *vmCursor) (int64, error) {
	hint := vm.nextRowid[c.root]
	for attempt := 0; attempt < 1000; attempt++ {
		var cand int64
		if attempt < 5 {
			hint += int64(vm.prng.Byte()%4) + 1
			cand = hint
		} else {
			cand = int64(uint32(vm.prng.Int32()))
		}
		if cand <= 0 || cand > 0xFFFFFFFF {
			continue
		}
		res, err := c.cur.MoveTo(RowidKey(cand))
		if err != nil {
			return 0, err
		}
		if res != 0 {
			vm.nextRowid[c.root] = cand
			return cand, nil
		}
	}
	return 0, kerr.New(kerr.Full, "no free rowid after 1000 probes")
}

// sortKey builds a sorter key from vals. order holds one '+'/'-' per
// field; '-' inverts the field's bytes so a bytewise ascending sort
// yields descending order for that field.
func sortKey(vals []Mem, order string) []byte {
	var key []byte
	for i, v := range vals {
		if i > 0 {
			key = append(key, 0)
		}
		field := []byte(v.ToString())
		if i < len(order) && order[i] == '-' {
			for j := range field {
				field[j] ^= 0xFF
			}
		}
		key = append(key, field...)
	}
	return key
}

func decodeRow(rec []byte, ncols int) ([]Mem, error) {
	row := make([]Mem, ncols)
	for i := 0; i < ncols; i++ {
		v, err := DecodeColumn(rec, i)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}
