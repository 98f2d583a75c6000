package vm

import "fmt"

// Instruction is one (opcode, P1, P2, P3) tuple. P2 may hold a symbolic
// label during code generation; FixupLabels patches every label
// reference to a real address before the Program is handed to a VM.
type Instruction struct {
	Op Opcode
	P1 int
	P2 int
	P3 string
}

// Program is an ordered, addressable array of instructions plus the
// human-readable column names a terminal SELECT declares for its result
// set (used by ColumnCount/ColumnName and by Explain/EXPLAIN output).
type Program struct {
	Insns    []Instruction
	Columns  []string
	labelSeq int
	labels   map[int]int
}

// Emit appends an instruction and returns its address.
func (p *Program) Emit(op Opcode, p1, p2 int, p3 string) int {
	p.Insns = append(p.Insns, Instruction{Op: op, P1: p1, P2: p2, P3: p3})
	return len(p.Insns) - 1
}

// NewLabel allocates a fresh symbolic jump target, encoded as a negative
// int so it can never collide with a real address (which is always
// >= 0).
func (p *Program) NewLabel() int {
	p.labelSeq--
	return p.labelSeq
}

// ResolveLabel records that label now refers to addr (normally
// len(p.Insns), the next instruction to be emitted).
func (p *Program) ResolveLabel(label, addr int) {
	if p.labels == nil {
		p.labels = map[int]int{}
	}
	p.labels[label] = addr
}

// Here returns the address of the next instruction to be emitted.
func (p *Program) Here() int { return len(p.Insns) }

// FixupLabels rewrites every P2 operand that still holds an unresolved
// label (a negative number) to the real address ResolveLabel recorded
// for it. Instruction addresses are stable afterward; labels do not
// survive resolution.
func (p *Program) FixupLabels() error {
	for i, insn := range p.Insns {
		if insn.P2 < 0 {
			addr, ok := p.labels[insn.P2]
			if !ok {
				return fmt.Errorf("vm: unresolved label %d at instruction %d", insn.P2, i)
			}
			p.Insns[i].P2 = addr
		}
	}
	return nil
}

// Explain renders the compiled program as (addr, opcode, P1, P2, P3)
// rows, the shape EXPLAIN returns as a result set instead of executing
// the program.
func (p *Program) Explain() [][5]string {
	rows := make([][5]string, len(p.Insns))
	for i, insn := range p.Insns {
		rows[i] = [5]string{
			fmt.Sprintf("%d", i),
			insn.Op.String(),
			fmt.Sprintf("%d", insn.P1),
			fmt.Sprintf("%d", insn.P2),
			insn.P3,
		}
	}
	return rows
}

// TraceLine formats one instruction the way the optional tracing sink
// receives it: PC, opcode name, operands.
func TraceLine(pc int, insn Instruction) string {
	return fmt.Sprintf("%4d %-12s p1=%-6d p2=%-6d p3=%q", pc, insn.Op.String(), insn.P1, insn.P2, insn.P3)
}
