// Package disasm decodes single 6502 instructions for traversal purposes:
// length, addressing mode and control transfer kind. It does not emulate
// instruction semantics.
package disasm

import (
	"errors"

	"github.com/retroenv/retrogolib/arch/cpu/m6502"

	"github.com/retrotools/disnes/internal/memory"
)

var (
	// ErrUnknownOpcode marks a byte that is not a valid opcode at all.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrTruncated marks an instruction whose encoding exceeds the bytes
	// available in the current bank window.
	ErrTruncated = errors.New("truncated instruction")
	// ErrNonExecutable marks an instruction with an encoding byte on a
	// non-executable address.
	ErrNonExecutable = errors.New("instruction byte not executable")
)

// ControlKind classifies how an instruction transfers control.
type ControlKind int

const (
	// KindNone continues at the following instruction.
	KindNone ControlKind = iota
	// KindBranch is a conditional branch, both target and fall-through
	// are successors.
	KindBranch
	// KindJump transfers control to the target only.
	KindJump
	// KindCall transfers control to the target and eventually falls
	// through to the return address.
	KindCall
	// KindReturn terminates the path (rts).
	KindReturn
	// KindInterruptReturn terminates the path (rti).
	KindInterruptReturn
	// KindInterrupt transfers control through the IRQ vector (brk).
	KindInterrupt
)

// ControlTransfer describes the successor addresses of an instruction as
// far as they are statically resolvable. An indirect jump has no resolved
// target.
type ControlTransfer struct {
	Kind          ControlKind
	Target        uint16
	HasTarget     bool
	ReturnAddress uint16 // valid for KindCall
}

// Instruction is a single decoded instruction.
type Instruction struct {
	Opcode     byte
	Name       string
	Addressing m6502.AddressingMode
	Size       int
	Operand    uint16 // raw operand value, 0 for implied and accumulator
	Control    ControlTransfer
	Unofficial bool
}

// operandSizes maps the addressing mode to the operand byte count.
var operandSizes = map[m6502.AddressingMode]int{
	m6502.ImpliedAddressing:     0,
	m6502.AccumulatorAddressing: 0,
	m6502.ImmediateAddressing:   1,
	m6502.ZeroPageAddressing:    1,
	m6502.ZeroPageXAddressing:   1,
	m6502.ZeroPageYAddressing:   1,
	m6502.IndirectXAddressing:   1,
	m6502.IndirectYAddressing:   1,
	m6502.RelativeAddressing:    1,
	m6502.AbsoluteAddressing:    2,
	m6502.AbsoluteXAddressing:   2,
	m6502.AbsoluteYAddressing:   2,
	m6502.IndirectAddressing:    2,
}

// Decode decodes the instruction at addr. data holds the bytes available
// in the active bank window starting at addr and perms the matching
// address space permissions, one per byte. Decode never reads past the
// available bytes and refuses instructions with a non-executable encoding
// byte.
func Decode(addr uint16, data []byte, perms []memory.Permission) (Instruction, error) {
	if len(data) == 0 {
		return Instruction{}, ErrTruncated
	}

	opcode := m6502.Opcodes[data[0]]
	if opcode.Instruction == nil {
		return Instruction{}, ErrUnknownOpcode
	}

	size := 1 + operandSizes[opcode.Addressing]
	if size > len(data) {
		return Instruction{}, ErrTruncated
	}
	for i := range size {
		if i >= len(perms) || !perms[i].Executable() {
			return Instruction{}, ErrNonExecutable
		}
	}

	ins := Instruction{
		Opcode:     data[0],
		Name:       opcode.Instruction.Name,
		Addressing: opcode.Addressing,
		Size:       size,
		Operand:    operandValue(data[:size]),
		Unofficial: opcode.Instruction.Unofficial,
	}
	ins.Control = controlTransfer(addr, ins)
	return ins, nil
}

// controlTransfer classifies the instruction and resolves the statically
// known successor addresses.
func controlTransfer(addr uint16, ins Instruction) ControlTransfer {
	switch {
	case ins.Name == m6502.JmpName && ins.Addressing == m6502.AbsoluteAddressing:
		return ControlTransfer{
			Kind:      KindJump,
			Target:    ins.Operand,
			HasTarget: true,
		}

	case ins.Name == m6502.JmpName:
		// indirect jump, following the pointer requires a memory read
		return ControlTransfer{
			Kind:   KindJump,
			Target: ins.Operand,
		}

	case ins.Name == m6502.JsrName:
		return ControlTransfer{
			Kind:          KindCall,
			Target:        ins.Operand,
			HasTarget:     true,
			ReturnAddress: addr + uint16(ins.Size),
		}

	case ins.Name == m6502.RtsName:
		return ControlTransfer{Kind: KindReturn}

	case ins.Name == m6502.RtiName:
		return ControlTransfer{Kind: KindInterruptReturn}

	case ins.Name == m6502.BrkName:
		return ControlTransfer{Kind: KindInterrupt}

	default:
		// jmp and jsr are handled above, the remaining branching
		// instructions are the conditional branches
		if m6502.BranchingInstructions.Contains(ins.Name) {
			return ControlTransfer{
				Kind:      KindBranch,
				Target:    branchTarget(addr, byte(ins.Operand)),
				HasTarget: true,
			}
		}
		return ControlTransfer{Kind: KindNone}
	}
}

// IndirectPointer returns the pointer address of an indirect jump. The
// 6502 cannot follow a pointer that wraps a page boundary, such a jump has
// no statically resolvable target.
func (i Instruction) IndirectPointer() (uint16, bool) {
	if i.Name != m6502.JmpName || i.Addressing != m6502.IndirectAddressing {
		return 0, false
	}
	ptr := i.Control.Target
	if ptr&0x00ff == 0x00ff {
		return 0, false
	}
	return ptr, true
}

// operandValue extracts the raw operand value: the single byte of a 1-byte
// operand or the little-endian word of a 2-byte operand.
func operandValue(data []byte) uint16 {
	switch len(data) {
	case 2:
		return uint16(data[1])
	case 3:
		return uint16(data[2])<<8 | uint16(data[1])
	default:
		return 0
	}
}

func branchTarget(addr uint16, offset byte) uint16 {
	target := addr + 2 + uint16(offset)
	if offset >= 0x80 {
		target -= 0x100
	}
	return target
}
