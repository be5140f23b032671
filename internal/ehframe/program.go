// Package ehframe builds and walks DWARF call-frame instruction programs
// as stored in .eh_frame.
package ehframe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"dexcfi/internal/leb128"
)

var (
	ErrBackwards  = errors.New("ehframe: location moves backwards")
	ErrMisaligned = errors.New("ehframe: location not a multiple of the code alignment factor")
	ErrUnfactored = errors.New("ehframe: offset not a multiple of the data alignment factor")
)

// Primary opcodes carry their operand in the low 6 bits.
const (
	opAdvanceLoc byte = 0x40
	opOffset     byte = 0x80
	opRestore    byte = 0xc0
	lowMask      byte = 0x3f
)

// Extended opcodes.
const (
	opNop                  byte = 0x00
	opSetLoc               byte = 0x01
	opAdvanceLoc1          byte = 0x02
	opAdvanceLoc2          byte = 0x03
	opAdvanceLoc4          byte = 0x04
	opOffsetExtended       byte = 0x05
	opRestoreExtended      byte = 0x06
	opUndefined            byte = 0x07
	opSameValue            byte = 0x08
	opRegister             byte = 0x09
	opRememberState        byte = 0x0a
	opRestoreState         byte = 0x0b
	opDefCFA               byte = 0x0c
	opDefCFARegister       byte = 0x0d
	opDefCFAOffset         byte = 0x0e
	opDefCFAExpression     byte = 0x0f
	opExpression           byte = 0x10
	opOffsetExtendedSF     byte = 0x11
	opDefCFASF             byte = 0x12
	opDefCFAOffsetSF       byte = 0x13
	opValOffset            byte = 0x14
	opValOffsetSF          byte = 0x15
	opValExpression        byte = 0x16
	opGNUWindowSave        byte = 0x2d
	opGNUArgsSize          byte = 0x2e
	opGNUNegOffsetExtended byte = 0x2f
)

// Program is an append-only call-frame instruction stream for one FDE.
//
// AdvanceTo only records the target location. The advance is written when
// the next non-empty instruction is appended, so a location change followed
// by nothing leaves the stream untouched.
type Program struct {
	codeAlign uint64
	dataAlign int64
	loc       uint64
	pending   uint64
	buf       []byte
}

// NewProgram returns an empty program for a function starting at location 0.
func NewProgram(codeAlign uint64, dataAlign int64) *Program {
	if codeAlign == 0 {
		codeAlign = 1
	}
	if dataAlign == 0 {
		dataAlign = 1
	}
	return &Program{codeAlign: codeAlign, dataAlign: dataAlign}
}

// Location returns the location the next instruction applies from.
func (p *Program) Location() uint64 { return p.pending }

// CodeAlign returns the code alignment factor locations are divided by.
func (p *Program) CodeAlign() uint64 { return p.codeAlign }

// AdvanceTo moves the current location to pc, relative to the function start.
func (p *Program) AdvanceTo(pc uint64) error {
	if pc < p.pending {
		return fmt.Errorf("%w: 0x%x < 0x%x", ErrBackwards, pc, p.pending)
	}
	if pc%p.codeAlign != 0 {
		return fmt.Errorf("%w: 0x%x (factor %d)", ErrMisaligned, pc, p.codeAlign)
	}
	p.pending = pc
	return nil
}

func (p *Program) flush() {
	delta := (p.pending - p.loc) / p.codeAlign
	switch {
	case delta == 0:
		return
	case delta <= uint64(lowMask):
		p.buf = append(p.buf, opAdvanceLoc|byte(delta))
	case delta <= 0xff:
		p.buf = append(p.buf, opAdvanceLoc1, byte(delta))
	case delta <= 0xffff:
		p.buf = append(p.buf, opAdvanceLoc2)
		p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(delta))
	default:
		p.buf = append(p.buf, opAdvanceLoc4)
		p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(delta))
	}
	p.loc = p.pending
}

// Escape appends raw instruction bytes at the current location, the
// equivalent of an assembler .cfi_escape. Empty input is ignored.
func (p *Program) Escape(b []byte) {
	if len(b) == 0 {
		return
	}
	p.flush()
	p.buf = append(p.buf, b...)
}

// DefCFA sets the CFA rule to reg + offset.
func (p *Program) DefCFA(reg, offset uint64) {
	p.flush()
	p.buf = append(p.buf, opDefCFA)
	p.buf = leb128.AppendUnsigned(p.buf, reg)
	p.buf = leb128.AppendUnsigned(p.buf, offset)
}

// DefCFAOffset changes the CFA offset, keeping the register.
func (p *Program) DefCFAOffset(offset uint64) {
	p.flush()
	p.buf = append(p.buf, opDefCFAOffset)
	p.buf = leb128.AppendUnsigned(p.buf, offset)
}

// Offset records that reg was saved at CFA + offset.
func (p *Program) Offset(reg uint64, offset int64) error {
	if offset%p.dataAlign != 0 {
		return fmt.Errorf("%w: %d (factor %d)", ErrUnfactored, offset, p.dataAlign)
	}
	f := offset / p.dataAlign
	p.flush()
	if reg <= uint64(lowMask) && f >= 0 {
		p.buf = append(p.buf, opOffset|byte(reg))
		p.buf = leb128.AppendUnsigned(p.buf, uint64(f))
		return nil
	}
	p.buf = append(p.buf, opOffsetExtendedSF)
	p.buf = leb128.AppendUnsigned(p.buf, reg)
	p.buf = leb128.AppendSigned(p.buf, f)
	return nil
}

// RememberState pushes the current register rules.
func (p *Program) RememberState() {
	p.flush()
	p.buf = append(p.buf, opRememberState)
}

// RestoreState pops the register rules pushed by RememberState.
func (p *Program) RestoreState() {
	p.flush()
	p.buf = append(p.buf, opRestoreState)
}

// Len returns the number of bytes emitted so far.
func (p *Program) Len() int { return len(p.buf) }

// Bytes returns a copy of the emitted instructions.
func (p *Program) Bytes() []byte {
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}
