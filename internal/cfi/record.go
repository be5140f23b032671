// Package cfi encodes the DWARF call-frame escape records that mark
// interpreter frames for an unwinder.
//
// Three records are produced:
//
//   - DexPC: a DW_CFA_val_expression carrying the "DEX1" magic, which lets a
//     specialised unwinder recover the bytecode PC of the current frame.
//   - DefCFABregDeref: a DW_CFA_def_cfa_expression computing the CFA as
//     *(reg + offset) + size.
//   - ExpressionBreg: a DW_CFA_expression locating a saved register at
//     base + offset.
//
// Each operand is encoded in the smallest LEB128 form that holds it. Values
// outside the range the consumer accepts are rejected, never truncated.
// Expression lengths are derived from the encoded expression.
package cfi

import (
	"errors"
	"fmt"
	"strings"

	"dexcfi/internal/leb128"
)

var (
	ErrOffsetRange   = errors.New("cfi: offset out of range")
	ErrSizeRange     = errors.New("cfi: size out of range")
	ErrRegisterRange = errors.New("cfi: register out of range")
)

// Reg is a DWARF register number as the target consumer numbers them.
type Reg uint16

// Record is one call-frame escape entry: the opcode, the register rule it
// applies to (absent for DW_CFA_def_cfa_expression) and the expression.
type Record struct {
	Op   Opcode
	Reg  Reg
	Expr []byte
}

func (r Record) hasReg() bool {
	return r.Op != DW_CFA_def_cfa_expression
}

// Len returns the encoded size of the record in bytes.
func (r Record) Len() int {
	n := 1
	if r.hasReg() {
		n += leb128.SizeUnsigned(uint64(r.Reg))
	}
	return n + leb128.SizeUnsigned(uint64(len(r.Expr))) + len(r.Expr)
}

// AppendTo appends the encoded record to dst.
func (r Record) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(r.Op))
	if r.hasReg() {
		dst = leb128.AppendUnsigned(dst, uint64(r.Reg))
	}
	dst = leb128.AppendUnsigned(dst, uint64(len(r.Expr)))
	return append(dst, r.Expr...)
}

// Bytes returns the encoded record.
func (r Record) Bytes() []byte {
	return r.AppendTo(make([]byte, 0, r.Len()))
}

// Directive renders the record as an assembler .cfi_escape directive.
func (r Record) Directive() string {
	return Directive(r.Bytes())
}

// Directive renders raw escape bytes as an assembler .cfi_escape directive.
// Empty input renders as the empty string.
func Directive(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(".cfi_escape ")
	for i, c := range b {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "0x%02x", c)
	}
	return sb.String()
}

func (r Record) String() string {
	if r.hasReg() {
		return fmt.Sprintf("%v r%d [% x]", r.Op, r.Reg, r.Expr)
	}
	return fmt.Sprintf("%v [% x]", r.Op, r.Expr)
}
