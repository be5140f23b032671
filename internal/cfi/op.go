package cfi

// Opcode is a DWARF call-frame instruction opcode.
type Opcode byte

// Call-frame instructions that carry a DWARF expression. These are the
// "escape" entries: a generic reader skips the expression by its length.
const (
	DW_CFA_def_cfa_expression Opcode = 0x0f
	DW_CFA_expression         Opcode = 0x10
	DW_CFA_val_expression     Opcode = 0x16
)

func (op Opcode) String() string {
	switch op {
	case DW_CFA_def_cfa_expression:
		return "DW_CFA_def_cfa_expression"
	case DW_CFA_expression:
		return "DW_CFA_expression"
	case DW_CFA_val_expression:
		return "DW_CFA_val_expression"
	}
	return "DW_CFA_unknown"
}

// DWARF expression operations used by the escape records.
const (
	DW_OP_deref       byte = 0x06
	DW_OP_const4u     byte = 0x0c
	DW_OP_drop        byte = 0x13
	DW_OP_plus_uconst byte = 0x23
	DW_OP_breg0       byte = 0x70
	DW_OP_breg31      byte = 0x8f
	DW_OP_bregx       byte = 0x92
)

// Magic tags a DW_CFA_val_expression as a DEX PC marker. It is pushed with
// DW_OP_const4u and dropped, so it never affects the computed value.
const Magic = "DEX1"

const (
	// maxRegByte is the largest register encodable in one ULEB128 byte.
	maxRegByte = 0x7f
	// maxBregReg is the largest register folded into DW_OP_breg<n>.
	maxBregReg = 31
)

// const4u, magic(4), drop, bregx, reg, offset.
const dexPCExprLen = 1 + len(Magic) + 1 + 1 + 1 + 1

// The consumer matches the marker by its exact byte signature.
var (
	_ = [1]struct{}{}[len(Magic)-4]
	_ = [1]struct{}{}[dexPCExprLen-9]
)
