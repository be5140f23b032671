package ehframe

import (
	"errors"
	"fmt"

	"dexcfi/internal/leb128"
)

var (
	ErrUnknownOp = errors.New("ehframe: unknown call-frame opcode")
	ErrTruncated = errors.New("ehframe: truncated instruction")
	ErrStepCap   = errors.New("ehframe: step cap reached")
	ErrLength    = errors.New("ehframe: expression length exceeds program")
)

// Inst is one decoded call-frame instruction.
type Inst struct {
	Offset  int    // byte offset within the program
	Len     int    // encoded length
	Op      byte   // opcode; primary opcodes have their operand bits cleared
	Loc     uint64 // location the instruction applies from
	Reg     uint64
	Reg2    uint64 // DW_CFA_register target
	Operand int64  // offset, delta or size operand
	Expr    []byte // expression block for the *_expression forms
}

// IsExpression reports whether the instruction carries an expression block.
func (i Inst) IsExpression() bool {
	switch i.Op {
	case opDefCFAExpression, opExpression, opValExpression:
		return true
	}
	return false
}

// Name returns the DWARF mnemonic of the instruction.
func (i Inst) Name() string { return OpName(i.Op) }

func (i Inst) String() string {
	switch i.Op {
	case opAdvanceLoc, opAdvanceLoc1, opAdvanceLoc2, opAdvanceLoc4, opSetLoc:
		return fmt.Sprintf("%s to 0x%x", i.Name(), i.Loc)
	case opDefCFAExpression:
		return fmt.Sprintf("%s [% x]", i.Name(), i.Expr)
	case opExpression, opValExpression:
		return fmt.Sprintf("%s r%d [% x]", i.Name(), i.Reg, i.Expr)
	case opNop, opRememberState, opRestoreState, opGNUWindowSave:
		return i.Name()
	case opRegister:
		return fmt.Sprintf("%s r%d r%d", i.Name(), i.Reg, i.Reg2)
	case opDefCFAOffset, opDefCFAOffsetSF, opGNUArgsSize:
		return fmt.Sprintf("%s %d", i.Name(), i.Operand)
	case opRestore, opRestoreExtended, opUndefined, opSameValue, opDefCFARegister:
		return fmt.Sprintf("%s r%d", i.Name(), i.Reg)
	}
	return fmt.Sprintf("%s r%d %d", i.Name(), i.Reg, i.Operand)
}

var opNames = map[byte]string{
	opAdvanceLoc:           "DW_CFA_advance_loc",
	opOffset:               "DW_CFA_offset",
	opRestore:              "DW_CFA_restore",
	opNop:                  "DW_CFA_nop",
	opSetLoc:               "DW_CFA_set_loc",
	opAdvanceLoc1:          "DW_CFA_advance_loc1",
	opAdvanceLoc2:          "DW_CFA_advance_loc2",
	opAdvanceLoc4:          "DW_CFA_advance_loc4",
	opOffsetExtended:       "DW_CFA_offset_extended",
	opRestoreExtended:      "DW_CFA_restore_extended",
	opUndefined:            "DW_CFA_undefined",
	opSameValue:            "DW_CFA_same_value",
	opRegister:             "DW_CFA_register",
	opRememberState:        "DW_CFA_remember_state",
	opRestoreState:         "DW_CFA_restore_state",
	opDefCFA:               "DW_CFA_def_cfa",
	opDefCFARegister:       "DW_CFA_def_cfa_register",
	opDefCFAOffset:         "DW_CFA_def_cfa_offset",
	opDefCFAExpression:     "DW_CFA_def_cfa_expression",
	opExpression:           "DW_CFA_expression",
	opOffsetExtendedSF:     "DW_CFA_offset_extended_sf",
	opDefCFASF:             "DW_CFA_def_cfa_sf",
	opDefCFAOffsetSF:       "DW_CFA_def_cfa_offset_sf",
	opValOffset:            "DW_CFA_val_offset",
	opValOffsetSF:          "DW_CFA_val_offset_sf",
	opValExpression:        "DW_CFA_val_expression",
	opGNUWindowSave:        "DW_CFA_GNU_window_save",
	opGNUArgsSize:          "DW_CFA_GNU_args_size",
	opGNUNegOffsetExtended: "DW_CFA_GNU_negative_offset_extended",
}

// OpName returns the DWARF mnemonic for a call-frame opcode.
func OpName(op byte) string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return fmt.Sprintf("DW_CFA_0x%02x", op)
}

// Walk decodes a call-frame instruction program the way a generic unwinder
// does: expression blocks are skipped by their declared length without
// looking inside. fn is called for every instruction in order.
//
// In ModeStrict the first malformed instruction is returned as an error.
// In ModeBestEffort walking stops there and the problem is recorded in the
// returned Diags. Errors from fn are always returned.
func Walk(prog []byte, opts Options, fn func(Inst) error) (*Diags, error) {
	diags := &Diags{}
	s := leb128.NewStream(prog)
	align := opts.codeAlign()
	maxSteps := opts.effectiveMaxSteps()
	var loc uint64

	for steps := 0; s.Remaining() > 0; steps++ {
		if steps >= maxSteps {
			if opts.Mode == ModeStrict {
				return diags, fmt.Errorf("%w: %d", ErrStepCap, maxSteps)
			}
			diags.Addf(s.Position(), DiagStepCap, "stopped after %d instructions", maxSteps)
			return diags, nil
		}

		start := s.Position()
		inst, err := decodeInst(s, opts, align, &loc)
		if err != nil {
			if opts.Mode == ModeStrict {
				return diags, fmt.Errorf("offset 0x%x: %w", start, err)
			}
			kind := DiagTruncated
			switch {
			case errors.Is(err, ErrUnknownOp):
				kind = DiagUnknownOp
			case errors.Is(err, ErrLength):
				kind = DiagLength
			}
			diags.Addf(start, kind, "%v", err)
			return diags, nil
		}
		inst.Offset = start
		inst.Len = s.Position() - start
		if err := fn(inst); err != nil {
			return diags, err
		}
	}
	return diags, nil
}

func decodeInst(s *leb128.Stream, opts Options, align uint64, loc *uint64) (Inst, error) {
	op, err := s.ReadByte()
	if err != nil {
		return Inst{}, ErrTruncated
	}

	switch op &^ lowMask {
	case opAdvanceLoc:
		*loc += uint64(op&lowMask) * align
		return Inst{Op: opAdvanceLoc, Loc: *loc, Operand: int64(op & lowMask)}, nil
	case opOffset:
		v, err := s.ReadUnsigned()
		if err != nil {
			return Inst{}, truncated(err)
		}
		return Inst{Op: opOffset, Loc: *loc, Reg: uint64(op & lowMask), Operand: int64(v)}, nil
	case opRestore:
		return Inst{Op: opRestore, Loc: *loc, Reg: uint64(op & lowMask)}, nil
	}

	inst := Inst{Op: op, Loc: *loc}
	var rerr error
	readU := func() uint64 {
		v, err := s.ReadUnsigned()
		if err != nil && rerr == nil {
			rerr = err
		}
		return v
	}
	readS := func() int64 {
		v, err := s.ReadSigned()
		if err != nil && rerr == nil {
			rerr = err
		}
		return v
	}
	readBlock := func() []byte {
		n := readU()
		if rerr != nil {
			return nil
		}
		if n > uint64(s.Remaining()) {
			rerr = fmt.Errorf("%w: %d > %d remaining bytes", ErrLength, n, s.Remaining())
			return nil
		}
		b, err := s.ReadBytes(int(n))
		if err != nil {
			rerr = err
		}
		return b
	}

	switch op {
	case opNop, opRememberState, opRestoreState, opGNUWindowSave:
	case opSetLoc:
		b, err := s.ReadBytes(opts.addrSize())
		if err != nil {
			return Inst{}, truncated(err)
		}
		var v uint64
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		*loc = v
		inst.Loc = v
	case opAdvanceLoc1:
		b, err := s.ReadByte()
		if err != nil {
			return Inst{}, truncated(err)
		}
		*loc += uint64(b) * align
		inst.Loc, inst.Operand = *loc, int64(b)
	case opAdvanceLoc2:
		v, err := s.ReadUint16()
		if err != nil {
			return Inst{}, truncated(err)
		}
		*loc += uint64(v) * align
		inst.Loc, inst.Operand = *loc, int64(v)
	case opAdvanceLoc4:
		v, err := s.ReadUint32()
		if err != nil {
			return Inst{}, truncated(err)
		}
		*loc += uint64(v) * align
		inst.Loc, inst.Operand = *loc, int64(v)
	case opOffsetExtended, opValOffset, opGNUNegOffsetExtended:
		inst.Reg = readU()
		inst.Operand = int64(readU())
	case opRestoreExtended, opUndefined, opSameValue, opDefCFARegister:
		inst.Reg = readU()
	case opRegister:
		inst.Reg = readU()
		inst.Reg2 = readU()
	case opDefCFA:
		inst.Reg = readU()
		inst.Operand = int64(readU())
	case opDefCFAOffset, opGNUArgsSize:
		inst.Operand = int64(readU())
	case opOffsetExtendedSF, opDefCFASF, opValOffsetSF:
		inst.Reg = readU()
		inst.Operand = readS()
	case opDefCFAOffsetSF:
		inst.Operand = readS()
	case opDefCFAExpression:
		inst.Expr = readBlock()
	case opExpression, opValExpression:
		inst.Reg = readU()
		inst.Expr = readBlock()
	default:
		return Inst{}, fmt.Errorf("%w 0x%02x", ErrUnknownOp, op)
	}
	if rerr != nil {
		if errors.Is(rerr, ErrLength) {
			return Inst{}, rerr
		}
		return Inst{}, truncated(rerr)
	}
	return inst, nil
}

func truncated(err error) error {
	return fmt.Errorf("%w: %v", ErrTruncated, err)
}
