package cfi

import (
	"fmt"

	"dexcfi/internal/leb128"
)

// Form names the encoded width of a record's operands.
type Form int

const (
	Compact  Form = iota // every operand fits one LEB128 byte
	Extended             // at least one operand takes two bytes; see DefCFAForm
)

func (f Form) String() string {
	if f == Extended {
		return "extended"
	}
	return "compact"
}

// DexPC returns the DEX PC marker for the current frame. Evaluated by an
// unwinder it pushes and drops Magic, then yields dex + offset as the value
// of register tmp. tmp can be any caller-save register; the rule exists only
// to carry the expression.
//
// The offset compensates for handlers that advance the DEX PC mid-handler
// and must fit one signed byte.
func DexPC(tmp, dex Reg, offset int) (Record, error) {
	if err := checkRegByte(tmp); err != nil {
		return Record{}, err
	}
	if err := checkRegByte(dex); err != nil {
		return Record{}, err
	}
	if offset < leb128.MinSigned1 || offset > leb128.MaxSigned1 {
		return Record{}, fmt.Errorf("%w: dex pc offset %d not in [%d, %d]",
			ErrOffsetRange, offset, leb128.MinSigned1, leb128.MaxSigned1)
	}

	expr := make([]byte, 0, dexPCExprLen)
	expr = append(expr, DW_OP_const4u)
	expr = append(expr, Magic...)
	expr = append(expr, DW_OP_drop, DW_OP_bregx)
	expr = leb128.AppendUnsigned(expr, uint64(dex))
	expr = leb128.AppendSigned(expr, int64(offset))
	return Record{Op: DW_CFA_val_expression, Reg: tmp, Expr: expr}, nil
}

// DefCFABregDeref returns a record defining the CFA as *(reg + offset) + size.
// The compact form (size below 128) has expression length 6; larger sizes
// take a second ULEB128 byte.
func DefCFABregDeref(reg Reg, offset int, size uint) (Record, error) {
	if err := checkRegByte(reg); err != nil {
		return Record{}, err
	}
	if err := checkOffset2(offset); err != nil {
		return Record{}, err
	}
	if size > leb128.MaxUnsigned2 {
		return Record{}, fmt.Errorf("%w: cfa size %d exceeds %d", ErrSizeRange, size, leb128.MaxUnsigned2)
	}

	expr := make([]byte, 0, 8)
	expr = append(expr, DW_OP_bregx)
	expr = leb128.AppendUnsigned(expr, uint64(reg))
	expr = leb128.AppendSigned(expr, int64(offset))
	expr = append(expr, DW_OP_deref, DW_OP_plus_uconst)
	expr = leb128.AppendUnsigned(expr, uint64(size))
	return Record{Op: DW_CFA_def_cfa_expression, Expr: expr}, nil
}

// DefCFAForm reports which form DefCFABregDeref produces for the operands.
// An Extended def_cfa record declares an expression length of 7 when only
// the size takes two bytes, and 8 when the offset does as well.
func DefCFAForm(offset int, size uint) Form {
	if size > leb128.MaxUnsigned1 || leb128.SizeSigned(int64(offset)) > 1 {
		return Extended
	}
	return Compact
}

// ExpressionBreg returns a record saying register n was saved at
// base + offset. The base register is folded into DW_OP_breg<base>.
func ExpressionBreg(n, base Reg, offset int) (Record, error) {
	if err := checkRegByte(n); err != nil {
		return Record{}, err
	}
	if base > maxBregReg {
		return Record{}, fmt.Errorf("%w: base register %d exceeds breg%d", ErrRegisterRange, base, maxBregReg)
	}
	if err := checkOffset2(offset); err != nil {
		return Record{}, err
	}

	expr := make([]byte, 0, 3)
	expr = append(expr, DW_OP_breg0+byte(base))
	expr = leb128.AppendSigned(expr, int64(offset))
	return Record{Op: DW_CFA_expression, Reg: n, Expr: expr}, nil
}

// ExpressionForm reports which form ExpressionBreg produces for offset.
func ExpressionForm(offset int) Form {
	if leb128.SizeSigned(int64(offset)) > 1 {
		return Extended
	}
	return Compact
}

// MustDexPC is like DexPC but panics on invalid operands. It is meant for
// package-level tables, so a bad operand fails at program start.
func MustDexPC(tmp, dex Reg, offset int) Record {
	return must(DexPC(tmp, dex, offset))
}

// MustDefCFABregDeref is like DefCFABregDeref but panics on invalid operands.
func MustDefCFABregDeref(reg Reg, offset int, size uint) Record {
	return must(DefCFABregDeref(reg, offset, size))
}

// MustExpressionBreg is like ExpressionBreg but panics on invalid operands.
func MustExpressionBreg(n, base Reg, offset int) Record {
	return must(ExpressionBreg(n, base, offset))
}

func must(r Record, err error) Record {
	if err != nil {
		panic(err)
	}
	return r
}

func checkRegByte(r Reg) error {
	if r > maxRegByte {
		return fmt.Errorf("%w: register %d exceeds %d", ErrRegisterRange, r, maxRegByte)
	}
	return nil
}

func checkOffset2(offset int) error {
	if offset < leb128.MinSigned2 || offset > leb128.MaxSigned2 {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrOffsetRange, offset, leb128.MinSigned2, leb128.MaxSigned2)
	}
	return nil
}
