package cfi

import (
	"encoding/binary"
	"fmt"

	"dexcfi/internal/leb128"
)

// machine evaluates the subset of DWARF expressions the records use.
type machine struct {
	regs  map[Reg]uint64
	mem   map[uint64]uint64
	stack []uint64
	// consts records every DW_OP_const4u operand seen, in order.
	consts []uint32
}

func (m *machine) push(v uint64) { m.stack = append(m.stack, v) }

func (m *machine) pop() (uint64, error) {
	if len(m.stack) == 0 {
		return 0, fmt.Errorf("stack underflow")
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *machine) eval(expr []byte) (uint64, error) {
	s := leb128.NewStream(expr)
	for s.Remaining() > 0 {
		op, _ := s.ReadByte()
		switch {
		case op == DW_OP_const4u:
			b, err := s.ReadBytes(4)
			if err != nil {
				return 0, err
			}
			c := binary.LittleEndian.Uint32(b)
			m.consts = append(m.consts, c)
			m.push(uint64(c))
		case op == DW_OP_drop:
			if _, err := m.pop(); err != nil {
				return 0, err
			}
		case op == DW_OP_deref:
			a, err := m.pop()
			if err != nil {
				return 0, err
			}
			v, ok := m.mem[a]
			if !ok {
				return 0, fmt.Errorf("deref of unmapped 0x%x", a)
			}
			m.push(v)
		case op == DW_OP_plus_uconst:
			c, err := s.ReadUnsigned()
			if err != nil {
				return 0, err
			}
			a, err := m.pop()
			if err != nil {
				return 0, err
			}
			m.push(a + c)
		case op == DW_OP_bregx:
			r, err := s.ReadUnsigned()
			if err != nil {
				return 0, err
			}
			off, err := s.ReadSigned()
			if err != nil {
				return 0, err
			}
			m.push(m.regs[Reg(r)] + uint64(off))
		case op >= DW_OP_breg0 && op <= DW_OP_breg31:
			off, err := s.ReadSigned()
			if err != nil {
				return 0, err
			}
			m.push(m.regs[Reg(op-DW_OP_breg0)] + uint64(off))
		default:
			return 0, fmt.Errorf("unsupported op 0x%02x", op)
		}
	}
	return m.pop()
}

// decoded is a record split back into its fields by a generic reader.
type decoded struct {
	op      Opcode
	reg     Reg
	declLen int
	expr    []byte
}

func decodeRecord(b []byte) (decoded, error) {
	s := leb128.NewStream(b)
	op, err := s.ReadByte()
	if err != nil {
		return decoded{}, err
	}
	d := decoded{op: Opcode(op)}
	if d.op != DW_CFA_def_cfa_expression {
		r, err := s.ReadUnsigned()
		if err != nil {
			return decoded{}, err
		}
		d.reg = Reg(r)
	}
	n, err := s.ReadUnsigned()
	if err != nil {
		return decoded{}, err
	}
	d.declLen = int(n)
	d.expr, err = s.ReadBytes(s.Remaining())
	return d, err
}
