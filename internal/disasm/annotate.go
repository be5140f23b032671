package disasm

import "fmt"

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation. Receives the full Inst for access
// to both raw encoding and address.
type Annotator func(inst Inst) string

const regSP = 31

// isADD64Immediate returns true if the raw instruction is ADD Xd, Xn, #imm
// (64-bit). Returns dest reg, source reg, and the effective immediate value
// (with shift applied).
//
// Encoding: sf=1 | op=0 | S=0 | 100010 | sh | imm12 | Rn | Rd
func isADD64Immediate(raw uint32) (rd, rn int, immValue int, ok bool) {
	if raw&0xFF800000 != 0x91000000 {
		return 0, 0, 0, false
	}
	return addSubImm(raw)
}

// isSUB64Immediate is isADD64Immediate for SUB Xd, Xn, #imm (op=1).
func isSUB64Immediate(raw uint32) (rd, rn int, immValue int, ok bool) {
	if raw&0xFF800000 != 0xD1000000 {
		return 0, 0, 0, false
	}
	return addSubImm(raw)
}

func addSubImm(raw uint32) (rd, rn int, immValue int, ok bool) {
	rd = int(raw & 0x1F)
	rn = int((raw >> 5) & 0x1F)
	immValue = int((raw >> 10) & 0xFFF)
	if (raw>>22)&1 == 1 {
		immValue <<= 12
	}
	return rd, rn, immValue, true
}

// pairOp decodes the operands shared by the 64-bit LDP/STP forms.
// imm7 is signed and scaled by 8.
func pairOp(raw uint32) (rt, rt2, rn, off int) {
	imm7 := int((raw >> 15) & 0x7F)
	if imm7&0x40 != 0 {
		imm7 -= 0x80
	}
	return int(raw & 0x1F), int((raw >> 10) & 0x1F), int((raw >> 5) & 0x1F), imm7 * 8
}

// isSTPPreIndex matches STP Xt, Xt2, [Xn, #imm]!.
//
// Encoding: opc=10 | 101 | V=0 | 011 | L=0 | imm7 | Rt2 | Rn | Rt
func isSTPPreIndex(raw uint32) (rt, rt2, rn, off int, ok bool) {
	if raw&0xFFC00000 != 0xA9800000 {
		return 0, 0, 0, 0, false
	}
	rt, rt2, rn, off = pairOp(raw)
	return rt, rt2, rn, off, true
}

// isLDPPostIndex matches LDP Xt, Xt2, [Xn], #imm.
//
// Encoding: opc=10 | 101 | V=0 | 001 | L=1 | imm7 | Rt2 | Rn | Rt
func isLDPPostIndex(raw uint32) (rt, rt2, rn, off int, ok bool) {
	if raw&0xFFC00000 != 0xA8C00000 {
		return 0, 0, 0, 0, false
	}
	rt, rt2, rn, off = pairOp(raw)
	return rt, rt2, rn, off, true
}

// dstRegOfInst returns the destination register of common
// value-producing instructions, or -1.
func dstRegOfInst(raw uint32) int {
	switch {
	case raw&0xFFC00000 == 0xF9400000, // LDR X, unsigned offset
		raw&0xFFC00000 == 0xB9400000, // LDR W, unsigned offset
		raw&0xFFC00000 == 0x79400000, // LDRH W, unsigned offset
		raw&0xFFE00C00 == 0xF8400000, // LDUR X
		raw&0xFFE00C00 == 0xB8400000: // LDUR W
		return int(raw & 0x1F)
	case raw&0x7F800000 == 0x11000000, // ADD immediate
		raw&0x7F800000 == 0x51000000: // SUB immediate
		return int(raw & 0x1F)
	case raw&0x7F800000 == 0x52800000, // MOVZ
		raw&0x7F800000 == 0x72800000, // MOVK
		raw&0x7F800000 == 0x12800000: // MOVN
		return int(raw & 0x1F)
	case raw&0x7F200000 == 0x2A000000 && (raw>>5)&0x1F == 31: // MOV (ORR Rd, ZR, Rm)
		return int(raw & 0x1F)
	}
	return -1
}

// FrameAnnotator labels stack pointer adjustments and frame record
// pushes and pops, the points where a handler's CFA rule changes.
func FrameAnnotator() Annotator {
	return func(inst Inst) string {
		raw := inst.Raw
		if rd, rn, imm, ok := isSUB64Immediate(raw); ok && rd == regSP && rn == regSP {
			return fmt.Sprintf("sp -= %d", imm)
		}
		if rd, rn, imm, ok := isADD64Immediate(raw); ok && rd == regSP && rn == regSP {
			return fmt.Sprintf("sp += %d", imm)
		}
		if rt, rt2, rn, off, ok := isSTPPreIndex(raw); ok && rn == regSP {
			return fmt.Sprintf("push x%d, x%d (sp %+d)", rt, rt2, off)
		}
		if rt, rt2, rn, off, ok := isLDPPostIndex(raw); ok && rn == regSP {
			return fmt.Sprintf("pop x%d, x%d (sp %+d)", rt, rt2, off)
		}
		return ""
	}
}

// RegWriteAnnotator labels instructions that write reg, typically the
// register holding the DEX PC.
func RegWriteAnnotator(reg int, label string) Annotator {
	return func(inst Inst) string {
		if dstRegOfInst(inst.Raw) == reg {
			return fmt.Sprintf("%s = x%d", label, reg)
		}
		return ""
	}
}
