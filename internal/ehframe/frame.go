package ehframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"dexcfi/internal/leb128"
)

// ErrPCRange is returned when an FDE start is out of reach of a
// pc-relative sdata4 field.
var ErrPCRange = errors.New("ehframe: pc_begin out of sdata4 range")

// Pointer encodings used in the augmentation data.
const (
	pePCRel  byte = 0x10
	peSData4 byte = 0x0b
)

const augmentation = "zR"

// CIE describes the common information entry every FDE in a Section shares.
type CIE struct {
	CodeAlign uint64
	DataAlign int64
	ReturnReg byte
	Initial   []byte // initial instructions, e.g. from a Program
	AddrAlign int    // entry padding; 0 = 8
}

func (c CIE) align() int {
	if c.AddrAlign > 0 {
		return c.AddrAlign
	}
	return 8
}

// Section assembles an .eh_frame section: one CIE followed by FDEs.
// All multi-byte fields are little-endian.
type Section struct {
	addr  uint64 // VA of the section start
	cie   CIE
	buf   []byte
	nfdes int
}

// NewSection starts a section at virtual address addr with the given CIE.
func NewSection(addr uint64, cie CIE) *Section {
	s := &Section{addr: addr, cie: cie}

	body := []byte{0, 0, 0, 0, 1} // CIE id, version
	body = append(body, augmentation...)
	body = append(body, 0)
	body = leb128.AppendUnsigned(body, cie.CodeAlign)
	body = leb128.AppendSigned(body, cie.DataAlign)
	body = append(body, cie.ReturnReg)
	body = leb128.AppendUnsigned(body, 1) // augmentation data length
	body = append(body, pePCRel|peSData4)
	body = append(body, cie.Initial...)
	s.appendEntry(body)
	return s
}

// AddFDE appends an FDE covering [pc, pc+size) with the given instructions.
// The section is unchanged when pc is more than 2 GiB from the field.
func (s *Section) AddFDE(pc uint64, size uint32, instructions []byte) error {
	start := len(s.buf)
	body := binary.LittleEndian.AppendUint32(nil, uint32(start+4)) // back to CIE at 0

	// pc_begin is pcrel: relative to the field's own address.
	field := s.addr + uint64(start+8)
	delta := int64(pc - field)
	if delta < math.MinInt32 || delta > math.MaxInt32 {
		return fmt.Errorf("%w: pc 0x%x, field 0x%x", ErrPCRange, pc, field)
	}
	body = binary.LittleEndian.AppendUint32(body, uint32(int32(delta)))
	body = binary.LittleEndian.AppendUint32(body, size)
	body = leb128.AppendUnsigned(body, 0) // augmentation data length
	body = append(body, instructions...)
	s.appendEntry(body)
	s.nfdes++
	return nil
}

// appendEntry writes a length-prefixed entry padded with DW_CFA_nop.
func (s *Section) appendEntry(body []byte) {
	total := 4 + len(body)
	if rem := total % s.cie.align(); rem != 0 {
		for i := 0; i < s.cie.align()-rem; i++ {
			body = append(body, opNop)
		}
	}
	s.buf = binary.LittleEndian.AppendUint32(s.buf, uint32(len(body)))
	s.buf = append(s.buf, body...)
}

// NumFDEs returns the number of FDEs added.
func (s *Section) NumFDEs() int { return s.nfdes }

// Bytes returns the section contents including the zero terminator.
func (s *Section) Bytes() []byte {
	out := make([]byte, len(s.buf), len(s.buf)+4)
	copy(out, s.buf)
	return append(out, 0, 0, 0, 0)
}
