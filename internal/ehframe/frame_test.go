package ehframe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexcfi/internal/leb128"
)

func TestSection_Layout(t *testing.T) {
	initial := NewProgram(4, -8)
	initial.DefCFA(31, 0)

	sec := NewSection(0x10000, CIE{CodeAlign: 4, DataAlign: -8, ReturnReg: 30, Initial: initial.Bytes()})

	body := NewProgram(4, -8)
	require.NoError(t, body.AdvanceTo(4))
	body.Escape(dexPCEscape)
	require.NoError(t, sec.AddFDE(0x20000, 0x40, body.Bytes()))
	assert.Equal(t, 1, sec.NumFDEs())

	out := sec.Bytes()
	le := binary.LittleEndian

	// CIE.
	cieLen := int(le.Uint32(out))
	assert.Zero(t, (cieLen+4)%8, "CIE padded to 8")
	assert.Equal(t, uint32(0), le.Uint32(out[4:]), "CIE id")
	assert.Equal(t, byte(1), out[8], "version")
	assert.Equal(t, "zR\x00", string(out[9:12]))
	s := leb128.NewStream(out[12:])
	ca, _ := s.ReadUnsigned()
	da, _ := s.ReadSigned()
	ra, _ := s.ReadByte()
	alen, _ := s.ReadUnsigned()
	enc, _ := s.ReadByte()
	assert.Equal(t, uint64(4), ca)
	assert.Equal(t, int64(-8), da)
	assert.Equal(t, byte(30), ra)
	assert.Equal(t, uint64(1), alen)
	assert.Equal(t, byte(0x1b), enc)

	// FDE.
	fde := out[4+cieLen:]
	fdeLen := int(le.Uint32(fde))
	assert.Zero(t, (fdeLen+4)%8, "FDE padded to 8")
	assert.Equal(t, uint32(4+cieLen+4), le.Uint32(fde[4:]), "CIE pointer")

	fieldVA := uint64(0x10000 + 4 + cieLen + 8)
	pcrel := int32(le.Uint32(fde[8:]))
	assert.Equal(t, uint64(0x20000), uint64(int64(fieldVA)+int64(pcrel)))
	assert.Equal(t, uint32(0x40), le.Uint32(fde[12:]))
	assert.Equal(t, byte(0), fde[16], "augmentation length")

	instrs := fde[17 : 4+fdeLen]
	var names []string
	_, err := Walk(instrs, Options{Mode: ModeStrict, CodeAlign: 4}, func(i Inst) error {
		names = append(names, i.Name())
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(names), 2)
	assert.Equal(t, "DW_CFA_advance_loc", names[0])
	assert.Equal(t, "DW_CFA_val_expression", names[1])
	for _, n := range names[2:] {
		assert.Equal(t, "DW_CFA_nop", n, "padding")
	}

	// Terminator.
	assert.Equal(t, []byte{0, 0, 0, 0}, out[len(out)-4:])
	assert.Equal(t, 4+cieLen+4+fdeLen+4, len(out))
}

func TestSection_PCRange(t *testing.T) {
	cie := CIE{CodeAlign: 4, DataAlign: -8, ReturnReg: 30}

	sec := NewSection(0, cie)
	before := sec.Bytes()
	err := sec.AddFDE(0x1_0000_1000, 64, nil)
	assert.ErrorIs(t, err, ErrPCRange)
	assert.Zero(t, sec.NumFDEs())
	assert.Equal(t, before, sec.Bytes())

	// Code below the section is reachable with a negative delta.
	sec = NewSection(0x8000_0000, cie)
	require.NoError(t, sec.AddFDE(0x1000, 64, nil))
	out := sec.Bytes()
	cieLen := int(binary.LittleEndian.Uint32(out))
	fieldVA := int64(0x8000_0000 + 4 + cieLen + 8)
	pcrel := int32(binary.LittleEndian.Uint32(out[4+cieLen+8:]))
	assert.Equal(t, int64(0x1000), fieldVA+int64(pcrel))

	// Just past the negative limit.
	sec = NewSection(0x1_0000_0000, cie)
	assert.ErrorIs(t, sec.AddFDE(0, 64, nil), ErrPCRange)
}
