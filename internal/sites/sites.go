// Package sites describes where a code generator attaches escape records
// to an interpreter handler and drives the encoders at those points.
package sites

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"dexcfi/internal/cfi"
)

var (
	ErrUnknownKind = errors.New("sites: unknown kind")
	ErrNegativeReg = errors.New("sites: negative register")
	ErrNotBoundary = errors.New("sites: pc is not an instruction boundary")
	ErrMisaligned  = errors.New("sites: pc is not a multiple of code_align")
)

// Kind selects the record emitted at a site.
type Kind string

const (
	KindDexPC      Kind = "dex_pc"             // cfi.DexPC(Reg, Base, Offset)
	KindDefCFA     Kind = "def_cfa_breg_deref" // cfi.DefCFABregDeref(Reg, Offset, Size)
	KindExpression Kind = "expression_breg"    // cfi.ExpressionBreg(Reg, Base, Offset)
)

// Site is one emission point. PC is relative to the handler start.
//
// Reg is the register the rule is attached to: the scratch register for
// dex_pc, the CFA base for def_cfa_breg_deref and the saved register for
// expression_breg. Base is the register holding the DEX PC (dex_pc) or the
// base of the save slot (expression_breg).
type Site struct {
	PC     uint64 `toml:"pc" json:"pc"`
	Kind   Kind   `toml:"kind" json:"kind"`
	Reg    int    `toml:"reg" json:"reg"`
	Base   int    `toml:"base" json:"base,omitempty"`
	Offset int    `toml:"offset" json:"offset"`
	Size   uint   `toml:"size" json:"size,omitempty"`
	Note   string `toml:"note" json:"note,omitempty"`
}

func (s Site) String() string {
	return fmt.Sprintf("+0x%x %s", s.PC, s.Kind)
}

// File is a parsed site description.
type File struct {
	Handler   string `toml:"handler"`    // symbol of the handler code
	CodeAlign uint64 `toml:"code_align"` // 0 = 4 (ARM64)
	DataAlign int64  `toml:"data_align"` // 0 = -8
	Sites     []Site `toml:"site"`
}

func (f *File) setDefaults() {
	if f.CodeAlign == 0 {
		f.CodeAlign = 4
	}
	if f.DataAlign == 0 {
		f.DataAlign = -8
	}
}

// Parse decodes a TOML site description.
func Parse(data []byte) (*File, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sites: parse: %w", err)
	}
	f.setDefaults()
	return &f, nil
}

// Load reads and parses a TOML site description.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sites: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func reg(v int) (cfi.Reg, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeReg, v)
	}
	if v > int(^cfi.Reg(0)) {
		return 0, fmt.Errorf("%w: register %d", cfi.ErrRegisterRange, v)
	}
	return cfi.Reg(v), nil
}

// Encode produces the bytes for one site with enc.
func Encode(enc cfi.Encoder, s Site) ([]byte, error) {
	r, err := reg(s.Reg)
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindDexPC:
		b, err := reg(s.Base)
		if err != nil {
			return nil, err
		}
		return enc.DexPC(r, b, s.Offset)
	case KindDefCFA:
		return enc.DefCFABregDeref(r, s.Offset, s.Size)
	case KindExpression:
		b, err := reg(s.Base)
		if err != nil {
			return nil, err
		}
		return enc.ExpressionBreg(r, b, s.Offset)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, s.Kind)
}

// Check reports operand errors for s as the escape encoder sees them, so
// a bad site is caught even on targets that emit nothing.
func Check(s Site) error {
	_, err := Encode(cfi.ForOS("linux"), s)
	return err
}

// Form reports the operand width the site encodes with.
func Form(s Site) cfi.Form {
	switch s.Kind {
	case KindDefCFA:
		return cfi.DefCFAForm(s.Offset, s.Size)
	case KindExpression:
		return cfi.ExpressionForm(s.Offset)
	}
	return cfi.Compact
}
