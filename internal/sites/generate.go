package sites

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"dexcfi/internal/cfi"
	"dexcfi/internal/disasm"
	"dexcfi/internal/ehframe"
)

// Emitted is a site together with the bytes appended for it.
type Emitted struct {
	Site
	Form  string `json:"form"`
	Bytes []byte `json:"-"`
	Hex   string `json:"bytes"`
}

// Validate checks every site against the decoded handler code starting at
// base and the code alignment factor, and checks its operands with Check.
// All problems are reported together. A zero codeAlign means 1.
func Validate(sites []Site, insts []disasm.Inst, base, codeAlign uint64) error {
	if codeAlign == 0 {
		codeAlign = 1
	}
	boundary := make(map[uint64]bool, len(insts))
	for _, in := range insts {
		boundary[in.Addr-base] = true
	}
	end := uint64(0)
	if n := len(insts); n > 0 {
		end = insts[n-1].Addr - base + uint64(insts[n-1].Size)
	}

	var result *multierror.Error
	for i, s := range sites {
		// A site at the end of the code covers the handler's last instruction.
		if !boundary[s.PC] && s.PC != end {
			result = multierror.Append(result, fmt.Errorf("site %d (%v): %w", i, s, ErrNotBoundary))
		}
		if s.PC%codeAlign != 0 {
			result = multierror.Append(result, fmt.Errorf("site %d (%v): %w (%d)", i, s, ErrMisaligned, codeAlign))
		}
		if err := Check(s); err != nil {
			result = multierror.Append(result, fmt.Errorf("site %d (%v): %w", i, s, err))
		}
	}
	return result.ErrorOrNil()
}

// Generate appends the records for sites to prog in pc order. Sites that
// share a pc keep their order from the description.
func Generate(sites []Site, enc cfi.Encoder, prog *ehframe.Program) ([]Emitted, error) {
	ordered := make([]Site, len(sites))
	copy(ordered, sites)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].PC < ordered[j].PC })

	out := make([]Emitted, 0, len(ordered))
	for _, s := range ordered {
		b, err := Encode(enc, s)
		if err != nil {
			return out, fmt.Errorf("%v: %w", s, err)
		}
		if err := prog.AdvanceTo(s.PC); err != nil {
			return out, fmt.Errorf("%v: %w", s, err)
		}
		prog.Escape(b)
		if len(b) == 0 {
			continue
		}
		out = append(out, Emitted{
			Site:  s,
			Form:  Form(s).String(),
			Bytes: b,
			Hex:   fmt.Sprintf("% x", b),
		})
	}
	return out, nil
}

// ByPC indexes emitted records by absolute address for annotation.
func ByPC(emitted []Emitted, base uint64) map[uint64][]Emitted {
	m := make(map[uint64][]Emitted, len(emitted))
	for _, e := range emitted {
		m[base+e.PC] = append(m[base+e.PC], e)
	}
	return m
}

// Directives returns the .cfi_escape lines for each absolute address.
func Directives(byPC map[uint64][]Emitted) func(addr uint64) []string {
	return func(addr uint64) []string {
		var out []string
		for _, e := range byPC[addr] {
			out = append(out, cfi.Directive(e.Bytes))
		}
		return out
	}
}

// Annotator labels the instruction at each site with the record kinds
// attached before it.
func Annotator(byPC map[uint64][]Emitted) disasm.Annotator {
	return func(inst disasm.Inst) string {
		es := byPC[inst.Addr]
		if len(es) == 0 {
			return ""
		}
		s := "cfi:"
		for _, e := range es {
			s += " " + string(e.Kind)
			if e.Note != "" {
				s += "(" + e.Note + ")"
			}
		}
		return s
	}
}
