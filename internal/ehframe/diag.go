package ehframe

import "fmt"

// DiagKind classifies a diagnostic message.
type DiagKind string

const (
	DiagTruncated DiagKind = "truncated"
	DiagUnknownOp DiagKind = "unknown_op"
	DiagLength    DiagKind = "length"
	DiagStepCap   DiagKind = "step_cap"
)

// Diag records a non-fatal issue encountered while walking a program.
type Diag struct {
	Offset int      `json:"offset"`
	Kind   DiagKind `json:"kind"`
	Msg    string   `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] +0x%x: %s", d.Kind, d.Offset, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Addf(offset int, kind DiagKind, format string, args ...any) {
	d.items = append(d.items, Diag{Offset: offset, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Mode controls error handling behavior.
type Mode int

const (
	ModeStrict     Mode = iota // first structural error returns error
	ModeBestEffort             // stop at the corruption point, accumulate diags
)

// Options controls walking behavior.
type Options struct {
	Mode      Mode
	CodeAlign uint64 // code alignment factor; 0 = 1
	AddrSize  int    // DW_CFA_set_loc operand size; 0 = 8
	MaxSteps  int    // instruction cap; 0 = use default
}

// DefaultMaxSteps is the default instruction cap.
const DefaultMaxSteps = 1_000_000

func (o Options) effectiveMaxSteps() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return DefaultMaxSteps
}

func (o Options) codeAlign() uint64 {
	if o.CodeAlign > 0 {
		return o.CodeAlign
	}
	return 1
}

func (o Options) addrSize() int {
	if o.AddrSize > 0 {
		return o.AddrSize
	}
	return 8
}
