package disasm

import "testing"

func TestFrameAnnotator(t *testing.T) {
	ann := FrameAnnotator()
	tests := []struct {
		raw  uint32
		want string
	}{
		{0xA9BF7BFD, "push x29, x30 (sp -16)"}, // stp x29, x30, [sp, #-16]!
		{0xA8C17BFD, "pop x29, x30 (sp +16)"},  // ldp x29, x30, [sp], #16
		{0xD10083FF, "sp -= 32"},               // sub sp, sp, #32
		{0x910083FF, "sp += 32"},               // add sp, sp, #32
		{0x91000AD6, ""},                       // add x22, x22, #2
		{0xD503201F, ""},                       // nop
	}
	for _, tt := range tests {
		if got := ann(makeInst(0x1000, tt.raw)); got != tt.want {
			t.Errorf("0x%08x: got %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRegWriteAnnotator(t *testing.T) {
	ann := RegWriteAnnotator(22, "dex_pc")
	if got := ann(makeInst(0, 0x91000AD6)); got != "dex_pc = x22" {
		t.Errorf("add x22: got %q", got)
	}
	// add sp, sp, #32 writes x31.
	if got := ann(makeInst(0, 0x910083FF)); got != "" {
		t.Errorf("add sp: got %q", got)
	}
	// ldr x22, [x0, #8]
	if got := ann(makeInst(0, 0xF9400416)); got != "dex_pc = x22" {
		t.Errorf("ldr x22: got %q", got)
	}
}

func TestDstRegOfInst(t *testing.T) {
	tests := []struct {
		raw  uint32
		want int
	}{
		{0xD2800540, 0},  // movz x0, #42
		{0xAA0103E2, 2},  // mov x2, x1
		{0x51000421, 1},  // sub w1, w1, #1
		{0xD65F03C0, -1}, // ret
	}
	for _, tt := range tests {
		if got := dstRegOfInst(tt.raw); got != tt.want {
			t.Errorf("0x%08x: got %d, want %d", tt.raw, got, tt.want)
		}
	}
}
