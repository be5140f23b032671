package cfi

import "runtime"

// Encoder produces escape bytes for a target platform. On targets whose
// assembler and unwinder cannot consume .cfi_escape every method returns
// an empty slice.
type Encoder interface {
	DexPC(tmp, dex Reg, offset int) ([]byte, error)
	DefCFABregDeref(reg Reg, offset int, size uint) ([]byte, error)
	ExpressionBreg(n, base Reg, offset int) ([]byte, error)
	// Enabled reports whether the encoder emits anything.
	Enabled() bool
}

// ForOS returns the encoder for the given GOOS value.
func ForOS(goos string) Encoder {
	if !Supported(goos) {
		return nopEncoder{}
	}
	return escapeEncoder{}
}

// Host returns the encoder for the platform this binary runs on.
func Host() Encoder {
	return ForOS(runtime.GOOS)
}

// Supported reports whether goos accepts escape directives.
// Apple toolchains reject them.
func Supported(goos string) bool {
	switch goos {
	case "darwin", "ios":
		return false
	}
	return true
}

type escapeEncoder struct{}

func (escapeEncoder) Enabled() bool { return true }

func (escapeEncoder) DexPC(tmp, dex Reg, offset int) ([]byte, error) {
	r, err := DexPC(tmp, dex, offset)
	if err != nil {
		return nil, err
	}
	return r.Bytes(), nil
}

func (escapeEncoder) DefCFABregDeref(reg Reg, offset int, size uint) ([]byte, error) {
	r, err := DefCFABregDeref(reg, offset, size)
	if err != nil {
		return nil, err
	}
	return r.Bytes(), nil
}

func (escapeEncoder) ExpressionBreg(n, base Reg, offset int) ([]byte, error) {
	r, err := ExpressionBreg(n, base, offset)
	if err != nil {
		return nil, err
	}
	return r.Bytes(), nil
}

type nopEncoder struct{}

func (nopEncoder) Enabled() bool { return false }

func (nopEncoder) DexPC(Reg, Reg, int) ([]byte, error)           { return nil, nil }
func (nopEncoder) DefCFABregDeref(Reg, int, uint) ([]byte, error) { return nil, nil }
func (nopEncoder) ExpressionBreg(Reg, Reg, int) ([]byte, error)   { return nil, nil }
