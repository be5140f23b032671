// Package elfx locates interpreter handler code in ARM64 ELF objects.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotELF       = errors.New("elfx: not an ELF file")
	ErrNotARM64     = errors.New("elfx: not ARM64 (EM_AARCH64)")
	ErrNotLoadable  = errors.New("elfx: not an executable or shared object")
	ErrNot64Bit     = errors.New("elfx: not 64-bit ELF")
	ErrNoSymbol     = errors.New("elfx: symbol not found")
	ErrNoSegment    = errors.New("elfx: no PT_LOAD segment covers address")
	ErrSymbolNoSize = errors.New("elfx: symbol has zero size")
	ErrShortRead    = errors.New("elfx: symbol extends past end of file")
)

// File wraps a debug/elf.File opened from disk.
type File struct {
	ELF  *elf.File
	raw  io.ReaderAt
	size int64
}

// Sym is a resolved symbol.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
	Dyn  bool // found in .dynsym
}

// Open opens an ELF file and validates it is a 64-bit ARM64 executable or
// shared object.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	if ef.Class != elf.ELFCLASS64 {
		ef.Close()
		return nil, ErrNot64Bit
	}
	if ef.Machine != elf.EM_AARCH64 {
		ef.Close()
		return nil, ErrNotARM64
	}
	if ef.Type != elf.ET_DYN && ef.Type != elf.ET_EXEC {
		ef.Close()
		return nil, ErrNotLoadable
	}

	return &File{ELF: ef, raw: f, size: info.Size()}, nil
}

// Close releases resources.
func (f *File) Close() error {
	return f.ELF.Close()
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// HasSection reports whether the file has a section called name.
func (f *File) HasSection(name string) bool {
	return f.ELF.Section(name) != nil
}

// Symbol looks up name in .symtab, then in .dynsym. Stripped libraries
// keep only the latter.
func (f *File) Symbol(name string) (Sym, error) {
	if syms, err := f.ELF.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name == name {
				return Sym{Name: name, Addr: s.Value, Size: s.Size}, nil
			}
		}
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return Sym{}, fmt.Errorf("elfx: symtab: %w", err)
	}

	if syms, err := f.ELF.DynamicSymbols(); err == nil {
		for _, s := range syms {
			if s.Name == name {
				return Sym{Name: name, Addr: s.Value, Size: s.Size, Dyn: true}, nil
			}
		}
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return Sym{}, fmt.Errorf("elfx: dynsym: %w", err)
	}
	return Sym{}, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// FuncBytes returns the code of the function symbol name.
func (f *File) FuncBytes(name string) ([]byte, Sym, error) {
	sym, err := f.Symbol(name)
	if err != nil {
		return nil, Sym{}, err
	}
	if sym.Size == 0 {
		return nil, sym, fmt.Errorf("%w: %s", ErrSymbolNoSize, name)
	}
	code, err := f.ReadBytesAtVA(sym.Addr, int(sym.Size))
	if err != nil {
		return nil, sym, fmt.Errorf("%s: %w", name, err)
	}
	if uint64(len(code)) != sym.Size {
		return nil, sym, fmt.Errorf("%w: %s has %d of %d bytes", ErrShortRead, name, len(code), sym.Size)
	}
	return code, sym, nil
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Filesz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads up to n bytes starting at the given virtual address.
// The result is shorter than n when the file ends first.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	avail := f.size - int64(off)
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	_, err = f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf, nil
}
