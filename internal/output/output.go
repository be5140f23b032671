// Package output writes dexcfi emission results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dexcfi/internal/disasm"
	"dexcfi/internal/sites"
)

// Report is the content of sites.json.
type Report struct {
	Handler   string          `json:"handler"`
	Base      uint64          `json:"base"`
	CodeSize  int             `json:"code_size"`
	CodeAlign uint64          `json:"code_align"` // walk --code-align
	OS        string          `json:"os"`
	Enabled   bool            `json:"enabled"`
	CFILen    int             `json:"cfi_len"`
	Sites     []sites.Emitted `json:"sites"`
}

// WriteSitesJSON writes the emission report to sites.json.
func WriteSitesJSON(dir string, r *Report) error {
	if r.Sites == nil {
		r.Sites = []sites.Emitted{}
	}
	return writeJSON(filepath.Join(dir, "sites.json"), r)
}

// WriteListing writes the handler disassembly to listing.txt with the
// escape directives placed before the instructions they attach to.
func WriteListing(dir string, insts []disasm.Inst, lookup disasm.SymbolLookup, directives func(uint64) []string, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "listing.txt")
	text := disasm.FormatDirectives(insts, lookup, directives, annotators...)
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

// WriteBin writes raw bytes to <dir>/<name>.
func WriteBin(dir string, name string, data []byte) error {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

// WriteDOT writes a rendered graph to <dir>/<name>.dot.
func WriteDOT(dir string, name string, dot string) error {
	return WriteBin(dir, name+".dot", []byte(dot))
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
