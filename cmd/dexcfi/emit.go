package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/zboralski/lattice/render"

	"dexcfi/internal/callgraph"
	"dexcfi/internal/cfi"
	"dexcfi/internal/disasm"
	"dexcfi/internal/ehframe"
	"dexcfi/internal/elfx"
	"dexcfi/internal/output"
	"dexcfi/internal/sites"
)

// DWARF numbers for AArch64.
const (
	dwarfSP = 31
	dwarfLR = 30
)

func cmdEmit(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	sitesPath := fs.String("sites", "", "TOML site description")
	codePath := fs.String("code", "", "raw handler code")
	baseStr := fs.String("base", "0", "virtual address of --code")
	frameStr := fs.String("frame-addr", "0", "virtual address eh_frame.bin is placed at")
	libPath := fs.String("lib", "", "ARM64 ELF holding the handler")
	sym := fs.String("sym", "", "handler symbol in --lib (default: handler from --sites)")
	outDir := fs.String("out", "", "output directory")
	goos := fs.String("os", runtime.GOOS, "target OS")
	graph := fs.Bool("graph", false, "also write cfg.dot and records.dot")
	strict := fs.Bool("strict", false, "fail on the first invalid site")
	verbose := verboseFlag(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*verbose)

	if *sitesPath == "" || *outDir == "" {
		return fmt.Errorf("--sites and --out are required")
	}
	if (*codePath == "") == (*libPath == "") {
		return fmt.Errorf("exactly one of --code or --lib is required")
	}
	frameAddr, err := strconv.ParseUint(*frameStr, 0, 64)
	if err != nil {
		return fmt.Errorf("--frame-addr: %w", err)
	}

	sf, err := sites.Load(*sitesPath)
	if err != nil {
		return err
	}

	name := sf.Handler
	var code []byte
	var base uint64
	if *libPath != "" {
		if *sym != "" {
			name = *sym
		}
		code, base, err = loadFromLib(*libPath, name)
	} else {
		base, err = strconv.ParseUint(*baseStr, 0, 64)
		if err != nil {
			return fmt.Errorf("--base: %w", err)
		}
		code, err = os.ReadFile(*codePath)
	}
	if err != nil {
		return err
	}
	if name == "" {
		name = "handler"
	}

	insts := disasm.Disassemble(code, disasm.Options{BaseAddr: base})
	log.Debug().Str("handler", name).Uint64("base", base).Int("insts", len(insts)).Msg("decoded")

	keep, err := checkSites(sf.Sites, insts, base, sf.CodeAlign, *strict)
	if err != nil {
		return err
	}

	enc := cfi.ForOS(*goos)
	if !enc.Enabled() {
		log.Warn().Str("os", *goos).Msg("records are not emitted for this target")
	}
	prog := ehframe.NewProgram(sf.CodeAlign, sf.DataAlign)
	emitted, err := sites.Generate(keep, enc, prog)
	if err != nil {
		return err
	}
	frame, err := frameSection(sf, frameAddr, base, len(code), prog.Bytes())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", *outDir, err)
	}
	if err := output.WriteBin(*outDir, "cfi.bin", prog.Bytes()); err != nil {
		return err
	}
	if err := output.WriteBin(*outDir, "eh_frame.bin", frame); err != nil {
		return err
	}

	report := &output.Report{
		Handler:   name,
		Base:      base,
		CodeSize:  len(code),
		CodeAlign: prog.CodeAlign(),
		OS:        *goos,
		Enabled:   enc.Enabled(),
		CFILen:    prog.Len(),
		Sites:     emitted,
	}
	if err := output.WriteSitesJSON(*outDir, report); err != nil {
		return err
	}

	byPC := sites.ByPC(emitted, base)
	anns := []disasm.Annotator{sites.Annotator(byPC), disasm.FrameAnnotator()}
	if r, ok := dexPCReg(keep); ok {
		anns = append(anns, disasm.RegWriteAnnotator(r, "dex_pc"))
	}
	err = output.WriteListing(*outDir, insts, disasm.PlaceholderLookup(map[uint64]string{base: name}),
		sites.Directives(byPC), anns...)
	if err != nil {
		return err
	}

	if *graph {
		h := callgraph.Handler{Name: name, Insts: insts, Emitted: emitted}
		if err := output.WriteDOT(*outDir, "cfg", render.DOTCFG(callgraph.BuildCFG([]callgraph.Handler{h}), name)); err != nil {
			return err
		}
		if err := output.WriteDOT(*outDir, "records", render.DOT(callgraph.BuildRecordGraph([]callgraph.Handler{h}), name)); err != nil {
			return err
		}
	}

	log.Info().
		Str("handler", name).
		Int("sites", len(keep)).
		Int("records", len(emitted)).
		Int("bytes", prog.Len()).
		Str("out", *outDir).
		Msg("emitted")
	fmt.Fprintf(w, "%s: %d records, %d bytes\n", name, len(emitted), prog.Len())
	return nil
}

// dexPCReg returns the register the first dex_pc site reads the DEX PC from.
func dexPCReg(ss []sites.Site) (int, bool) {
	for _, s := range ss {
		if s.Kind == sites.KindDexPC {
			return s.Base, true
		}
	}
	return 0, false
}

func loadFromLib(path, name string) ([]byte, uint64, error) {
	if name == "" {
		return nil, 0, fmt.Errorf("--sym is required when the site file names no handler")
	}
	ef, err := elfx.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open: %w", err)
	}
	defer ef.Close()

	code, s, err := ef.FuncBytes(name)
	if err != nil {
		return nil, 0, err
	}
	log.Debug().
		Int64("file_size", ef.FileSize()).
		Bool("dynsym", s.Dyn).
		Bool("eh_frame", ef.HasSection(".eh_frame")).
		Msg("loaded " + name)
	return code, s.Addr, nil
}

// checkSites validates sites against the code. In strict mode any problem
// fails the run; otherwise invalid sites are logged and dropped.
func checkSites(all []sites.Site, insts []disasm.Inst, base, codeAlign uint64, strict bool) ([]sites.Site, error) {
	if strict {
		if err := sites.Validate(all, insts, base, codeAlign); err != nil {
			return nil, err
		}
		return all, nil
	}
	keep := make([]sites.Site, 0, len(all))
	for _, s := range all {
		err := sites.Validate([]sites.Site{s}, insts, base, codeAlign)
		if err == nil {
			keep = append(keep, s)
			continue
		}
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				log.Warn().Err(e).Msg("dropping site")
			}
			continue
		}
		log.Warn().Err(err).Msg("dropping site")
	}
	return keep, nil
}

// frameSection wraps the handler program in a one-FDE .eh_frame image
// whose CIE starts with CFA = sp and the return address in x30.
func frameSection(sf *sites.File, addr, base uint64, size int, instrs []byte) ([]byte, error) {
	if uint64(size) > math.MaxUint32 {
		return nil, fmt.Errorf("eh_frame: handler size %d does not fit pc_range", size)
	}
	initial := ehframe.NewProgram(sf.CodeAlign, sf.DataAlign)
	initial.DefCFA(dwarfSP, 0)
	sec := ehframe.NewSection(addr, ehframe.CIE{
		CodeAlign: sf.CodeAlign,
		DataAlign: sf.DataAlign,
		ReturnReg: dwarfLR,
		Initial:   initial.Bytes(),
	})
	if err := sec.AddFDE(base, uint32(size), instrs); err != nil {
		return nil, fmt.Errorf("--frame-addr 0x%x: %w", addr, err)
	}
	return sec.Bytes(), nil
}
