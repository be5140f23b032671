package main

import (
	"flag"
	"fmt"
	"io"
	"runtime"

	"github.com/rs/zerolog/log"

	"dexcfi/internal/cfi"
	"dexcfi/internal/sites"
)

func cmdEncode(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	kind := fs.String("kind", "", "record kind: dex_pc, def_cfa_breg_deref, expression_breg")
	reg := fs.Int("reg", 0, "register the rule is attached to")
	base := fs.Int("base", 0, "DEX PC register (dex_pc) or slot base (expression_breg)")
	offset := fs.Int("offset", 0, "signed offset")
	size := fs.Uint("size", 0, "value added after the dereference (def_cfa_breg_deref)")
	goos := fs.String("os", runtime.GOOS, "target OS")
	hexOut := fs.Bool("hex", false, "print hex bytes instead of a directive")
	verbose := verboseFlag(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*verbose)

	if *kind == "" {
		return fmt.Errorf("--kind is required")
	}

	site := sites.Site{
		Kind:   sites.Kind(*kind),
		Reg:    *reg,
		Base:   *base,
		Offset: *offset,
		Size:   *size,
	}
	if err := sites.Check(site); err != nil {
		return err
	}
	enc := cfi.ForOS(*goos)
	b, err := sites.Encode(enc, site)
	if err != nil {
		return err
	}
	if !enc.Enabled() {
		log.Warn().Str("os", *goos).Msg("records are not emitted for this target")
		return nil
	}
	log.Debug().Str("kind", *kind).Stringer("form", sites.Form(site)).Int("len", len(b)).Msg("encoded")

	if *hexOut {
		fmt.Fprintf(w, "% x\n", b)
		return nil
	}
	fmt.Fprintln(w, cfi.Directive(b))
	return nil
}
