package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"dexcfi/internal/ehframe"
)

type walkEntry struct {
	Offset int    `json:"offset"`
	Loc    uint64 `json:"loc"`
	Op     string `json:"op"`
	Text   string `json:"text"`
	Len    int    `json:"len"`
}

type walkResult struct {
	Insts []walkEntry    `json:"insts"`
	Diags []ehframe.Diag `json:"diags"`
}

func cmdWalk(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("walk", flag.ContinueOnError)
	in := fs.String("in", "", "CFA program (cfi.bin)")
	codeAlign := fs.Uint64("code-align", 4, "code alignment factor; must match code_align in sites.json")
	strict := fs.Bool("strict", false, "fail on first structural error")
	maxSteps := fs.Int("max-steps", 0, "instruction cap")
	jsonOut := fs.Bool("json", false, "output as JSON")
	verbose := verboseFlag(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*verbose)

	if *in == "" {
		return fmt.Errorf("--in is required")
	}
	prog, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	opts := ehframe.Options{
		Mode:      ehframe.ModeBestEffort,
		CodeAlign: *codeAlign,
		MaxSteps:  *maxSteps,
	}
	if *strict {
		opts.Mode = ehframe.ModeStrict
	}

	res := walkResult{Insts: []walkEntry{}, Diags: []ehframe.Diag{}}
	diags, err := ehframe.Walk(prog, opts, func(i ehframe.Inst) error {
		res.Insts = append(res.Insts, walkEntry{
			Offset: i.Offset,
			Loc:    i.Loc,
			Op:     i.Name(),
			Text:   i.String(),
			Len:    i.Len,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", *in, err)
	}
	if diags != nil {
		res.Diags = append(res.Diags, diags.Items()...)
	}
	for _, d := range res.Diags {
		log.Warn().Str("kind", string(d.Kind)).Int("offset", d.Offset).Msg(d.Msg)
	}
	log.Debug().Int("insts", len(res.Insts)).Int("bytes", len(prog)).Msg("walked")

	if *jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, e := range res.Insts {
		fmt.Fprintf(w, "%04x  loc=0x%-6x  %s\n", e.Offset, e.Loc, e.Text)
	}
	return nil
}
