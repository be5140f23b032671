package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "encode":
		err = cmdEncode(os.Args[2:], os.Stdout)
	case "emit":
		err = cmdEmit(os.Args[2:], os.Stdout)
	case "walk":
		err = cmdWalk(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Error().Err(err).Str("cmd", os.Args[1]).Msg("failed")
		os.Exit(1)
	}
}

// verboseFlag registers --verbose on fs.
func verboseFlag(fs *flag.FlagSet) *bool {
	return fs.Bool("verbose", false, "debug logging")
}

// setupLogging points the global logger at stderr.
func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

func usage() {
	fmt.Fprintf(os.Stderr, `dexcfi: DWARF CFI escapes for interpreter frames

Usage:
  dexcfi encode --kind <kind> [--reg N] [--base N] [--offset N] [--size N]
                                              Print one record as .cfi_escape
  dexcfi emit   --sites <toml> (--code <bin> --base <va> | --lib <so> [--sym <name>]) --out <dir>
                                              Emit records for a handler
  dexcfi walk   --in <cfi.bin>                Decode a CFA program

Kinds:
  dex_pc               --reg tmp --base dex --offset delta
  def_cfa_breg_deref   --reg base --offset delta --size n
  expression_breg      --reg saved --base slot-base --offset delta

Flags:
  --os <goos>           Target OS (darwin and ios emit nothing)
  --strict              Fail on first invalid site or structural error
  --verbose             Debug logging
`)
}
