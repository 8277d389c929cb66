package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/extrack/internal/version"
)

type command func(ctx context.Context, args []string, stdout io.Writer) error

var commands = map[string]command{
	"simulate": runSimulate,
	"fit":      runFit,
	"predict":  runPredict,
	"runs":     runRuns,
	"version":  runVersion,
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	name := flag.Arg(0)
	if name == "help" {
		printUsage(os.Stdout)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, flag.Args()[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "extrack %s: %v\n", name, err)
		stop()
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `extrack - two-state diffusion analysis of single-particle tracks

Usage: extrack <command> [options]

Commands:
  simulate   Draw synthetic tracks from a parameter set
  fit        Estimate motility parameters from tracks
  predict    Compute per-localization state probabilities
  runs       List fits stored in a results database
  version    Show version information
  help       Show this help message

Track files are .npy (N x 4 float array of x, y, frame, track id) or .csv
with track_id, frame, x and y columns.

Examples:
  extrack simulate -out tracks.csv -n 500 -len 12
  extrack fit -tracks tracks.csv -db results.db -out params.json -html fit.html
  extrack predict -tracks tracks.csv -params params.json -out predictions.csv
  extrack runs -db results.db
`)
}

func newFlagSet(name string, stdout io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	return fs
}

func runVersion(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("version", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintln(stdout, version.String())
	return nil
}
