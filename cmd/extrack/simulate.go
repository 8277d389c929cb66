package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/extrack/internal/config"
	"github.com/banshee-data/extrack/internal/motility"
	"github.com/banshee-data/extrack/internal/trackio"
)

func runSimulate(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("simulate", stdout)
	out := fs.String("out", "", "Output track file, .csv or .npy (required)")
	n := fs.Int("n", 200, "Number of tracks")
	length := fs.Int("len", 10, "Localizations per track")
	seed := fs.Uint64("seed", 1, "Random seed")
	field := fs.Float64("field", 0, "Side of the square track origins are drawn from")
	paramsPath := fs.String("params", "", "Parameter file written by fit (defaults to built-in parameters)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("-out is required")
	}

	p := motility.DefaultParameters()
	if *paramsPath != "" {
		var err error
		if p, err = config.LoadParameters(*paramsPath); err != nil {
			return err
		}
	}

	tracks, err := motility.Simulate(p, motility.SimulationConfig{
		Tracks:    *n,
		Length:    *length,
		Seed:      *seed,
		FieldSize: *field,
	})
	if err != nil {
		return err
	}
	if err := trackio.Save(*out, tracks); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d tracks of %d localizations to %s (%s)\n", len(tracks), *length, *out, p)
	return nil
}
