package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/extrack/internal/store"
)

func runRuns(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("runs", stdout)
	dbPath := fs.String("db", "", "Results database (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return errors.New("-db is required")
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs")
		return nil
	}
	fmt.Fprintf(stdout, "%-36s  %-20s  %-9s  %7s  %14s  %s\n", "RUN", "CREATED", "STATUS", "TRACKS", "NLL", "SOURCE")
	for _, r := range runs {
		nll := "-"
		if r.NegLogLikelihood != nil {
			nll = fmt.Sprintf("%.4f", *r.NegLogLikelihood)
		}
		created := time.Unix(0, r.CreatedAt).UTC().Format("2006-01-02 15:04:05")
		fmt.Fprintf(stdout, "%-36s  %-20s  %-9s  %7d  %14s  %s\n", r.RunID, created, r.Status, r.Tracks, nll, r.Source)
		if r.Fitted != nil {
			fmt.Fprintf(stdout, "    %s\n", r.Fitted)
		}
		if r.Error != "" {
			fmt.Fprintf(stdout, "    error: %s\n", r.Error)
		}
	}
	return nil
}
