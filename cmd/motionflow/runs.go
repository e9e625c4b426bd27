package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/banshee-data/motionflow/internal/flowdb"
)

func handleRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "", "sqlite database holding run summaries (required)")
	limit := fs.Int("limit", 20, "Show at most this many runs (0 for all)")
	del := fs.String("delete", "", "Delete the run with this id")
	fs.Parse(args)

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --db is required")
		fs.Usage()
		os.Exit(1)
	}
	setupLogging(os.Stderr, false)

	db, err := flowdb.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store := flowdb.NewRunStore(db)
	if *del != "" {
		if err := store.Delete(*del); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("deleted run %s\n", *del)
		return
	}
	if err := listRuns(os.Stdout, store, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func listRuns(w io.Writer, store *flowdb.RunStore, limit int) error {
	runs, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs stored")
		return err
	}

	data := pterm.TableData{
		{"Run", "Started", "Algorithm", "Source", "In", "Out", "AE (deg)", "EE (px/s)", "us/event"},
	}
	for _, r := range runs {
		s := r.Summary
		data = append(data, []string{
			r.RunID,
			time.Unix(0, r.StartedAt).Format(time.DateTime),
			r.Algorithm,
			r.Source,
			fmt.Sprintf("%d", s.EventsIn),
			fmt.Sprintf("%d", s.EventsOut),
			fmt.Sprintf("%.2f", s.AngularErrorMean),
			fmt.Sprintf("%.2f", s.EndpointErrorAbsMean),
			fmt.Sprintf("%.3f", s.ProcessingTimeMeanUs),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, table)
	return err
}
