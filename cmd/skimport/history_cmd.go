package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/SpatialKey/skdm-sub000/pkg/action"
	"github.com/SpatialKey/skdm-sub000/pkg/journal"
)

// recordResults appends results to the journal at path under a fresh run id.
// Journal failures are reported but never change the exit code.
func recordResults(ctx context.Context, path string, results []action.Result, stderr io.Writer) {
	if path == "" || len(results) == 0 {
		return
	}
	store, err := journal.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: %v\n", err)
		return
	}
	defer func() { _ = store.Close() }()

	runID := uuid.NewString()
	now := time.Now()
	for _, r := range results {
		e := journal.Entry{
			RunID:      runID,
			Action:     r.Action,
			ActionType: string(r.ActionType),
			Success:    r.Success,
			UploadID:   r.UploadID,
			Status:     r.Status,
			ResolvedID: r.ResolvedID,
			RecordedAt: now,
		}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		if err := store.Record(ctx, e); err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: %v\n", err)
			return
		}
	}
}

// runHistoryCmd implements `skimport history`.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		name       string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&path, "journal", "", "Journal file (defaults to SKIMPORT_JOURNAL)")
	cmd.StringVar(&name, "action", "", "Show only this action")
	cmd.IntVar(&limit, "limit", 20, "Maximum number of entries")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
			return 2
		}
		path = cfg.JournalPath
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no journal configured (-journal or SKIMPORT_JOURNAL)")
		return 2
	}

	ctx, stop := commandContext()
	defer stop()

	store, err := journal.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(ctx, name, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RECORDED\tACTION\tTYPE\tRESULT\tUPLOAD\tID\tSTATUS")
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = "failed"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.RecordedAt.Local().Format(time.DateTime), e.Action, e.ActionType, result, e.UploadID, e.ResolvedID, e.Status)
	}
	_ = tw.Flush()
	return 0
}
