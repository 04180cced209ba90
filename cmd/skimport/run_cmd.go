package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/SpatialKey/skdm-sub000/pkg/action"
	"github.com/SpatialKey/skdm-sub000/pkg/upload"
)

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// runRunCmd implements `skimport run`.
//
// Exit codes:
//
//	0 = every action succeeded
//	1 = at least one action failed
//	2 = usage or configuration error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		only       stringList
		keepUpload bool
		noWait     bool
		journalTo  string
	)
	cmd.StringVar(&configPath, "config", "", "Path to the configuration file (REQUIRED)")
	cmd.Var(&only, "action", "Run only the named action (repeatable)")
	cmd.BoolVar(&keepUpload, "keep-upload", false, "Leave uploads on the server after each action")
	cmd.BoolVar(&noWait, "no-wait", false, "Start imports without waiting for completion")
	cmd.StringVar(&journalTo, "journal", "", "Record results in this journal (defaults to SKIMPORT_JOURNAL)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if configPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -config is required")
		return 2
	}

	doc, err := loadDocument(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := commandContext()
	defer stop()

	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close(ctx, true)

	waiter := upload.New(a.api, upload.Options{Interval: a.cfg.PollInterval, Logger: a.logger})
	engine := action.New(a.api, waiter, action.Options{
		Stager:    a.stager,
		Logger:    a.logger,
		Telemetry: a.telemetry,
	})
	runner := action.NewRunner(engine, a.session, a.cfg.Auth, a.logger)

	results := runner.RunAll(ctx, doc, action.RunAllOptions{
		RunOptions: action.RunOptions{
			Wait:       !noWait,
			KeepUpload: keepUpload || a.cfg.KeepUpload,
		},
		Only: only,
	})

	if doc.Dirty() {
		if err := doc.Save(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: saving %s: %v\n", doc.Path(), err)
			return 1
		}
		a.logger.InfoContext(ctx, "configuration updated", "path", doc.Path())
	}

	if journalTo == "" {
		journalTo = a.cfg.JournalPath
	}
	recordResults(ctx, journalTo, results, stderr)

	for _, r := range results {
		printResult(stdout, r)
	}
	if len(results) == 0 {
		_, _ = fmt.Fprintln(stderr, "Warning: no actions matched")
	}
	if failed := action.Failed(results); failed > 0 {
		_, _ = fmt.Fprintf(stderr, "%d of %d actions failed\n", failed, len(results))
		return 1
	}
	return 0
}

func printResult(w io.Writer, r action.Result) {
	state := "OK"
	if !r.Success {
		state = "FAILED"
	}
	_, _ = fmt.Fprintf(w, "%-6s %s (%s)", state, r.Action, r.ActionType)
	if r.ResolvedID != "" {
		_, _ = fmt.Fprintf(w, " id=%s", r.ResolvedID)
	}
	if r.Status != "" {
		_, _ = fmt.Fprintf(w, " status=%s", r.Status)
	}
	if r.SuggestFile != "" {
		_, _ = fmt.Fprintf(w, " descriptor=%s", r.SuggestFile)
	}
	if r.Err != nil {
		_, _ = fmt.Fprintf(w, " error=%q", r.Err.Error())
	}
	_, _ = fmt.Fprintln(w)
}
