package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/SpatialKey/skdm-sub000/pkg/skapi"
)

const (
	typeDataset   = "dataset"
	typeInsurance = "insurance"
)

// resourceFlags are shared by list and delete.
type resourceFlags struct {
	configPath   string
	resourceType string
}

func (f *resourceFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&f.configPath, "config", "", "Configuration file supplying authentication")
	cmd.StringVar(&f.resourceType, "type", "", "Resource type: dataset or insurance (REQUIRED)")
}

func (f *resourceFlags) validate(stderr io.Writer) bool {
	switch f.resourceType {
	case typeDataset, typeInsurance:
		return true
	default:
		_, _ = fmt.Fprintf(stderr, "Error: -type must be %s or %s\n", typeDataset, typeInsurance)
		return false
	}
}

// connect wires the stack and binds the auth config.
func (f *resourceFlags) connect(ctx context.Context, stderr io.Writer) (*app, int) {
	doc, err := loadDocument(f.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	if err := a.bind(ctx, doc); err != nil {
		a.close(ctx, false)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	return a, 0
}

// runListCmd implements `skimport list`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf         resourceFlags
		jsonOutput bool
		where      string
	)
	rf.register(cmd)
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.StringVar(&where, "filter", "", `CEL expression over id, label, created, modified, extra (e.g. 'label.startsWith("Stores")')`)

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !rf.validate(stderr) {
		return 2
	}
	var filter *skapi.Filter
	if where != "" {
		var err error
		if filter, err = skapi.NewFilter(where); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	ctx, stop := commandContext()
	defer stop()
	a, code := rf.connect(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.close(ctx, true)

	ctx, done := a.telemetry.TrackOperation(ctx, "skimport.list."+rf.resourceType)
	var items []skapi.Resource
	var err error
	if rf.resourceType == typeInsurance {
		items, err = a.api.InsuranceList(ctx)
	} else {
		items, err = a.api.DatasetList(ctx)
	}
	if err == nil && filter != nil {
		items, err = filter.Apply(items)
	}
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(items); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tLABEL\tCREATED\tMODIFIED")
	for _, it := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ID, it.Label, it.Created, it.Modified)
	}
	_ = tw.Flush()
	return 0
}

// runDeleteCmd implements `skimport delete`.
func runDeleteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("delete", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf resourceFlags
		id string
	)
	rf.register(cmd)
	cmd.StringVar(&id, "id", "", "Id of the resource to delete (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !rf.validate(stderr) {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -id is required")
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	a, code := rf.connect(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.close(ctx, true)

	ctx, done := a.telemetry.TrackOperation(ctx, "skimport.delete."+rf.resourceType)
	var err error
	if rf.resourceType == typeInsurance {
		err = a.api.InsuranceDelete(ctx, id)
	} else {
		err = a.api.DatasetDelete(ctx, id)
	}
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "deleted %s %s\n", rf.resourceType, id)
	return 0
}
