package main

import (
	"flag"
	"fmt"
	"io"
)

// runOAuthCmd implements `skimport oauth`: it prints a bearer token for the
// configured organization. The session is left open so the token stays
// usable after the process exits.
func runOAuthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("oauth", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var rf resourceFlags
	cmd.StringVar(&rf.configPath, "config", "", "Configuration file supplying authentication")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	a, code := rf.connect(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.close(ctx, false)

	token, err := a.session.Login(ctx, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
