package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = an action or API call failed
//	2 = usage or configuration error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "delete":
		return runDeleteCmd(args[2:], stdout, stderr)
	case "oauth":
		return runOAuthCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "skimport %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "skimport imports datasets and insurances into SpatialKey.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  skimport <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "run", "Run the actions of a configuration file (-config, -action, -keep-upload, -no-wait, -journal)")
	printCommand(w, "list", "List datasets or insurances (-type, -filter, -json)")
	printCommand(w, "delete", "Delete a dataset or insurance (-type, -id)")
	printCommand(w, "oauth", "Print a bearer token for the configured organization")
	printCommand(w, "history", "Show journaled action results (-journal, -action, -limit, -json)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Credentials come from the configuration file, SK_* environment variables or .env.")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
