// Command ddp-log views and analyzes DDP protocol capture files.
//
// Capture files are written by ddp-server when started with the
// -protocol-log flag.
//
// Usage:
//
//	ddp-log <command> [flags] <file.dlog>
//
// Commands:
//
//	view     View capture file in human-readable format
//	export   Export capture file to JSON lines or CSV
//	filter   Filter capture file and write to a new file
//	stats    Show statistics about the capture file
//
// Examples:
//
//	# View all events
//	ddp-log view server.dlog
//
//	# View only method calls
//	ddp-log view --msg method server.dlog
//
//	# Export to JSONL
//	ddp-log export --format jsonl server.dlog
//
//	# Keep one session and save to a new file
//	ddp-log filter --session-id 4f0c... -o session.dlog server.dlog
//
//	# Show statistics
//	ddp-log stats server.dlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ddp-protocol/ddp-go/cmd/ddp-log/commands"
)

const usage = `ddp-log - DDP Protocol Capture Analyzer

Usage:
  ddp-log <command> [flags] <file.dlog>

Commands:
  view     View capture file in human-readable format
  export   Export capture file to JSON lines or CSV
  filter   Filter capture file and write to a new file
  stats    Show statistics about the capture file

Use "ddp-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// requirePath returns the single positional argument or exits.
func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func setUsage(fs *flag.FlagSet, header string) {
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, header)
		fmt.Fprintln(os.Stderr, "\nFlags:")
		fs.PrintDefaults()
	}
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	setUsage(fs, `ddp-log view - View capture file in human-readable format

Usage:
  ddp-log view [flags] <file.dlog>
`)

	layer := fs.String("layer", "", "Filter by layer (transport, wire, session)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, control, state, error)")
	msgType := fs.String("msg", "", "Filter by DDP message type (sub, method, added, ...)")
	sessionID := fs.String("session-id", "", "Filter by DDP session id")
	userID := fs.String("user", "", "Filter by user id")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := commands.BuildFilter(commands.FilterOptions{
		Layer:       *layer,
		Direction:   *direction,
		Category:    *category,
		MessageType: *msgType,
		SessionID:   *sessionID,
		UserID:      *userID,
	})
	if err != nil {
		fail(err)
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	setUsage(fs, `ddp-log export - Export capture file to JSON lines or CSV

Usage:
  ddp-log export [flags] <file.dlog>
`)

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	setUsage(fs, `ddp-log filter - Filter capture file and write to a new file

Usage:
  ddp-log filter [flags] <file.dlog>
`)

	output := fs.String("o", "", "Output file (required)")
	connID := fs.String("conn-id", "", "Filter by connection ID")
	sessionID := fs.String("session-id", "", "Filter by DDP session id")
	userID := fs.String("user", "", "Filter by user id")
	timeStart := fs.String("time-start", "", "Filter by start time (RFC3339)")
	timeEnd := fs.String("time-end", "", "Filter by end time (RFC3339)")
	layer := fs.String("layer", "", "Filter by layer (transport, wire, session)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, control, state, error)")
	msgType := fs.String("msg", "", "Filter by DDP message type")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	opts := commands.FilterOptions{
		Output:      *output,
		ConnID:      *connID,
		SessionID:   *sessionID,
		UserID:      *userID,
		TimeStart:   *timeStart,
		TimeEnd:     *timeEnd,
		Layer:       *layer,
		Direction:   *direction,
		Category:    *category,
		MessageType: *msgType,
	}

	n, err := commands.RunFilter(path, opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, opts.Output)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `ddp-log stats - Show statistics about the capture file

Usage:
  ddp-log stats <file.dlog>
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
