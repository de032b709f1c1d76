// Command lan-log views and analyzes LAN protocol capture files.
//
// Capture files are written by the protocol logging infrastructure when
// lan-console or lan-devsim run with the -capture flag.
//
// Usage:
//
//	lan-log <command> [flags] <file.llog>
//
// Commands:
//
//	view     View capture in human-readable format
//	export   Export capture to JSONL or CSV
//	filter   Filter capture and write to a new file
//	stats    Show statistics about the capture
//
// Examples:
//
//	# Only decoded messages
//	lan-log view --layer wire app.llog
//
//	# Everything about one device
//	lan-log filter --dsn AC000W000000001 -o device.llog app.llog
//
//	# Device-initiated datapoint updates only
//	lan-log view --type datapoint_update app.llog
//
//	# Per-device summary
//	lan-log stats app.llog
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lanmode/lanmode-go/cmd/lan-log/commands"
)

type subcommand struct {
	name    string
	summary string
	run     func(args []string)
}

var subcommands = []subcommand{
	{"view", "View capture in human-readable format", runView},
	{"export", "Export capture to JSONL or CSV", runExport},
	{"filter", "Filter capture and write to a new file", runFilter},
	{"stats", "Show statistics about the capture", runStats},
}

func usage() string {
	var b strings.Builder
	b.WriteString("lan-log - LAN protocol capture analyzer\n\nUsage:\n  lan-log <command> [flags] <file.llog>\n\nCommands:\n")
	for _, c := range subcommands {
		fmt.Fprintf(&b, "  %-8s %s\n", c.name, c.summary)
	}
	b.WriteString("\nUse \"lan-log <command> -help\" for more information about a command.\n")
	return b.String()
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage())
		os.Exit(1)
	}

	name := os.Args[1]
	for _, c := range subcommands {
		if c.name == name {
			c.run(os.Args[2:])
			return
		}
	}
	switch name {
	case "-h", "-help", "--help", "help":
		fmt.Print(usage())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
		fmt.Fprint(os.Stderr, usage())
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// newFlagSet returns a flag set whose usage names the subcommand.
func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "lan-log %s - %s\n\nUsage:\n  lan-log %s [flags] <file.llog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args and returns the capture path argument.
func parse(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

// selectors are the event selection flags shared by view and filter.
type selectors struct {
	layer, direction, category, msgType, dsn *string
}

func addSelectors(fs *flag.FlagSet) selectors {
	return selectors{
		layer:     fs.String("layer", "", "Filter by layer (router, wire, session)"),
		direction: fs.String("direction", "", "Filter by direction (in, out)"),
		category:  fs.String("category", "", "Filter by category (message, control, state, error)"),
		msgType:   fs.String("type", "", "Filter by message type (commands, datapoint_update, key_exchange, conn_status, datapoint_ack)"),
		dsn:       fs.String("dsn", "", "Filter by device serial number"),
	}
}

func runView(args []string) {
	fs := newFlagSet("view", "View capture in human-readable format")
	sel := addSelectors(fs)
	payload := fs.Bool("payload", true, "Print decoded message payloads")
	path := parse(fs, args)

	filter := commands.ViewFilter{DSN: *sel.dsn, MessageType: *sel.msgType, Payload: *payload}
	if *sel.layer != "" {
		l, err := commands.ParseLayerFlag(*sel.layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}
	if *sel.direction != "" {
		d, err := commands.ParseDirectionFlag(*sel.direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}
	if *sel.category != "" {
		c, err := commands.ParseCategoryFlag(*sel.category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export capture to JSONL or CSV")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := parse(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter capture and write to a new file")
	sel := addSelectors(fs)
	output := fs.String("o", "", "Output file (required)")
	requestID := fs.String("request-id", "", "Filter by request ID")
	lanIP := fs.String("lan-ip", "", "Filter by device LAN IP")
	timeStart := fs.String("time-start", "", "Filter by start time (RFC3339)")
	timeEnd := fs.String("time-end", "", "Filter by end time (RFC3339)")
	path := parse(fs, args)
	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, commands.FilterOptions{
		Output:      *output,
		RequestID:   *requestID,
		DSN:         *sel.dsn,
		LanIP:       *lanIP,
		TimeStart:   *timeStart,
		TimeEnd:     *timeEnd,
		Layer:       *sel.layer,
		Direction:   *sel.direction,
		Category:    *sel.category,
		MessageType: *sel.msgType,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the capture")
	path := parse(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
