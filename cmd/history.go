package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/enginegate/host/internal/logging"
	"github.com/enginegate/host/internal/storage"
)

const historyUsage = `Usage: enginegate history [options]

Print recent engine runs, or router instance events with --events.
`

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (default: ~/.enginegate/config.toml)")
	dbPath := fs.String("db", "", "History database (default: from config, else ~/.enginegate/history.db)")
	limit := fs.Int("limit", 20, "Number of rows to show; 0 shows all")
	events := fs.Bool("events", false, "Show router instance events instead of engine runs")
	instance := fs.String("instance", "", "With --events, only this instance key")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = printUsage(fs, stderr, historyUsage)

	explicit, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if *limit < 0 {
		fmt.Fprintln(stderr, "Error: --limit must not be negative")
		return 1
	}

	path := *dbPath
	if !explicit["db"] {
		cfg, err := loadConfig(*configPath, os.LookupEnv, nil)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		path = cfg.Storage.Path
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(stderr, "Error: no history database at %s\n", path)
		return 1
	}

	store, err := storage.NewSQLiteStore(path, logging.Discard())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	if *events {
		list, err := store.ListInstanceEvents(*instance, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonOutput {
			return writeJSONOutput(stdout, stderr, list)
		}
		writeEvents(stdout, list)
		return 0
	}

	runs, err := store.ListEngineRuns(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOutput {
		return writeJSONOutput(stdout, stderr, runs)
	}
	writeRuns(stdout, runs)
	return 0
}

func writeJSONOutput(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func writeRuns(w io.Writer, runs []*storage.EngineRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No engine runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tLICENSING\tINSTANCE\tRESULT")
	for _, r := range runs {
		result := "ok"
		if r.ErrorCode != "" {
			result = r.ErrorCode
		}
		if r.Forced {
			result += " (forced)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Second), orDash(r.Licensing), orDash(r.InstanceKey), result)
	}
	tw.Flush()
}

func writeEvents(w io.Writer, events []*storage.InstanceEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No instance events recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tINSTANCE\tEVENT\tCONTEXT\tCALLER\tPID\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", ev.At.Local().Format(time.DateTime), ev.InstanceKey,
			ev.Event, orDash(ev.ContextID), orDash(ev.CallerID), ev.PID, ev.Detail)
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
