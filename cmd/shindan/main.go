// Command shindan is the CLI front-end for the diagnostic agent
// orchestrator. It streams run events as NDJSON so the output can be piped
// into jq or a log collector.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ashita-ai/shindan"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SHINDAN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "diagnose", "resume", "runs", "show", "checkpoints", "load-logs":
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	app, err := shindan.New(
		shindan.WithLogger(logger),
		shindan.WithVersion(version),
	)
	if err != nil {
		return err
	}
	app.Start(ctx)
	defer func() { _ = app.Close(context.Background()) }()

	switch cmd {
	case "diagnose":
		return cmdDiagnose(ctx, app, rest)
	case "resume":
		return cmdResume(ctx, app, rest)
	case "runs":
		return cmdRuns(ctx, app, rest)
	case "show":
		return cmdShow(ctx, app, rest)
	case "checkpoints":
		return cmdCheckpoints(ctx, app, rest)
	case "load-logs":
		return cmdLoadLogs(ctx, app, rest)
	}
	return nil
}

func cmdDiagnose(ctx context.Context, app *shindan.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shindan diagnose <query>")
	}
	return streamEvents(app.Diagnose(ctx, args[0]))
}

func cmdResume(ctx context.Context, app *shindan.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shindan resume <checkpoint-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse checkpoint id: %w", err)
	}
	events, err := app.Resume(ctx, id)
	if err != nil {
		return err
	}
	return streamEvents(events)
}

func cmdRuns(ctx context.Context, app *shindan.App, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("n", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	runs, err := app.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func cmdShow(ctx context.Context, app *shindan.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shindan show <run-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	detail, err := app.RunDetail(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
}

func cmdCheckpoints(ctx context.Context, app *shindan.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shindan checkpoints <run-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	cps, err := app.Checkpoints(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, cp := range cps {
		if err := enc.Encode(cp); err != nil {
			return err
		}
	}
	return nil
}

// cmdLoadLogs bulk-loads NDJSON log records, one object per line:
//
//	{"time":"2026-08-30T14:02:11Z","level":"error","service":"checkout","message":"payment timeout"}
func cmdLoadLogs(ctx context.Context, app *shindan.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shindan load-logs <file.ndjson>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var entries []shindan.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e shindan.LogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return err
	}

	n, err := app.IngestLogs(ctx, entries)
	if err != nil {
		return err
	}
	slog.Info("log corpus loaded", "rows", n)
	return nil
}

func streamEvents(events <-chan shindan.Event) error {
	enc := json.NewEncoder(os.Stdout)
	var failed *shindan.ErrorEvent
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.Kind == shindan.EventError {
			failed = ev.Error
		}
	}
	if failed != nil {
		return fmt.Errorf("run failed: %s (%s, reference %s)", failed.Message, failed.Code, failed.ReferenceID)
	}
	return nil
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: shindan <command> [args]

  diagnose <query>         start a diagnostic run, stream NDJSON events to stdout
  resume <checkpoint-id>   resume a run from a saved checkpoint
  runs [-n 20]             list persisted runs, newest first
  show <run-id>            print one run with tool calls and evidence
  checkpoints <run-id>     list resumable checkpoints for a run
  load-logs <file.ndjson>  bulk-load log records into the corpus
`)
}
