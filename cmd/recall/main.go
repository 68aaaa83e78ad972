// Package main is the entry point for the recall server and CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/onnwee/recall/internal/config"
	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/history"
	"github.com/onnwee/recall/internal/middleware"
)

const usage = `recall ranks your browsing history as you type.

Usage:
  recall serve  [-config file]                       run the HTTP/WebSocket API
  recall rank   [-config file] [-current id] [-limit n] [-explain] <query>
                                                     print one ranking as JSON
  recall import [-config file] <snapshot.json>       load history into the store

Configuration comes from the optional YAML file, .env and the environment.
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "serve":
		err = serveCmd(ctx, args[1:], stderr)
	case "rank":
		err = rankCmd(ctx, args[1:], stdout, stderr)
	case "import":
		err = importCmd(ctx, args[1:], stdout, stderr)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
		return 2
	default:
		fmt.Fprintf(stderr, "recall: %v\n", err)
		return 1
	}
}

var errUsage = errors.New("invalid arguments")

// loadConfig reads .env, the optional YAML file and the environment, then
// installs the process logger. CLI commands log to stderr.
func loadConfig(path string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, errs := config.Load(path)
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("configuration: %w", errors.Join(errs...))
	}

	logger := middleware.NewLoggerTo(logOut, cfg.Env)
	slog.SetDefault(logger)
	for k, v := range cfg.LogSummary() {
		logger.Debug("config", "key", k, "value", v)
	}
	return cfg, logger, nil
}

func rankCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rank", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	current := fs.String("current", "", "ID of the page currently open")
	limit := fs.Int("limit", 10, "maximum number of results")
	explain := fs.Bool("explain", false, "include feature vectors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: rank needs a query", errUsage)
	}
	if *limit < 1 {
		return fmt.Errorf("%w: -limit must be positive", errUsage)
	}

	cfg, logger, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	e, err := newEngine(cfg, b, logger, nil, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	result := e.Rank(ctx, engine.Query{Text: query, CurrentPageID: *current, Explain: *explain})
	if len(result.Results) > *limit {
		result.Results = result.Results[:*limit]
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func importCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: import needs exactly one snapshot file", errUsage)
	}

	cfg, logger, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	snap, err := readSnapshot(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", fs.Arg(0), err)
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.store.Import(ctx, snap); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Fprintf(stdout, "imported %d pages, %d visits, %d edges, %d sessions\n",
		len(snap.Pages), len(snap.Visits), len(snap.Edges), len(snap.Sessions))
	return nil
}

// readSnapshot decodes a JSON history export and validates every record.
func readSnapshot(r io.Reader) (*history.Snapshot, error) {
	var snap history.Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	for i, p := range snap.Pages {
		v, err := history.NewPage(p)
		if err != nil {
			return nil, fmt.Errorf("pages[%d]: %w", i, err)
		}
		snap.Pages[i] = v
	}
	for i, v := range snap.Visits {
		checked, err := history.NewVisit(v)
		if err != nil {
			return nil, fmt.Errorf("visits[%d]: %w", i, err)
		}
		snap.Visits[i] = checked
	}
	for i, e := range snap.Edges {
		if _, err := history.NewEdge(e); err != nil {
			return nil, fmt.Errorf("edges[%d]: %w", i, err)
		}
	}
	for i, s := range snap.Sessions {
		checked, err := history.NewSession(s)
		if err != nil {
			return nil, fmt.Errorf("sessions[%d]: %w", i, err)
		}
		snap.Sessions[i] = checked
	}
	return &snap, nil
}
