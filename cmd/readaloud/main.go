package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/runlog"
	"github.com/loqalabs/loqa-readaloud/internal/runtime"
)

var version = "0.1.0-dev"

const usage = "expected 'convert', 'request', 'runs', 'validate' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(ctx, os.Args[2:])
	case "request":
		err = runRequest(ctx, os.Args[2:])
	case "runs":
		err = runRuns(ctx, os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runConvert converts one article in-process.
func runConvert(ctx context.Context, args []string) error {
	var configPath, url string
	cmd := flag.NewFlagSet("convert", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "readaloud.yaml", "Path to configuration file")
	cmd.StringVar(&url, "url", "", "Article URL to convert")
	cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry)

	app, err := runtime.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	res, convErr := app.Converter.Convert(ctx, url)
	if err := printJSON(app.Converter.Response("", res, convErr)); err != nil {
		return err
	}
	if convErr != nil {
		return errors.New("conversion failed")
	}
	return nil
}

// runRequest asks a running worker to convert an article over the bus.
func runRequest(ctx context.Context, args []string) error {
	var (
		configPath, url string
		timeout         time.Duration
	)
	cmd := flag.NewFlagSet("request", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "readaloud.yaml", "Path to configuration file")
	cmd.StringVar(&url, "url", "", "Article URL to convert")
	cmd.DurationVar(&timeout, "timeout", 10*time.Minute, "How long to wait for the worker")
	cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	client, err := bus.Connect(ctx, cfg.Bus, runtime.NewLogger(os.Stderr, cfg.Telemetry))
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(protocol.ArticleRequest{RequestID: uuid.NewString(), URL: url})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := client.Conn().RequestWithContext(ctx, protocol.SubjectArticleRequest, data)
	if err != nil {
		return fmt.Errorf("request conversion: %w", err)
	}

	var resp protocol.ArticleResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("conversion failed")
	}
	return nil
}

// runRuns prints one run with its transitions, or the most recent runs.
func runRuns(ctx context.Context, args []string) error {
	var (
		configPath, id string
		limit          int
	)
	cmd := flag.NewFlagSet("runs", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "readaloud.yaml", "Path to configuration file")
	cmd.StringVar(&id, "id", "", "Run ID to show; lists recent runs when empty")
	cmd.IntVar(&limit, "limit", 20, "Number of recent runs to list")
	cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.RunLog.RetentionMode == "ephemeral" {
		return errors.New("run log is ephemeral; history lives only inside the daemon")
	}
	store, err := runlog.Open(ctx, cfg.RunLog, runtime.NewLogger(os.Stderr, cfg.Telemetry))
	if err != nil {
		return err
	}
	defer store.Close()

	if id != "" {
		run, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(run)
	}
	runs, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	return printJSON(runs)
}

func runValidate(args []string) error {
	var configPath string
	cmd := flag.NewFlagSet("validate", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "readaloud.yaml", "Path to configuration file")
	cmd.Parse(args)

	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
