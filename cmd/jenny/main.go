// Jenny is a conversational agent that turns customer commitments into
// tracked work across the integrations each user has authorized.
//
// It serves an HTTP gateway for chat front ends and a CLI for one-shot
// requests. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	jenny serve                       Start the HTTP gateway
//	jenny init [dir]                  Initialize a working directory with defaults
//	jenny ask -token <t> <message>    Send a single message (for testing)
//	jenny version                     Print version and build information
//	jenny -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/jenny-agent/internal/api"
	"github.com/nugget/jenny-agent/internal/buildinfo"
	"github.com/nugget/jenny-agent/internal/config"
	"github.com/nugget/jenny-agent/internal/connwatch"
	"github.com/nugget/jenny-agent/internal/session"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package's global state gets in the way of calling run from
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, row := range [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"platform", info.Platform},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", row[0]+":", row[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Jenny - commitment tracking agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: jenny [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the HTTP gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Send one message as a user (-token, or JENNY_TOKEN)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// parseAskArgs splits ask's arguments into the bearer token and the
// message. The token falls back to JENNY_TOKEN.
func parseAskArgs(args []string, getenv func(string) string) (token, message string, err error) {
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-token" && i+1 < len(args):
			token = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-token="):
			token = strings.TrimPrefix(args[i], "-token=")
		default:
			words = append(words, args[i])
		}
	}
	if token == "" {
		token = getenv("JENNY_TOKEN")
	}
	message = strings.TrimSpace(strings.Join(words, " "))
	if message == "" {
		return "", "", fmt.Errorf("usage: jenny ask [-token <bearer>] <message>")
	}
	if token == "" {
		return "", "", fmt.Errorf("ask: a bearer token is required (-token or JENNY_TOKEN)")
	}
	return token, message, nil
}

// runAsk sends one message through the same session the gateway uses
// and prints the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	token, message, err := parseAskArgs(args, os.Getenv)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.start(ctx)

	ag, err := a.agents.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	reply, err := ag.ProcessRequest(ctx, session.Request{Text: message, Token: token})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	fmt.Fprintln(stdout, reply.Response)
	for _, st := range reply.Steps {
		status := "ok"
		if st.IsError {
			status = "error"
		}
		fmt.Fprintf(stdout, "  · %s (%s)\n", st.Tool, status)
	}
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	info := buildinfo.Get()
	logger.Info("starting Jenny", "version", info.Version, "commit", info.GitCommit, "built", info.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known.
	// Validate has already checked the level.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.start(ctx)

	// --- Connection health ---
	// Background probes with backoff; results surface in /health.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	a.watch(ctx, connMgr)

	// Build the agent in the background so the first request does not
	// pay for the identity handshake. Failures are retried on demand.
	a.agents.Start()

	server := api.NewServer(api.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		CORSOrigins: cfg.Listen.CORSOrigins,
		Agents:      a.agents,
		Services:    connMgr,
		Events:      a.bus,
		Authorize: func(ctx context.Context, token string) error {
			_, err := a.caps.Bind(ctx, token)
			return err
		},
		Logger: logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Jenny stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
