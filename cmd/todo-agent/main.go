// Todo-agent is a natural-language todo assistant daemon.
//
// It exposes an authenticated HTTP API where users manage their task
// list by chatting with a reasoning model. The model decides which
// task operations to perform; the daemon executes them against a
// SQLite store and keeps a full conversation transcript. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	todo-agent serve             Start the API server
//	todo-agent init [dir]        Initialize a working directory with defaults
//	todo-agent version           Print version and build information
//	todo-agent -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/agent"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/api"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/auth"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/buildinfo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/config"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/convo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/events"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/httpkit"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/llm"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/mqtt"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/task"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run]. Keeping os.Exit, os.Stdout, and os.Args out of
// the application logic lets tests drive the full lifecycle.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the todo-agent command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. Arguments are parsed by hand rather than
//     with the flag package to avoid global state that interferes with
//     parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "todo-agent - Natural-Language Todo Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: todo-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/todo-agent/config.yaml, /etc/todo-agent/config.yaml")
	return nil
}

// runServe handles the "todo-agent serve" subcommand. It is the primary
// operating mode: loads config, opens the database, constructs the tool
// registry and reasoning loop, starts the HTTP server, and blocks until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher (if enabled) announces offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The database connection is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting todo-agent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.OpenAI.Model,
		"db", cfg.Database.Path,
	)

	// --- Event bus ---
	// Connects the agent loop and task store to the WebSocket handler
	// and the MQTT publisher.
	bus := events.New()

	// --- Database ---
	// Tasks, conversations, and turn leases share one SQLite file. WAL
	// mode allows the HTTP handlers to read while a turn is writing.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Database.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()

	tasks, err := task.NewStore(db, bus)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	convos, err := convo.NewStore(db)
	if err != nil {
		return fmt.Errorf("init conversation store: %w", err)
	}
	logger.Info("database opened", "path", cfg.Database.Path)

	// --- Reasoning service client ---
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(60*time.Second),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
	)
	llmClient, err := llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, httpClient, logger)
	if err != nil {
		return fmt.Errorf("init reasoning client: %w", err)
	}
	logger.Info("reasoning client initialized", "base_url", cfg.OpenAI.BaseURL, "model", cfg.OpenAI.Model)

	// --- Tool registry and agent loop ---
	registry := tools.NewRegistry(tasks)

	// The instance ID names this process as a turn lease holder so a
	// restarted daemon can reclaim leases its predecessor left behind.
	instance := uuid.NewString()

	loop := agent.NewLoop(logger, convos, registry, llmClient, bus, instance, agent.Options{
		MaxIterations: cfg.Agent.MaxIterations,
		LLMRetries:    cfg.Agent.LLMRetries,
		TurnTimeout:   time.Duration(cfg.Agent.TurnTimeoutSec) * time.Second,
		HistoryLimit:  cfg.Agent.HistoryLimit,
	})

	// --- API server ---
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, loop, convos, tasks, verifier, bus, logger)

	// --- MQTT publisher ---
	// Optional: mirrors task lifecycle events to a broker so dashboards
	// and automations can react without polling the API.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		if _, err := url.Parse(cfg.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt broker %q: %w", cfg.MQTT.Broker, err)
		}
		mqttPub = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Announce offline before disconnecting from the broker.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("todo-agent stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper keeps the
// handler configuration consistent across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Returns the parsed config, the path that was loaded, and any error.
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
