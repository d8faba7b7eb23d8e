package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/msgsync/pkg/msgsync"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *msgsync.Config {
	return ctx.Context.Value(contextKeyConfig).(*msgsync.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "msgsync", "config.yaml")
}

func newLogger(cfg *msgsync.LoggingConfig) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	}
	// The global level is the knob the config watcher turns at runtime.
	zerolog.SetGlobalLevel(cfg.ZerologLevel())
	return zerolog.New(out).With().Timestamp().Logger()
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := msgsync.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if ctx.IsSet("database") {
		cfg.Database = ctx.String("database")
	}
	log := newLogger(&cfg.Logging)
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func requiresAccount(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if getConfig(ctx).SelfID == "" {
		return fmt.Errorf("self_id is not set in %s", ctx.String("config"))
	}
	return nil
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

type engine struct {
	store   *msgsync.CacheStore
	remote  *msgsync.HTTPRemote
	channel *msgsync.WSChannel
	orch    *msgsync.Orchestrator
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close cache: %v\n", err)
	}
}

func openEngine(ctx *cli.Context) (*engine, error) {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if dir := filepath.Dir(cfg.Database); cfg.Database != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := msgsync.OpenCacheStore(ctx.Context, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	remote := msgsync.NewHTTPRemote(cfg.RemoteURL, cfg.Credential, nil, log)
	remote.SetPageLimit(cfg.BackfillPageLimit)
	channel := msgsync.NewWSChannel(cfg.ChannelURL, log)
	orch := msgsync.NewOrchestrator(store, remote, channel, msgsync.OrchestratorOptions{
		SelfID:           cfg.SelfID,
		Credential:       cfg.Credential,
		Backoff:          cfg.Backoff,
		RepairInterval:   cfg.RepairInterval,
		BackfillMaxPages: cfg.BackfillMaxPages,
		PruneOnSync:      cfg.PruneOnSync,
	}, log)
	return &engine{store: store, remote: remote, channel: channel, orch: orch}, nil
}

func main() {
	app := &cli.App{
		Name:    "msgsync",
		Usage:   "Keep a local message cache in sync with the remote message service",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   getConfigPath(),
				EnvVars: []string{"MSGSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "database",
				Usage: "Override the cache database path from the config",
			},
		},
		Commands: []*cli.Command{
			initConfigCommand,
			runCommand,
			backfillCommand,
			repairCommand,
			sendCommand,
			conversationsCommand,
			messagesCommand,
			flagsCommand,
			wipeCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
