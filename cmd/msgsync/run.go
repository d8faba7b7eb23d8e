package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/msgsync/pkg/msgsync"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the sync daemon until interrupted",
	Before: requiresAccount,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-watch",
			Usage: "Don't reload the log level when the config file changes",
		},
	},
	Action: cmdRun,
}

var initConfigCommand = &cli.Command{
	Name:  "init-config",
	Usage: "Write the example config to the config path",
	Action: func(ctx *cli.Context) error {
		path := ctx.String("config")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(msgsync.ExampleConfig), 0600); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote example config to %s\n", path)
		return nil
	},
}

func cmdRun(ctx *cli.Context) error {
	log := getLogger(ctx)
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = eng.orch.Start(sigCtx, getConfig(ctx).Credential); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}
	defer eng.orch.Stop()

	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(func() error {
		return handleSyncSignals(groupCtx, eng.orch, log)
	})
	if !ctx.Bool("no-watch") {
		group.Go(func() error {
			return watchConfig(groupCtx, ctx.String("config"), log)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})
	err = group.Wait()
	log.Info().Msg("Shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleSyncSignals runs an immediate backfill and repair pass on SIGUSR1.
func handleSyncSignals(ctx context.Context, orch *msgsync.Orchestrator, log zerolog.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			log.Info().Msg("Received SIGUSR1, syncing now")
			orch.TriggerSync()
		}
	}
}

// watchConfig re-reads the config whenever it is written and applies the new
// log level. The directory is watched rather than the file so editors that
// replace the file on save are covered.
func watchConfig(ctx context.Context, path string, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Not watching config for changes")
		return nil
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target || !(evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := msgsync.LoadConfig(path)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid config change")
				continue
			}
			level := cfg.Logging.ZerologLevel()
			if level != zerolog.GlobalLevel() {
				zerolog.SetGlobalLevel(level)
				log.Info().Stringer("level", level).Msg("Applied new log level from config")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
