package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/config"
	"github.com/lrhodin/chatsync/pkg/engine"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatsync", "config.yaml")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var log zerolog.Logger
	if cfg.Logging.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(cfg.Logging.ZerologLevel()).With().Timestamp().Logger()
}

// prepareApp loads .env, the config file (defaults when it doesn't exist)
// and environment overrides, and sets up logging.
func prepareApp(ctx *cli.Context) error {
	if err := godotenv.Load(ctx.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", ctx.String("env-file"), err)
	}
	cfg, err := config.Load(ctx.String("config"))
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return err
	}
	cfg.ApplyEnv(os.LookupEnv)
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, newLogger(cfg))
	ctx.Context = newCtx
	return nil
}

func requiresServer(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	cfg := getConfig(ctx)
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("no server configured, set server.base_url or %s", config.EnvServerURL)
	} else if cfg.Sync.ViewerID == "" {
		return fmt.Errorf("no viewer configured, set sync.viewer_id or %s", config.EnvViewerID)
	}
	return nil
}

func openSession(ctx *cli.Context) (*engine.Session, error) {
	log := getLogger(ctx)
	sess, err := engine.Connect(ctx.Context, getConfig(ctx), log)
	if err != nil {
		return nil, err
	}
	if sess.CacheErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: media cache is memory-only this run: %v\n", sess.CacheErr)
	}
	return sess, nil
}

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Inspect and drive the chat sync engine",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Dotenv file with CHATSYNC_* overrides",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			configCommand,
			cacheCommand,
			downloadCommand,
			historyCommand,
			tailCommand,
			emitCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
