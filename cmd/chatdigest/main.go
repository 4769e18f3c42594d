// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatdigest/pkg/archive"
	"github.com/lrhodin/chatdigest/pkg/chatsync"
	"github.com/lrhodin/chatdigest/pkg/completion"
	"github.com/lrhodin/chatdigest/pkg/config"
	"github.com/lrhodin/chatdigest/pkg/digest"
	"github.com/lrhodin/chatdigest/pkg/source"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "config.yaml"

var (
	cfg        *config.Config
	configPath string
	log        *zerolog.Logger
	closeLog   func() error
)

func main() {
	app := &cli.App{
		Name:    "chatdigest",
		Usage:   "Archive chat history incrementally and digest it with a language model",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				EnvVars: []string{"CHATDIGEST_CONFIG"},
				Usage:   "path to the config file, missing keys are filled from the built-in defaults",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.min_level",
			},
		},
		Before:   setup,
		After:    teardown,
		Commands: commands,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup(cCtx *cli.Context) error {
	configPath = cCtx.String("config")
	if !cCtx.IsSet("config") {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			configPath = ""
		}
	}
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if level := cCtx.String("log-level"); level != "" {
		cfg.Logging.MinLevel = level
	}
	log, closeLog, err = cfg.Logging.SetupLogger(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	cCtx.Context = log.WithContext(cCtx.Context)
	log.Debug().Str("config", configPath).Str("version", Tag).Msg("Starting chatdigest")
	return nil
}

func teardown(cCtx *cli.Context) error {
	if closeLog != nil {
		return closeLog()
	}
	return nil
}

type services struct {
	store  *archive.Store
	src    source.Source
	engine *chatsync.Engine
	digest *digest.Digester
}

// withStore opens the archive only. Used by commands that never talk to the
// message source.
func withStore(cCtx *cli.Context, fn func(ctx context.Context, store *archive.Store) error) error {
	ctx := cCtx.Context
	store, err := archive.Open(ctx, cfg.Archive, *log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close archive")
		}
	}()
	return fn(ctx, store)
}

// withServices validates the config, opens the archive and a source session
// and wires the engine and digester on top of them.
func withServices(cCtx *cli.Context, fn func(ctx context.Context, svc *services) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return withStore(cCtx, func(ctx context.Context, store *archive.Store) error {
		client := source.NewHTTPClient(cfg.Source, *log)
		return source.WithSession(ctx, client, func(ctx context.Context, src source.Source) error {
			return fn(ctx, newServices(store, src, cfg))
		})
	})
}

func newServices(store *archive.Store, src source.Source, cfg *config.Config) *services {
	engine := chatsync.NewEngine(src, store, cfg.Sync, cfg.Archive.GetRetention(), *log)
	llm := completion.NewClient(cfg.Completion, nil, *log)
	return &services{
		store:  store,
		src:    src,
		engine: engine,
		digest: digest.New(engine, store, src, llm, *log),
	}
}
