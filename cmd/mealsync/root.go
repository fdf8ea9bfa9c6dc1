// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hungrylabs/mealsync/internal/auth"
	"github.com/hungrylabs/mealsync/internal/config"
	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
	"github.com/hungrylabs/mealsync/syncengine"
)

type rootOptions struct {
	configPath string
	serverURL  string
	dbPath     string
	cacheDir   string
	identity   string
	password   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mealsync",
		Short:         "Local-first sync engine for meal entries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to JSON config file")
	pf.StringVar(&opts.serverURL, "server", "", "remote record store base URL")
	pf.StringVar(&opts.dbPath, "db", "", "path to the local replica database")
	pf.StringVar(&opts.cacheDir, "cache-dir", "", "attachment spool directory")
	pf.StringVar(&opts.identity, "identity", "", "login identity (email)")
	pf.StringVar(&opts.password, "password", "", "login password")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newSyncCmd(opts),
		newReconcileCmd(opts),
		newStatusCmd(opts),
		newAddCmd(opts),
	)
	return cmd
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig layers defaults, the JSON file, and any explicitly set flags.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = o.serverURL
	}
	if flags.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = o.cacheDir
	}
	if flags.Changed("identity") {
		cfg.Identity = o.identity
	}
	if flags.Changed("password") {
		cfg.Password = o.password
	}
	return cfg, nil
}

// app bundles everything a command needs once wiring is done.
type app struct {
	cfg    *config.Config
	store  *replica.Store
	engine *syncengine.Engine
	db     *sql.DB
	logger *slog.Logger
}

func (a *app) Close() error { return a.db.Close() }

// buildApp wires config, auth, replica, remote client, and engine.
func buildApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := opts.logger()

	tokens := auth.NewTokenSource(cfg.ServerURL, cfg.Identity, cfg.Password, logger)
	userID, err := tokens.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}
	store, err := replica.Open(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	remote := recordstore.NewClient(cfg.ServerURL, cfg.Collection, tokens.Token, logger)

	engineCfg := syncengine.DefaultConfig(cfg.CacheDir)
	engineCfg.FetchLimit = cfg.FetchLimit
	engineCfg.MaxParallel = cfg.MaxParallel
	engineCfg.SyncInterval = cfg.SyncInterval
	engineCfg.BackoffMin = cfg.BackoffMin
	engineCfg.BackoffMax = cfg.BackoffMax

	engine, err := syncengine.New(store, remote, userID, engineCfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, engine: engine, db: db, logger: logger}, nil
}
