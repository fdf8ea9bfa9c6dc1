// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("sync loop running", "server", a.cfg.ServerURL, "db", a.cfg.DBPath)
			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
}
