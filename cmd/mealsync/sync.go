// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push+pull cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.SyncOnce(cmd.Context()); err != nil {
				return err
			}
			for category, status := range a.engine.Status().All() {
				fmt.Printf("%s: %s\n", category, status)
			}
			return nil
		},
	}
}
