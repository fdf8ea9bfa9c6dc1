// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair local/remote identity links with a full-index pass",
		Long: `Reconcile fetches the complete remote set, re-links local records that
lost their server identity (e.g. after a reinstall), schedules unmatched
records for re-creation, and finishes with an ordinary push cycle. It is
an occasional repair job, not part of normal syncing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.engine.Reconcile(cmd.Context())
		},
	}
}
