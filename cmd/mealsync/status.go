// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replica counts and pending sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var total, dirty, tombstones, parked, unlinked int
			for _, rec := range a.store.Snapshot() {
				total++
				if rec.Deleted {
					tombstones++
				}
				if rec.PendingSync {
					dirty++
				}
				if rec.NeedsReview {
					parked++
				}
				if rec.RemoteID == "" {
					unlinked++
				}
			}
			fmt.Printf("records:        %d\n", total)
			fmt.Printf("pending sync:   %d\n", dirty)
			fmt.Printf("tombstones:     %d\n", tombstones)
			fmt.Printf("needs review:   %d\n", parked)
			fmt.Printf("never synced:   %d\n", unlinked)
			return nil
		},
	}
}
