// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

// mealsync is the command-line front end to the sync engine: it hosts the
// background sync loop, one-shot sync and reconcile runs, and small
// utilities for inspecting and mutating the local replica.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
