// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hungrylabs/mealsync/syncengine"
)

func newAddCmd(opts *rootOptions) *cobra.Command {
	var (
		calories, protein, carbs, fat float64
		eatenAt                       string
		photoPath                     string
		pushNow                       bool
	)
	cmd := &cobra.Command{
		Use:   "add <text>...",
		Short: "Add a meal entry to the local replica",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			meal := syncengine.ParsedMeal{
				Text:     strings.Join(args, " "),
				Calories: calories,
				Protein:  protein,
				Carbs:    carbs,
				Fat:      fat,
			}
			if eatenAt != "" {
				if meal.EatenAt, err = time.Parse(time.RFC3339, eatenAt); err != nil {
					return fmt.Errorf("invalid --eaten-at: %w", err)
				}
			}

			ids, err := a.engine.Ingest(meal)
			if err != nil {
				return err
			}
			localID := ids[0]

			if photoPath != "" {
				data, err := os.ReadFile(photoPath)
				if err != nil {
					return fmt.Errorf("failed to read photo: %w", err)
				}
				if err := a.engine.AttachPhoto(localID, data); err != nil {
					return err
				}
			}

			fmt.Println(localID)
			if pushNow {
				return a.engine.PushDirty(cmd.Context())
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&calories, "calories", 0, "calories (kcal)")
	cmd.Flags().Float64Var(&protein, "protein", 0, "protein (g)")
	cmd.Flags().Float64Var(&carbs, "carbs", 0, "carbohydrates (g)")
	cmd.Flags().Float64Var(&fat, "fat", 0, "fat (g)")
	cmd.Flags().StringVar(&eatenAt, "eaten-at", "", "meal time (RFC3339, default now)")
	cmd.Flags().StringVar(&photoPath, "photo", "", "path to a photo to attach")
	cmd.Flags().BoolVar(&pushNow, "push", false, "push immediately after adding")
	return cmd
}
