// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSampleCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Print the parent the next iteration would expand",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logs, err := setupLogging(cfg, true)
			if err != nil {
				return err
			}
			defer logs.Close()

			if !cmd.Flags().Changed("version") {
				version = cfg.Version
			}
			store, err := openStore(cfg.Storage, logs.Slog())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			parent, err := store.SampleParent(cmd.Context(), version)
			if err != nil {
				return err
			}
			if parent == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no eligible parent for version %d, the next iteration starts from the seed\n", version)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(parent)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Program version (default: config version)")
	return cmd
}
