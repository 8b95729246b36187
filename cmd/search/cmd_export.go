// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/export"
)

func newExportCmd() *cobra.Command {
	var (
		version     int
		limit       int
		formatName  string
		out         string
		credentials string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the programs of one version as JSONL",
		Long: `Writes every program of --version as one JSON object per line.
--out is a local path, "-" for stdout, or gs://bucket/object.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logs, err := setupLogging(cfg, out == "-")
			if err != nil {
				return err
			}
			defer logs.Close()
			logger := logs.Slog()

			if !cmd.Flags().Changed("version") {
				version = cfg.Version
			}
			dest, err := export.ParseDestination(out)
			if err != nil {
				return err
			}

			store, err := openStore(cfg.Storage, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			opts := []export.Option{
				export.WithFormat(export.Format(formatName)),
				export.WithStdout(cmd.OutOrStdout()),
				export.WithLogger(logger),
			}
			if dest.IsGCS() {
				sink, err := export.NewGCSSink(cmd.Context(), credentials)
				if err != nil {
					return err
				}
				defer sink.Close()
				opts = append(opts, export.WithGCS(sink))
			}

			n, err := export.New(store, opts...).Export(cmd.Context(), version, limit, out)
			if err != nil {
				return err
			}
			if out != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d programs to %s\n", n, out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Program version (default: config version)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum programs, 0 for all")
	cmd.Flags().StringVar(&formatName, "format", string(export.FormatProgram), "program or chat")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Destination path, - or gs://bucket/object")
	cmd.Flags().StringVar(&credentials, "credentials", "", "Service account JSON for gs:// destinations")
	return cmd
}
