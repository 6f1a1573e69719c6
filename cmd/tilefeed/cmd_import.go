/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import data from legacy signage systems",
	Long:  "Import screens and their playlists from a legacy signage installation as channels and timelines",
}

var importSignageCmd = &cobra.Command{
	Use:   "signage",
	Short: "Import from a legacy signage database",
	Long:  "Import screens, playlists, and scheduled items from a legacy signage database (live PostgreSQL DSN or a SQLite snapshot file)",
	RunE:  runImportSignage,
}

var (
	signageSourceDSN     string
	signageChannelPrefix string
	signageTimezone      string
	signageSkipDisabled  bool
	signageDryRun        bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importSignageCmd)

	importSignageCmd.Flags().StringVar(&signageSourceDSN, "source-dsn", "", "Legacy signage database: PostgreSQL DSN or path to a SQLite snapshot (required)")
	importSignageCmd.Flags().StringVar(&signageChannelPrefix, "channel-prefix", "", "Prefix folded into every generated channel slug")
	importSignageCmd.Flags().StringVar(&signageTimezone, "timezone", "", "Default timezone for screens without one (IANA name)")
	importSignageCmd.Flags().BoolVar(&signageSkipDisabled, "skip-disabled", false, "Drop disabled screens instead of importing them paused")
	importSignageCmd.Flags().BoolVar(&signageDryRun, "dry-run", false, "Analyze the source without writing anything")
	importSignageCmd.MarkFlagRequired("source-dsn")
}

func runImportSignage(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().
		Str("channel_prefix", signageChannelPrefix).
		Bool("dry_run", signageDryRun).
		Msg("starting signage import")

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	bus := events.NewBus()

	svc := importer.NewService(database, bus, logger)
	svc.RegisterImporter(importer.SourceTypeSignage, importer.NewSignageImporter(database, logger))

	options := importer.Options{
		SourceDSN:       signageSourceDSN,
		ChannelPrefix:   signageChannelPrefix,
		DefaultTimezone: signageTimezone,
		SkipDisabled:    signageSkipDisabled,
		DryRun:          signageDryRun,
	}

	job, err := svc.Run(context.Background(), importer.SourceTypeSignage, options)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	result := job.Result
	if result == nil {
		return fmt.Errorf("import finished without a result (job %s)", job.ID)
	}

	if signageDryRun {
		fmt.Printf("\nImport Preview:\n")
	} else {
		fmt.Printf("\nImport Complete!\n")
	}
	fmt.Printf("  Channels:    %d\n", result.ChannelsCreated)
	fmt.Printf("  Timelines:   %d\n", result.TimelinesCreated)
	fmt.Printf("  Entries:     %d\n", result.EntriesImported)
	fmt.Printf("  Recurrences: %d\n", result.RecurrencesConverted)
	fmt.Printf("  Duration:    %.1f seconds\n", result.DurationSeconds)

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, warning := range result.Warnings {
			fmt.Printf("  - %s\n", warning)
		}
	}

	if len(result.Skipped) > 0 {
		fmt.Printf("\nSkipped:\n")
		for key, count := range result.Skipped {
			fmt.Printf("  - %s: %d\n", key, count)
		}
	}

	if signageDryRun {
		fmt.Printf("\nRun without --dry-run to perform the import.\n")
	}

	logger.Info().Str("job_id", job.ID).Msg("signage import finished")
	return nil
}
