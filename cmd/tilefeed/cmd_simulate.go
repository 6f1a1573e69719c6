/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/models"
)

var (
	simulateFile     string
	simulateFrom     string
	simulateUntil    string
	simulateStep     time.Duration
	simulateTimezone string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay timeline selection over a window",
	Long: `Reads a timeline document (the same JSON the publish endpoint accepts)
and replays entry selection over a time window, printing every instant
the selected entry changes. Runs entirely offline; no server or
database is touched, so a document can be checked before publishing it.

Examples:
  tilefeed simulate --file timeline.json
  tilefeed simulate --file timeline.json --from 2026-03-01T00:00:00Z --until 2026-03-02T00:00:00Z
  tilefeed simulate --file timeline.json --step 30s --timezone Europe/Oslo`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simulateFile, "file", "", "Path to the timeline JSON document (required)")
	simulateCmd.Flags().StringVar(&simulateFrom, "from", "", "Window start, RFC 3339 (default: now)")
	simulateCmd.Flags().StringVar(&simulateUntil, "until", "", "Window end, RFC 3339 (default: from + 24h)")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", time.Minute, "Sampling step")
	simulateCmd.Flags().StringVar(&simulateTimezone, "timezone", "", "IANA timezone for recurrence expansion (default: UTC)")
	simulateCmd.MarkFlagRequired("file")
}

// simulateDocument mirrors the publish request body so the same file
// can be simulated first and POSTed after.
type simulateDocument struct {
	Source  string `json:"source"`
	Entries []struct {
		Payload         json.RawMessage `json:"payload"`
		StartsAt        *time.Time      `json:"starts_at,omitempty"`
		EndsAt          *time.Time      `json:"ends_at,omitempty"`
		RRule           string          `json:"rrule,omitempty"`
		DurationSeconds int             `json:"duration_seconds,omitempty"`
		AssetKey        string          `json:"asset_key,omitempty"`
	} `json:"entries"`
}

func runSimulate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(simulateFile)
	if err != nil {
		return fmt.Errorf("read timeline document: %w", err)
	}

	var doc simulateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse timeline document: %w", err)
	}
	if len(doc.Entries) == 0 {
		return fmt.Errorf("timeline document has no entries")
	}

	from := time.Now().UTC().Truncate(time.Minute)
	if simulateFrom != "" {
		from, err = time.Parse(time.RFC3339, simulateFrom)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
	}

	until := from.Add(24 * time.Hour)
	if simulateUntil != "" {
		until, err = time.Parse(time.RFC3339, simulateUntil)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
	}

	if !until.After(from) {
		return fmt.Errorf("--until must be after --from")
	}
	if until.Sub(from) > coordinator.MaxSimulationRange {
		return fmt.Errorf("window exceeds the maximum simulation range of %s", coordinator.MaxSimulationRange)
	}

	loc := time.UTC
	if simulateTimezone != "" {
		loc, err = time.LoadLocation(simulateTimezone)
		if err != nil {
			return fmt.Errorf("load timezone: %w", err)
		}
	}

	entries := make([]models.TimelineEntry, len(doc.Entries))
	for i, e := range doc.Entries {
		if len(e.Payload) == 0 || !json.Valid(e.Payload) {
			return fmt.Errorf("entry %d: payload is not valid JSON", i)
		}
		entries[i] = models.TimelineEntry{
			ID:               fmt.Sprintf("entry-%d", i),
			Position:         i,
			Payload:          string(e.Payload),
			StartsAt:         e.StartsAt,
			EndsAt:           e.EndsAt,
			RRule:            e.RRule,
			RDurationSeconds: e.DurationSeconds,
			AssetKey:         e.AssetKey,
		}
	}

	snap, meta, err := coordinator.BuildSnapshot(entries, from, until.Sub(from), loc)
	if err != nil {
		return fmt.Errorf("compile timeline: %w", err)
	}

	steps := coordinator.SimulateSnapshot(snap, meta, from, until, simulateStep)

	fmt.Printf("Simulating %d entries from %s to %s (step %s)\n\n",
		len(entries), from.Format(time.RFC3339), until.Format(time.RFC3339), simulateStep)
	fmt.Printf("%-22s  %-24s  %s\n", "CHANGE AT", "ENTRY", "EXPIRES")

	for _, step := range steps {
		entry := "(none)"
		expires := "-"
		if step.HasEntry {
			entry = fmt.Sprintf("#%d %s", step.Position, step.EntryID)
			expires = "never"
			if step.ExpiresAt != nil {
				expires = step.ExpiresAt.Format(time.RFC3339)
			}
		}
		fmt.Printf("%-22s  %-24s  %s\n", step.At.Format(time.RFC3339), entry, expires)
	}

	if len(steps) == 0 {
		fmt.Println("(no change points in this window)")
	}

	return nil
}
