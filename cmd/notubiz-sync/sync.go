// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/woo-gateway/notubiz-sync-helper/internal/pipeline"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a bulk synchronization",
	Long: `Fetches every event of the configured organisation, stores the valid
ones as publication objects and removes objects whose event no longer exists.

Removal is skipped when fetching stopped early or returned nothing.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	s, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := s.Sync(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	printReport(cmd, report)
	return nil
}

func printReport(cmd *cobra.Command, report *pipeline.Report) {
	cmd.Printf("Synchronized %d events to woo objects and deleted %d objects.\n", report.Synced, report.Deleted)
	cmd.Printf("Fetched %d, created %d, updated %d, unchanged %d, skipped %d, failed %d (%s).\n",
		report.Fetched, report.Created, report.Updated, report.Unchanged, report.Skipped, report.Failed,
		report.Duration.Round(time.Millisecond))

	if len(report.SkipReasons) > 0 {
		ids := make([]string, 0, len(report.SkipReasons))
		for id := range report.SkipReasons {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		cmd.Println("Skipped events:")
		for _, id := range ids {
			cmd.Printf("  %s: %s\n", id, report.SkipReasons[id])
		}
	}
	if report.Partial {
		cmd.Printf("Warning: fetching stopped early (%s).\n", report.FetchError)
	}
	if report.StaleDeleteSkipped {
		cmd.Printf("Warning: stale objects were not removed: %s.\n", report.StaleDeleteReason)
	}
}
