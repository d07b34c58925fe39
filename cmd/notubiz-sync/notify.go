// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/woo-gateway/notubiz-sync-helper/internal/pipeline"
)

var (
	notifyAction string
	notifyURL    string
)

var notifyCmd = &cobra.Command{
	Use:   "notify <event-id>",
	Short: "Synchronize or delete a single event",
	Long: `Handles one change notification as if it was received from NotuBiz.

The default action synchronizes the event. With --action delete the object
is removed, but only once the event is gone upstream.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNotify,
}

func init() {
	notifyCmd.Flags().StringVar(&notifyAction, "action", "update", "notification action: create, update or delete")
	notifyCmd.Flags().StringVar(&notifyURL, "resource-url", "", "resource url of the event; its last segment is used when no id is given")
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, args []string) error {
	n := pipeline.Notification{Actie: notifyAction, ResourceURL: notifyURL}
	if len(args) == 1 {
		n.ResourceID = args[0]
	}
	if n.SourceID() == "" {
		return errors.New("an event id or --resource-url is required")
	}

	s, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	out := s.Notify(cmd.Context(), n)
	cmd.Printf("%s: %s\n", out.Status, out.Message)
	if out.Object != nil {
		cmd.Printf("Object: %s\n", out.Object.ID)
	}
	if out.Status != pipeline.StatusDone {
		return fmt.Errorf("notification for event %s rejected: %s", n.SourceID(), out.Message)
	}
	return nil
}
