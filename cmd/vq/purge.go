package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
		statuses   []string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished instance history",
		Long: "Deletes finished instances, with their events and activity journal,\n" +
			"that were last updated before the cutoff. Statuses default to the\n" +
			"housekeeping.statuses setting; --older-than defaults to\n" +
			"housekeeping.retention_hours.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, configPath, olderThan, statuses)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge instances idle for longer than this")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "terminal statuses to purge")
	return cmd
}

func runPurge(cmd *cobra.Command, configPath string, olderThan time.Duration, statusNames []string) error {
	out := cmd.OutOrStdout()

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(statusNames) == 0 {
		statusNames = st.cfg.Housekeeping.Statuses
	}
	filter, err := parseStatuses(statusNames)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("older-than") {
		olderThan = time.Duration(st.cfg.Housekeeping.RetentionHours) * time.Hour
	}
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}

	cutoff := time.Now().Add(-olderThan)
	n, err := st.engine.Purge(context.Background(), cutoff, filter...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Purged %d instance(s) updated before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
