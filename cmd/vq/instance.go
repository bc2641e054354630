package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/ventriloquist/internal/durable"
	"golang.org/x/term"
)

// isTerminal reports whether w is an interactive terminal. Tests override it.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Inspect and signal orchestration instances",
		Long: "Session instances are keyed by the voice user id; template instances\n" +
			"are keyed by \"tmpl_\" + user id.",
	}

	cmd.AddCommand(newInstanceStatusCmd())
	cmd.AddCommand(newInstanceTerminateCmd())
	cmd.AddCommand(newInstanceRaiseCmd())
	return cmd
}

func newInstanceStatusCmd() *cobra.Command {
	var (
		configPath string
		statuses   []string
	)

	cmd := &cobra.Command{
		Use:   "status [key]",
		Short: "Show one instance, or list instances",
		Long: "With a key, prints that instance in detail. Without one, lists every\n" +
			"instance, most recently updated first. Output is an aligned table on a\n" +
			"terminal and tab-separated lines otherwise.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runInstanceShow(cmd, configPath, args[0])
			}
			return runInstanceList(cmd, configPath, statuses)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list instances in these statuses")
	return cmd
}

func runInstanceShow(cmd *cobra.Command, configPath, key string) error {
	out := cmd.OutOrStdout()

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	inst, err := st.engine.Status(context.Background(), key)
	if errors.Is(err, durable.ErrNotFound) {
		return fmt.Errorf("instance %q not found", key)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Key:        %s\n", inst.Key)
	fmt.Fprintf(out, "Kind:       %s\n", inst.Kind)
	fmt.Fprintf(out, "Status:     %s\n", inst.Status)
	fmt.Fprintf(out, "Execution:  %s (generation %d)\n", inst.ExecutionID, inst.Generation)
	fmt.Fprintf(out, "Pending:    %d event(s)\n", inst.PendingEvents)
	if inst.Input != "" && inst.Input != "null" {
		fmt.Fprintf(out, "Input:      %s\n", inst.Input)
	}
	if inst.Output != "" {
		fmt.Fprintf(out, "Output:     %s\n", inst.Output)
	}
	if inst.Reason != "" {
		fmt.Fprintf(out, "Reason:     %s\n", inst.Reason)
	}
	fmt.Fprintf(out, "Created:    %s\n", inst.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:    %s\n", inst.UpdatedAt.Format(time.RFC3339))
	if inst.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:  %s\n", inst.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func runInstanceList(cmd *cobra.Command, configPath string, statusNames []string) error {
	out := cmd.OutOrStdout()

	filter, err := parseStatuses(statusNames)
	if err != nil {
		return err
	}

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.engine.List(context.Background(), filter...)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No instances.")
		return nil
	}

	writeInstances(out, list, isTerminal(out))
	return nil
}

// writeInstances prints one row per instance. Tables are for people;
// tab-separated lines are for scripts.
func writeInstances(out io.Writer, list []durable.InstanceStatus, table bool) {
	row := func(cols ...string) { fmt.Fprintln(out, strings.Join(cols, "\t")) }
	var tw *tabwriter.Writer
	if table {
		tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		row = func(cols ...string) { fmt.Fprintln(tw, strings.Join(cols, "\t")) }
		row("KEY", "KIND", "STATUS", "GEN", "UPDATED", "REASON")
	}
	for _, inst := range list {
		row(inst.Key, inst.Kind, string(inst.Status), fmt.Sprintf("%d", inst.Generation),
			inst.UpdatedAt.Format(time.RFC3339), inst.Reason)
	}
	if tw != nil {
		tw.Flush()
	}
}

func newInstanceTerminateCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "terminate <key>",
		Short: "Terminate an active instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstanceTerminate(cmd, configPath, args[0], reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&reason, "reason", "admin", "reason recorded on the instance")
	return cmd
}

func runInstanceTerminate(cmd *cobra.Command, configPath, key, reason string) error {
	out := cmd.OutOrStdout()

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	inst, err := st.engine.Status(ctx, key)
	if errors.Is(err, durable.ErrNotFound) {
		return fmt.Errorf("instance %q not found", key)
	}
	if err != nil {
		return err
	}
	if !inst.Status.IsActive() {
		fmt.Fprintf(out, "Instance %s is already %s\n", key, inst.Status)
		return nil
	}

	if err := st.engine.Terminate(ctx, key, reason); err != nil {
		return err
	}
	fmt.Fprintf(out, "Terminated %s (%s)\n", key, reason)
	return nil
}

func newInstanceRaiseCmd() *cobra.Command {
	var (
		configPath string
		eventID    string
	)

	cmd := &cobra.Command{
		Use:   "raise <key> <event> [payload]",
		Short: "Raise an event on an instance",
		Long: "Queues an event the way the chat side does. For a session, raise\n" +
			"LineInput with the text to speak; for a template, raise AddToTemplate.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload string
			if len(args) == 3 {
				payload = args[2]
			}
			return runInstanceRaise(cmd, configPath, args[0], args[1], payload, eventID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&eventID, "event-id", "", "de-duplication id; a repeat with the same id is ignored")
	return cmd
}

func runInstanceRaise(cmd *cobra.Command, configPath, key, name, payload, eventID string) error {
	out := cmd.OutOrStdout()

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var opts []durable.EventOption
	if eventID != "" {
		opts = append(opts, durable.WithEventID(eventID))
	}
	err = st.engine.RaiseEvent(context.Background(), key, name, payload, opts...)
	if errors.Is(err, durable.ErrNotFound) {
		return fmt.Errorf("instance %q not found", key)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Raised %s on %s\n", name, key)
	return nil
}
