package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStateCommand creates the state command.
func NewStateCommand(root *RootOptions) *cobra.Command {
	var checkpointID string

	cmd := &cobra.Command{
		Use:   "state <thread>",
		Short: "Print a checkpoint's state, tasks and interrupts",
		Long: `Print the latest checkpoint of a thread, or the one named by --checkpoint.

State values are shown in their stored JSON encoding.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := root.store.Get(cmd.Context(), args[0], checkpointID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cp)
			}

			fmt.Fprintf(out, "thread:     %s\n", cp.ThreadID)
			fmt.Fprintf(out, "checkpoint: %s\n", cp.ID)
			if cp.ParentID != "" {
				fmt.Fprintf(out, "parent:     %s\n", cp.ParentID)
			}
			fmt.Fprintf(out, "step:       %d (%s)\n", cp.Step, cp.Source)

			state, err := indent(cp.State)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "state:\n%s\n", state)

			if len(cp.Tasks) > 0 {
				fmt.Fprintln(out, "tasks:")
				for i, t := range cp.Tasks {
					fmt.Fprintf(out, "  [%d] %s %s\n", i, t.Node, t.Status)
				}
			}
			if len(cp.Interrupts) > 0 {
				fmt.Fprintln(out, "interrupts:")
				for _, in := range cp.Interrupts {
					fmt.Fprintf(out, "  %s node=%s payload=%s\n", in.ID, in.Node, in.Payload)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "checkpoint ID (default: thread tip)")
	return cmd
}

func indent(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("failed to decode state: %w", err)
	}
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return "", err
	}
	return "  " + string(data), nil
}
