package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/stepgraph/graph/store"
)

// historyEntry is one line of the history command.
type historyEntry struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Step       int       `json:"step"`
	Source     string    `json:"source"`
	Next       []string  `json:"next"`
	Interrupts int       `json:"interrupts"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(root *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <thread>",
		Short: "List a thread's checkpoints, latest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []historyEntry
			for cp, err := range root.store.History(cmd.Context(), args[0]) {
				if errors.Is(err, store.ErrCheckpointNotFound) && len(entries) == 0 {
					break
				}
				if err != nil {
					return err
				}
				e := historyEntry{
					ID:         cp.ID,
					ParentID:   cp.ParentID,
					Step:       cp.Step,
					Source:     string(cp.Source),
					Next:       []string{},
					Interrupts: len(cp.Interrupts),
					CreatedAt:  cp.CreatedAt,
				}
				for _, t := range cp.Tasks {
					if t.Status != store.TaskDone {
						e.Next = append(e.Next, t.Node)
					}
				}
				entries = append(entries, e)
				if limit > 0 && len(entries) == limit {
					break
				}
			}

			out := cmd.OutOrStdout()
			if root.Format == "json" {
				if entries == nil {
					entries = []historyEntry{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(out, "No checkpoints for thread %s.\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHECKPOINT\tSTEP\tSOURCE\tNEXT\tINTERRUPTS\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%d\t%s\n",
					e.ID, e.Step, e.Source, e.Next, e.Interrupts, e.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many checkpoints")
	return cmd
}
