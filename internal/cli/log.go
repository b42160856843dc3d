package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show event log for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	id := resolveID(ctx, b, args[0])
	events, err := b.Events(ctx, id)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events for task %s\n", shortID(id))
		return nil
	}

	fmt.Printf("Events for task %s:\n\n", id)
	for _, e := range events {
		actor := ""
		if e.Actor != "" {
			actor = fmt.Sprintf("[%s] ", e.Actor)
		}
		fmt.Printf("  %s  %s%-14s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), actor, e.Type, e.Content)
	}
	return nil
}
