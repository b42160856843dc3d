package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/gate"
	"github.com/imkarma/forge/internal/store"
)

var answerCmd = &cobra.Command{
	Use:   "answer [task-id] [decision]",
	Short: "Answer a task waiting for a decision",
	Long: `Resumes a task in needs_decision with your decision. "skip" or "done"
completes the task instead of resuming it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAnswer,
}

func runAnswer(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	id := resolveID(ctx, b, args[0])
	task, err := b.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != store.StatusNeedsDecision {
		return fmt.Errorf("task %s is not waiting for a decision (status: %s)", shortID(id), task.Status)
	}

	decision := strings.Join(args[1:], " ")
	updated, err := gate.New(b, nil).Decide(ctx, id, decision)
	if err != nil {
		return err
	}

	fmt.Printf("Answered task %s -> %s%s%s\n", shortID(id), statusColor(updated.Status), updated.Status, colorReset)
	if task.DecisionPrompt != nil {
		fmt.Printf("  Question was: %s\n", *task.DecisionPrompt)
	}
	fmt.Printf("  Your answer:  %s\n", decision)
	return nil
}
