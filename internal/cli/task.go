package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/gate"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

var (
	taskType      string
	taskExecutor  string
	taskModel     string
	taskEscalate  bool
	taskListType  string
	taskListLimit int
	taskListPage  int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create or manage tasks",
	Long:  "Create a new task or inspect and manage existing ones.",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [direction]",
	Short: "Create a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, newest first, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskFailCmd = &cobra.Command{
	Use:   "fail [id] [reason]",
	Short: "Mark a task as failed",
	Long:  "Force-fails a task, for example one waiting on a decision nobody will give.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskFail,
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskType, "type", "t", "implement", "Task type: design, implement, test, review, heal")
	taskCreateCmd.Flags().StringVarP(&taskExecutor, "executor", "e", "", "Executor family (default router.default_executor)")
	taskCreateCmd.Flags().StringVarP(&taskModel, "model", "m", "", "Override the routed model")
	taskCreateCmd.Flags().BoolVar(&taskEscalate, "escalate", false, "Route to the escalated tier")

	taskListCmd.Flags().StringVarP(&taskListType, "type", "t", "", "Filter by task type")
	taskListCmd.Flags().IntVarP(&taskListLimit, "limit", "l", service.DefaultListLimit, "Page size (1-100)")
	taskListCmd.Flags().IntVarP(&taskListPage, "offset", "o", 0, "Page offset")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskFailCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()

	taskCtx := map[string]any{}
	if taskExecutor != "" {
		taskCtx[store.CtxExecutor] = taskExecutor
	}
	if taskModel != "" {
		taskCtx[store.CtxModelOverride] = taskModel
	}
	if taskEscalate {
		taskCtx[store.CtxEscalate] = true
	}

	task, err := b.CreateTask(context.Background(), service.CreateRequest{
		Direction: strings.Join(args, " "),
		TaskType:  taskType,
		Context:   taskCtx,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created task %s%s%s [%s] -> %s (%s)\n",
		colorBold, task.ID, colorReset, task.TaskType, task.Model, task.Tier)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()

	req := service.ListRequest{TaskType: taskListType, Limit: taskListLimit, Offset: taskListPage}
	if len(args) > 0 {
		req.Status = args[0]
	}
	page, err := b.ListTasks(context.Background(), req)
	if err != nil {
		return err
	}

	if len(page.Items) == 0 {
		fmt.Printf("No tasks found (%d total).\n", page.Total)
		return nil
	}

	for _, t := range page.Items {
		progress := ""
		if t.Status == store.StatusRunning && t.ProgressPct != nil {
			progress = fmt.Sprintf(" %d%%", *t.ProgressPct)
		}
		fmt.Printf("%s  %s%-14s%s %-9s %-14s %s%s\n",
			shortID(t.ID), statusColor(t.Status), t.Status, colorReset,
			t.TaskType, truncate(t.Model, 14), truncate(t.Direction, 60), progress)
	}
	fmt.Printf("%s%d-%d of %d%s\n", colorDim, req.Offset+1, req.Offset+len(page.Items), page.Total, colorReset)
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	task, err := b.GetTask(ctx, resolveID(ctx, b, args[0]))
	if err != nil {
		return err
	}

	fmt.Printf("Task %s\n", task.ID)
	fmt.Printf("  Type:      %s\n", task.TaskType)
	fmt.Printf("  Status:    %s%s%s\n", statusColor(task.Status), task.Status, colorReset)
	fmt.Printf("  Route:     %s (%s)\n", task.Model, task.Tier)
	fmt.Printf("  Command:   %s\n", strings.Join(task.Command, " "))
	fmt.Printf("  Attempt:   %d\n", task.Attempt)
	if task.ClaimedBy != nil {
		fmt.Printf("  Worker:    %s\n", *task.ClaimedBy)
	}
	if task.ProgressPct != nil {
		step := ""
		if task.CurrentStep != nil {
			step = " " + *task.CurrentStep
		}
		fmt.Printf("  Progress:  %d%%%s\n", *task.ProgressPct, step)
	}
	if task.DecisionPrompt != nil {
		fmt.Printf("  Question:  %s%s%s\n", colorYellow, *task.DecisionPrompt, colorReset)
	}
	if task.Decision != nil {
		fmt.Printf("  Decision:  %s\n", *task.Decision)
	}
	if len(task.Context) > 0 {
		data, _ := json.Marshal(task.Context)
		fmt.Printf("  Context:   %s\n", data)
	}
	fmt.Printf("  Created:   %s\n", task.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("  Updated:   %s\n", task.UpdatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("\n  Direction:\n    %s\n", strings.ReplaceAll(task.Direction, "\n", "\n    "))
	if task.Output != nil && *task.Output != "" {
		fmt.Printf("\n  Output:\n    %s\n", strings.ReplaceAll(strings.TrimRight(*task.Output, "\n"), "\n", "\n    "))
	}
	return nil
}

func runTaskFail(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	id := resolveID(ctx, b, args[0])
	task, err := gate.New(b, nil).Fail(ctx, id, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("Task %s marked as %s%s%s\n", shortID(task.ID), colorRed, task.Status, colorReset)
	return nil
}
