package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/store"
)

var boardLimit int

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show tasks as a board by status",
	RunE:  runBoard,
}

func init() {
	boardCmd.Flags().IntVar(&boardLimit, "limit", 10, "Cards per column")
}

type boardColumn struct {
	status store.TaskStatus
	label  string
}

var boardColumns = []boardColumn{
	{store.StatusPending, "PENDING"},
	{store.StatusRunning, "RUNNING"},
	{store.StatusNeedsDecision, "DECISION"},
	{store.StatusCompleted, "COMPLETED"},
	{store.StatusFailed, "FAILED"},
}

func runBoard(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	ps, err := b.Pipeline(ctx)
	if err != nil {
		return err
	}

	columns := map[store.TaskStatus][]store.Task{}
	total := 0
	for _, c := range boardColumns {
		total += ps.Counts[c.status]
		tasks, err := b.TasksByStatus(ctx, c.status, boardLimit)
		if err != nil {
			return err
		}
		columns[c.status] = tasks
	}

	if total == 0 {
		fmt.Printf("%sBoard is empty.%s Create a task: %sforge task create \"direction\"%s\n",
			colorDim, colorReset, colorCyan, colorReset)
		return nil
	}

	const colWidth = 24
	headerLine := ""
	sepLine := ""
	maxRows := 0
	for _, c := range boardColumns {
		label := fmt.Sprintf(" %s (%d)", c.label, ps.Counts[c.status])
		headerLine += statusColor(c.status) + colorBold + label + colorReset + pad(label, colWidth)
		sepLine += strings.Repeat("─", colWidth)
		if n := len(columns[c.status]); n > maxRows {
			maxRows = n
		}
	}
	fmt.Println(headerLine)
	fmt.Println(colorDim + sepLine + colorReset)

	for i := 0; i < maxRows; i++ {
		line := ""
		detailLine := ""
		for _, c := range boardColumns {
			tasks := columns[c.status]
			if i >= len(tasks) {
				line += strings.Repeat(" ", colWidth)
				detailLine += strings.Repeat(" ", colWidth)
				continue
			}
			t := tasks[i]
			id := shortID(t.ID)
			title := truncate(t.Direction, colWidth-len(id)-3)
			visible := " " + id + " " + title
			line += " " + tierColor(t.Tier) + id + colorReset + " " + title + pad(visible, colWidth)

			detail := fmt.Sprintf("    [%s]", t.TaskType)
			switch {
			case t.Status == store.StatusNeedsDecision && t.DecisionPrompt != nil:
				detail = "    ? " + truncate(*t.DecisionPrompt, colWidth-6)
				detailLine += colorYellow + detail + colorReset + pad(detail, colWidth)
			case t.Status == store.StatusRunning && t.ProgressPct != nil:
				detail = fmt.Sprintf("    [%s] %d%%", t.TaskType, *t.ProgressPct)
				detailLine += colorCyan + detail + colorReset + pad(detail, colWidth)
			default:
				detailLine += colorCyan + detail + colorReset + pad(detail, colWidth)
			}
		}
		fmt.Println(line)
		fmt.Println(detailLine)
		fmt.Println()
	}

	if len(ps.NeedsDecision) > 0 {
		fmt.Printf("%s%s?  Waiting for a decision%s\n", colorBold, colorYellow, colorReset)
		for _, t := range ps.NeedsDecision {
			fmt.Printf("       → %sforge answer %s \"your decision\"%s\n", colorCyan, shortID(t.ID), colorReset)
		}
		fmt.Println()
	}

	fmt.Printf("%s%d tasks%s", colorBold, total, colorReset)
	if n := ps.Counts[store.StatusCompleted]; n > 0 {
		fmt.Printf("  %s✓ %d completed%s", colorGreen, n, colorReset)
	}
	if n := ps.Counts[store.StatusRunning]; n > 0 {
		fmt.Printf("  %s● %d running%s", colorBlue, n, colorReset)
	}
	if n := ps.Counts[store.StatusNeedsDecision]; n > 0 {
		fmt.Printf("  %s? %d waiting%s", colorYellow, n, colorReset)
	}
	if n := ps.Counts[store.StatusFailed]; n > 0 {
		fmt.Printf("  %s✗ %d failed%s", colorRed, n, colorReset)
	}
	fmt.Println()
	return nil
}

// tierColor highlights escalated tasks.
func tierColor(tier string) string {
	if tier == "escalated" {
		return colorMagenta + colorBold
	}
	return colorDim
}

// pad returns the spaces needed to fill visible out to width columns.
func pad(visible string, width int) string {
	n := width - len([]rune(visible))
	if n < 0 {
		return ""
	}
	return strings.Repeat(" ", n)
}
