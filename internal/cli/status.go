package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/gate"
	"github.com/imkarma/forge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Pipeline status and health",
	RunE:  runStatus,
}

var statusOrder = []store.TaskStatus{
	store.StatusPending,
	store.StatusRunning,
	store.StatusNeedsDecision,
	store.StatusCompleted,
	store.StatusFailed,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	total := 0
	for _, n := range ps.Counts {
		total += n
	}
	if total == 0 {
		fmt.Printf("No tasks. Run: %sforge task create \"direction\"%s\n", colorCyan, colorReset)
		return nil
	}

	fmt.Printf("%sTasks: %d total%s\n", colorBold, total, colorReset)
	for _, s := range statusOrder {
		fmt.Printf("  %-16s %s%d%s\n", string(s)+":", statusColor(s), ps.Counts[s], colorReset)
	}

	if st := ps.State; st != nil && (st.Mode != "" || st.BacklogIndex > 0 || st.Done) {
		fmt.Printf("\n%sPipeline %s%s (%s)\n", colorBold, st.Name, colorReset, st.Mode)
		switch {
		case st.Done:
			fmt.Printf("  %sbacklog complete%s\n", colorGreen, colorReset)
		case st.Blocked:
			fmt.Printf("  %sblocked on %s%s\n", colorYellow, shortID(st.CurrentTaskID), colorReset)
		case st.Held != "":
			fmt.Printf("  %sheld: %s%s\n", colorRed, st.Held, colorReset)
		default:
			fmt.Printf("  item %d, phase %s, iteration %d\n", st.BacklogIndex, st.Phase, st.Iteration)
		}
		for _, f := range st.FatalItems {
			fmt.Printf("  %s✗ item %d: %s%s\n", colorRed, f.BacklogIndex, f.Reason, colorReset)
		}
	}

	if att := ps.Attention; att != nil && len(att.Findings) > 0 {
		fmt.Printf("\n%s%s!  Attention%s\n", colorBold, colorRed, colorReset)
		for _, f := range att.Findings {
			fmt.Printf("  %s[%s]%s %s\n", colorYellow, f.Condition, colorReset, f.Message)
			if f.SuggestedAction != "" {
				fmt.Printf("       %s%s%s\n", colorDim, f.SuggestedAction, colorReset)
			}
		}
	}

	waiting, err := gate.New(b, nil).Pending(ctx)
	if err != nil {
		return err
	}
	if len(waiting) > 0 {
		fmt.Printf("\n%s%s?  Waiting for a decision%s\n", colorBold, colorYellow, colorReset)
		for _, t := range waiting {
			prompt := ""
			if t.DecisionPrompt != nil {
				prompt = *t.DecisionPrompt
			}
			fmt.Printf("  %s%s%s [%s]: %s\n", colorYellow, shortID(t.ID), colorReset, t.TaskType, prompt)
			fmt.Printf("       → %sforge answer %s \"your decision\"%s\n", colorCyan, shortID(t.ID), colorReset)
		}
	}
	return nil
}
