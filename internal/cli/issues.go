package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/store"
)

var issuesLimit int

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List monitor issues",
	RunE:  runIssues,
}

func init() {
	issuesCmd.Flags().IntVar(&issuesLimit, "limit", 20, "Resolved issues to show")
}

func runIssues(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := b.Issues(context.Background(), issuesLimit)
	if err != nil {
		return err
	}

	if len(list.Open) == 0 {
		fmt.Printf("%sNo open issues.%s\n", colorGreen, colorReset)
	} else {
		fmt.Printf("%sOpen issues (%d)%s\n", colorBold, len(list.Open), colorReset)
		for _, is := range list.Open {
			printIssue(is)
		}
	}

	if len(list.Resolved) > 0 {
		fmt.Printf("\n%sResolved%s\n", colorDim, colorReset)
		for _, is := range list.Resolved {
			printIssue(is)
		}
	}
	return nil
}

func printIssue(is store.Issue) {
	color := colorYellow
	if is.Severity == "critical" {
		color = colorRed
	}
	fmt.Printf("  %s%-9s%s %-18s %s\n", color, is.Severity, colorReset, is.Condition, is.Message)
	if is.ResolvedAt != nil {
		fmt.Printf("            %sresolved after %s%s\n", colorDim, is.ResolvedAt.Sub(is.CreatedAt).Round(time.Second), colorReset)
	} else if is.SuggestedAction != "" {
		fmt.Printf("            %s%s%s\n", colorDim, is.SuggestedAction, colorReset)
	}
	if is.HealTaskID != nil {
		fmt.Printf("            heal task %s%s%s\n", colorCyan, shortID(*is.HealTaskID), colorReset)
	}
}
