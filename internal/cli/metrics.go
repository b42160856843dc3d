package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show rolling execution metrics",
	RunE:  runMetrics,
}

func runMetrics(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()

	sum, err := b.Metrics(context.Background())
	if err != nil {
		return err
	}
	if sum.Count == 0 {
		fmt.Printf("%sNo finished tasks yet.%s\n", colorDim, colorReset)
		return nil
	}

	fmt.Printf("%sLast %d tasks%s (window %d)\n", colorBold, sum.Count, colorReset, sum.Window)
	printBreakdown("all", sum.Breakdown)

	printGroup("By task type", sum.ByTaskType)
	printGroup("By model", sum.ByModel)
	return nil
}

func printGroup(title string, group map[string]metrics.Breakdown) {
	if len(group) == 0 {
		return
	}
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\n%s%s%s\n", colorBold, title, colorReset)
	for _, k := range keys {
		printBreakdown(k, group[k])
	}
}

func printBreakdown(label string, b metrics.Breakdown) {
	color := colorGreen
	if b.SuccessRate < 0.8 {
		color = colorRed
	}
	fmt.Printf("  %-22s %4d  %s%5.1f%%%s  p50 %6.1fs  p95 %6.1fs\n",
		truncate(label, 22), b.Count, color, b.SuccessRate*100, colorReset, b.P50Seconds, b.P95Seconds)
}
