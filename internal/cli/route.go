package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var routeExecutor string

var routeCmd = &cobra.Command{
	Use:   "route [task-type]",
	Short: "Show where a task type would be routed",
	Long:  "Looks up the model, tier and command a task type resolves to. Nothing is created.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoute,
}

func init() {
	routeCmd.Flags().StringVarP(&routeExecutor, "executor", "e", "", "Executor family")
}

func runRoute(cmd *cobra.Command, args []string) error {
	b, closeFn, err := openBackend()
	if err != nil {
		return err
	}
	defer closeFn()

	route, err := b.Route(context.Background(), args[0], routeExecutor)
	if err != nil {
		return err
	}
	fmt.Printf("%s%s%s -> %s\n", colorBold, route.TaskType, colorReset, route.Executor)
	fmt.Printf("  Tier:     %s\n", route.Tier)
	fmt.Printf("  Model:    %s\n", route.Model)
	fmt.Printf("  Template: %s\n", strings.Join(route.CommandTemplate, " "))
	fmt.Printf("  Command:  %s\n", strings.Join(route.Command, " "))
	return nil
}
