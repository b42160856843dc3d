package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/client"
	"github.com/imkarma/forge/internal/logging"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
	"github.com/imkarma/forge/internal/worker"
)

var (
	workerTypes []string
	workerCount int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run execution workers",
	Long: `Runs a pool of workers that claim tasks and execute them. With --server the
workers talk to a remote forge server; otherwise they use the local store.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerTypes, "types", nil, "Only claim these task types (design,implement,test,review,heal)")
	workerCmd.Flags().IntVarP(&workerCount, "count", "n", 0, "Number of workers (default worker.count)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if _, err := validateTypes(workerTypes); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerCount > 0 {
		cfg.Worker.Count = workerCount
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	r, err := newRouter(cfg)
	if err != nil {
		return err
	}

	var svc worker.TaskService
	if flagServer != "" {
		svc = client.New(flagServer)
	} else {
		st, err := mustStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		svc = service.New(st, r)
	}

	for _, f := range cfg.Families() {
		if !agent.CLIAvailable(f.Cmd) {
			fmt.Fprintf(os.Stderr, "%swarning: executor %s (%s) not found in PATH%s\n", colorYellow, f.Name, f.Cmd, colorReset)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := newPool(cfg, r, svc, logger, nil, workerTypes)
	fmt.Fprintf(os.Stderr, "%sstarted %d worker(s)%s\n", colorGreen, len(pool.Workers()), colorReset)
	return pool.Run(ctx)
}

func validateTypes(names []string) ([]store.TaskType, error) {
	var out []store.TaskType
	for _, n := range names {
		tt, err := store.ParseTaskType(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, nil
}

// parseTypes is validateTypes for already validated input.
func parseTypes(names []string) []store.TaskType {
	out, _ := validateTypes(names)
	return out
}
