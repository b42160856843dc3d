package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/api"
	"github.com/imkarma/forge/internal/config"
	"github.com/imkarma/forge/internal/git"
	"github.com/imkarma/forge/internal/logging"
	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/monitor"
	"github.com/imkarma/forge/internal/router"
	"github.com/imkarma/forge/internal/scheduler"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/worker"
)

var (
	serveNoWorkers   bool
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, scheduler, monitor and worker pool",
	Long: `Runs everything a forge pipeline needs in one process: the HTTP API,
the phase scheduler working .forge/backlog.yaml, the health monitor and
worker.count in-process workers. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "Do not start in-process workers (use forge worker elsewhere)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Serve tasks only; do not work the backlog")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := mustStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := newRouter(cfg)
	if err != nil {
		return err
	}
	svc := service.New(st, r)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gauges := metrics.NewGauges(reg)

	mon := monitor.New(monitorConfig(cfg), st, svc, logger.Named("monitor"), gauges)
	srv, err := api.NewServer(api.Deps{Service: svc, Monitor: mon, Gatherer: reg, Gauges: gauges},
		logger.Named("api"),
		&api.Config{Host: cfg.Server.Host, Port: cfg.Server.Port, Pipeline: cfg.Scheduler.Name})
	if err != nil {
		return err
	}

	var (
		backlog *scheduler.FileBacklog
		sched   *scheduler.Scheduler
	)
	if !serveNoScheduler {
		if backlog, err = scheduler.LoadFileBacklog(cfg.Scheduler.BacklogPath, logger.Named("backlog")); err != nil {
			return err
		}
		if sched, err = scheduler.New(schedulerConfig(cfg), st, svc, backlog, testSignal(cfg), logger.Named("scheduler")); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	if sched != nil {
		g.Go(func() error { return backlog.Watch(ctx) })
		g.Go(func() error { return sched.Run(ctx) })
	}
	if !serveNoWorkers {
		pool := newPool(cfg, r, svc, logger, gauges, nil)
		g.Go(func() error { return pool.Run(ctx) })
	}

	fmt.Fprintf(os.Stderr, "%sforge serving on %s%s\n", colorGreen, cfg.Server.URL(), colorReset)
	return g.Wait()
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		Name:                   s.Name,
		Mode:                   s.Mode,
		Interval:               s.Interval(),
		MaxIterations:          s.MaxIterations,
		MaxAttempts:            s.MaxAttempts,
		HoldOnRepeatedFailures: s.HoldOnRepeatedFailures,
	}
}

// testSignal picks the validation signal: the configured test command,
// or the test task's own TESTS: line.
func testSignal(cfg *config.Config) scheduler.TestSignal {
	if cfg.Scheduler.TestCmd == "" {
		return scheduler.OutputSignal{}
	}
	wd, _ := os.Getwd()
	return scheduler.CommandSignal{Command: cfg.Scheduler.TestCmd, Dir: wd}
}

func newPool(cfg *config.Config, r *router.Router, svc worker.TaskService, logger *zap.Logger, gauges *metrics.Gauges, types []string) *worker.Pool {
	wd, _ := os.Getwd()
	w := cfg.Worker
	var checkpoint worker.Checkpointer
	if repo := git.New(wd); w.GitCheckpoint && repo.IsRepo(context.Background()) {
		checkpoint = repo
	} else if w.GitCheckpoint {
		logger.Warn("git_checkpoint is set but the working directory is not a git repository", zap.String("dir", wd))
	}
	return worker.NewPool(worker.PoolConfig{
		Count: w.Count,
		Worker: worker.Config{
			Types:            parseTypes(types),
			PollInterval:     w.PollInterval(),
			RetryAttempts:    w.RetryAttempts,
			RetryBase:        w.RetryBase(),
			ProgressInterval: w.ProgressInterval(),
			ClaimTTL:         w.ClaimTTL(),
			WorkDir:          wd,
			Timeout:          r.TimeoutFor,
			Checkpoint:       checkpoint,
		},
		Service:  svc,
		Executor: agent.NewCLIRunner(router.DefaultTimeout),
		Logger:   logger.Named("worker"),
		Gauges:   gauges,
	})
}
