package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imkarma/forge/internal/client"
	"github.com/imkarma/forge/internal/config"
	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/monitor"
	"github.com/imkarma/forge/internal/router"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

const forgeDirName = ".forge"

// ANSI color codes.
const (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorWhite   = "\033[37m"
)

// forgePath returns the path to a file inside .forge/.
func forgePath(parts ...string) string {
	elems := append([]string{forgeDirName}, parts...)
	return filepath.Join(elems...)
}

func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// mustStore opens the store, returning an error if forge is not initialized.
func mustStore(cfg *config.Config) (*store.Store, error) {
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("forge not initialized. Run: forge init")
	}
	return openStore(cfg)
}

// openStore opens or creates the SQLite store the config points at.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.Store.Path,
		store.WithClaimTTL(cfg.Worker.ClaimTTL()),
		store.WithOutputLimit(cfg.Worker.OutputLimit),
	)
}

func newRouter(cfg *config.Config) (*router.Router, error) {
	return router.New(cfg.Families(), cfg.Router.DefaultExecutor)
}

func monitorConfig(cfg *config.Config) monitor.Config {
	m := cfg.Monitor
	return monitor.Config{
		Interval:         m.Interval(),
		StuckThreshold:   m.StuckThreshold(),
		RepeatedFailures: m.RepeatedFailures,
		MinSamples:       m.MinSamples,
		MinSuccessRate:   m.MinSuccessRate,
		Window:           m.Window,
		AutoFix:          m.AutoFix,
		IssueRetention:   m.IssueRetention,
		ClaimTTL:         cfg.Worker.ClaimTTL(),
	}
}

// backend is what the interactive commands read and write, served either
// by the local store or by a remote forge server.
type backend interface {
	CreateTask(ctx context.Context, req service.CreateRequest) (*store.Task, error)
	ListTasks(ctx context.Context, req service.ListRequest) (*service.ListResult, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTask(ctx context.Context, id string, p store.TaskPatch) (*store.Task, error)
	TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error)
	Events(ctx context.Context, id string) ([]store.Event, error)
	Route(ctx context.Context, taskType, executor string) (*router.Route, error)
	Pipeline(ctx context.Context) (*monitor.PipelineStatus, error)
	Metrics(ctx context.Context) (*metrics.Summary, error)
	Issues(ctx context.Context, limit int) (*monitor.IssueList, error)
}

// localBackend serves the backend contract from the .forge/ store.
type localBackend struct {
	*service.Service
	monitor  *monitor.Monitor
	pipeline string
}

func (b *localBackend) TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error) {
	return b.Store.TasksByStatus(ctx, status, limit)
}

func (b *localBackend) Route(_ context.Context, taskType, executor string) (*router.Route, error) {
	r, err := b.Service.Route(taskType, executor)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (b *localBackend) Pipeline(ctx context.Context) (*monitor.PipelineStatus, error) {
	return b.monitor.Snapshot(ctx, b.pipeline)
}

func (b *localBackend) Metrics(ctx context.Context) (*metrics.Summary, error) {
	return b.monitor.Aggregator().Summary(ctx)
}

func (b *localBackend) Issues(ctx context.Context, limit int) (*monitor.IssueList, error) {
	return b.monitor.Issues(ctx, limit)
}

// openBackend returns the remote client when --server is set, otherwise
// the local store. The returned func releases it.
func openBackend() (backend, func(), error) {
	if flagServer != "" {
		return client.New(flagServer), func() {}, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := mustStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	r, err := newRouter(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	svc := service.New(st, r)
	b := &localBackend{
		Service:  svc,
		monitor:  monitor.New(monitorConfig(cfg), st, svc, nil, nil),
		pipeline: cfg.Scheduler.Name,
	}
	return b, func() { st.Close() }, nil
}

func statusColor(s store.TaskStatus) string {
	switch s {
	case store.StatusPending:
		return colorWhite
	case store.StatusRunning:
		return colorBlue
	case store.StatusNeedsDecision:
		return colorYellow
	case store.StatusCompleted:
		return colorGreen
	case store.StatusFailed:
		return colorRed
	default:
		return ""
	}
}

// shortID is the first block of a task uuid, enough to tell tasks apart
// on screen.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// resolveID expands a shortID prefix to a full task id. Full ids and
// anything unmatched pass through unchanged.
func resolveID(ctx context.Context, b backend, id string) string {
	if len(id) >= 36 {
		return id
	}
	for offset := 0; ; offset += service.MaxListLimit {
		page, err := b.ListTasks(ctx, service.ListRequest{Limit: service.MaxListLimit, Offset: offset})
		if err != nil || len(page.Items) == 0 {
			return id
		}
		for _, t := range page.Items {
			if len(t.ID) >= len(id) && t.ID[:len(id)] == id {
				return t.ID
			}
		}
		if offset+len(page.Items) >= page.Total {
			return id
		}
	}
}
