package worker

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/metrics"
)

// Pool manages a fixed number of independent workers.
type Pool struct {
	workers []*Worker
}

// PoolConfig holds configuration for creating a worker pool.
type PoolConfig struct {
	Count    int
	Worker   Config // ID is generated per worker
	Service  TaskService
	Executor agent.Executor
	Logger   *zap.Logger
	Gauges   *metrics.Gauges
}

// NewPool creates a new worker pool.
func NewPool(pc PoolConfig) *Pool {
	if pc.Count <= 0 {
		pc.Count = 1
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "forge"
	}
	prefix := uuid.NewString()[:8]

	p := &Pool{}
	for i := 0; i < pc.Count; i++ {
		cfg := pc.Worker
		cfg.ID = fmt.Sprintf("%s-%s-%d", host, prefix, i+1)
		p.workers = append(p.workers, New(cfg, pc.Service, pc.Executor, pc.Logger, pc.Gauges))
	}
	return p
}

// Workers returns the pool members.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run starts every worker and blocks until ctx is cancelled and all of
// them have returned.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
	return nil
}
