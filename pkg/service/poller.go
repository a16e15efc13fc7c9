package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval    = time.Second
	DefaultConcurrency     = 4
	DefaultReclaimInterval = 30 * time.Second
)

var ErrPollerRunning = errors.New("poller already running")

// Tenant is one isolated queue. Workflows defaults to Jobs when Jobs also
// implements storage.WorkflowReader.
type Tenant struct {
	Name      string
	Jobs      storage.JobStore
	Workflows storage.WorkflowReader
	Audit     storage.AuditLogger
	Logger    Logger
}

type PollerConfig struct {
	// PollInterval is the wait after an empty claim or a claim error.
	PollInterval time.Duration
	// Concurrency is the number of jobs a tenant runs at once.
	Concurrency int
	// ClaimRate caps claims per second per tenant; 0 means unlimited.
	ClaimRate float64
	// StaleAfter enables ReclaimStale for jobs processing longer than this.
	StaleAfter      time.Duration
	ReclaimInterval time.Duration
	// StepTimeout bounds each capability call; 0 means no bound.
	StepTimeout time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	return c
}

// Poller drives one claim loop per tenant. It owns its lifecycle: Start
// launches the loops and Stop waits for in-flight jobs to finish.
type Poller struct {
	cfg     PollerConfig
	logger  Logger
	loops   []*tenantLoop
	byName  map[string]*tenantLoop
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewPoller(resolver *Resolver, cfg PollerConfig, logger Logger, tenants ...Tenant) (*Poller, error) {
	cfg = cfg.withDefaults()
	if resolver == nil {
		resolver = NewDefaultResolver(Providers{})
	}
	p := &Poller{
		cfg:    cfg,
		logger: logger,
		byName: make(map[string]*tenantLoop, len(tenants)),
	}
	for _, t := range tenants {
		if t.Name == "" || t.Jobs == nil {
			return nil, errors.New("tenant requires a name and a job store")
		}
		if _, dup := p.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", t.Name)
		}
		if t.Workflows == nil {
			wr, ok := t.Jobs.(storage.WorkflowReader)
			if !ok {
				return nil, fmt.Errorf("tenant %q has no workflow reader", t.Name)
			}
			t.Workflows = wr
		}
		if t.Logger == nil {
			t.Logger = logger
		}
		execOpts := []ExecutorOption{WithStepTimeout(cfg.StepTimeout)}
		if t.Audit != nil {
			execOpts = append(execOpts, WithAudit(t.Audit))
		}
		limit := rate.Inf
		if cfg.ClaimRate > 0 {
			limit = rate.Limit(cfg.ClaimRate)
		}
		loop := &tenantLoop{
			tenant:   t,
			cfg:      cfg,
			executor: NewExecutor(t.Jobs, t.Workflows, resolver, t.Logger, execOpts...),
			pool:     NewWorkerPool(cfg.Concurrency, t.Logger),
			limiter:  rate.NewLimiter(limit, 1),
		}
		p.loops = append(p.loops, loop)
		p.byName[t.Name] = loop
	}
	return p, nil
}

// Start launches every tenant loop in the background.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPollerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, l := range p.loops {
		l := l
		g.Go(func() error { return l.run(gctx) })
		if p.cfg.StaleAfter > 0 {
			g.Go(func() error { return l.reclaimLoop(gctx) })
		}
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.logger.Infof("Poller started for %d tenant(s)", len(p.loops))

	done := p.done
	go func() {
		if err := g.Wait(); err != nil {
			p.logger.Errorf("Poller stopped with error: %v", err)
		}
		for _, l := range p.loops {
			l.pool.Wait()
		}
		close(done)
	}()
	return nil
}

// Stop cancels the loops and waits for in-flight jobs, or for ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	done := p.done
	p.running = false
	p.mu.Unlock()

	select {
	case <-done:
		p.logger.Infof("Poller stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight jobs")
	}
}

// Tick claims and runs at most one job for tenant, synchronously. It
// reports whether a job was processed.
func (p *Poller) Tick(ctx context.Context, tenant string) (bool, error) {
	l, ok := p.byName[tenant]
	if !ok {
		return false, fmt.Errorf("unknown tenant %q", tenant)
	}
	job, err := l.tenant.Jobs.ClaimNext(ctx)
	if err != nil {
		return false, errors.Wrapf(err, "claim for tenant %s", tenant)
	}
	if job == nil {
		return false, nil
	}
	return true, l.executor.ProcessJob(ctx, *job)
}

// Drain ticks every tenant until none has an eligible job left and returns
// how many jobs ran. Store errors are logged per tenant and skipped.
func (p *Poller) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		progressed := false
		for _, l := range p.loops {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			ran, err := p.Tick(ctx, l.tenant.Name)
			if err != nil {
				l.tenant.Logger.Errorf("Tenant %s: %v", l.tenant.Name, err)
			}
			if ran {
				total++
				progressed = true
			}
		}
		if !progressed {
			return total, nil
		}
	}
}

type tenantLoop struct {
	tenant   Tenant
	cfg      PollerConfig
	executor *Executor
	pool     *WorkerPool
	limiter  *rate.Limiter
}

// run is the claim loop. Errors never end it; only ctx does.
func (l *tenantLoop) run(ctx context.Context) error {
	log := l.tenant.Logger
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil
		}
		if !l.pool.Acquire(ctx) {
			return nil
		}
		job, err := l.tenant.Jobs.ClaimNext(ctx)
		if err != nil {
			l.pool.Release()
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("Tenant %s: claim failed: %v", l.tenant.Name, err)
			if !sleep(ctx, l.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if job == nil {
			l.pool.Release()
			if !sleep(ctx, l.cfg.PollInterval) {
				return nil
			}
			continue
		}
		l.dispatch(ctx, *job)
	}
}

// dispatch runs job without blocking the next claim. The job keeps running
// if the poller is stopped so its outcome is recorded.
func (l *tenantLoop) dispatch(ctx context.Context, job models.Job) {
	jobCtx := context.WithoutCancel(ctx)
	l.pool.Go(func() {
		if err := l.executor.ProcessJob(jobCtx, job); err != nil {
			l.tenant.Logger.Errorf("Tenant %s: job %s: %v", l.tenant.Name, job.ID, err)
		}
	})
}

func (l *tenantLoop) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.tenant.Jobs.ReclaimStale(ctx, l.cfg.StaleAfter)
			if err != nil {
				if ctx.Err() == nil {
					l.tenant.Logger.Errorf("Tenant %s: reclaim stale jobs: %v", l.tenant.Name, err)
				}
				continue
			}
			if n > 0 {
				l.tenant.Logger.Infof("Tenant %s: reclaimed %d stale job(s)", l.tenant.Name, n)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
