package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Tryliate/Tryliate-sub001/internal/cache"
	"github.com/Tryliate/Tryliate-sub001/internal/config"
	internal_http "github.com/Tryliate/Tryliate-sub001/internal/http"
	"github.com/Tryliate/Tryliate-sub001/internal/log"
	internal_service "github.com/Tryliate/Tryliate-sub001/internal/service"
	internal_storage "github.com/Tryliate/Tryliate-sub001/internal/storage"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/service"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Option customizes the commands SetupCLI registers.
type Option func(*settings)

type settings struct {
	providers service.Providers
	openStore storeOpener
}

// WithProviders wires real backends behind the ai, tool and storage node
// types run by the worker.
func WithProviders(p service.Providers) Option {
	return func(s *settings) {
		s.providers = p
	}
}

func SetupCLI(rootCmd *cobra.Command, opts ...Option) {
	set := &settings{openStore: openPostgres}
	for _, opt := range opts {
		opt(set)
	}

	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides DATABASE_URL / DB_* env vars)")
	rootCmd.PersistentFlags().String("tenant", "", "Tenant to operate on (defaults to the first configured tenant)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll every tenant queue and execute jobs",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openTenants(ctx, cfg, cfg.Tenants, set.openStore)
			if err != nil {
				exitf("%v", err)
			}
			defer env.Close()
			if err := runWorker(ctx, cfg, env, set.providers); err != nil {
				exitf("worker failed: %v", err)
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for one tenant",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			withWorker, _ := cmd.Flags().GetBool("worker")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tenant := pickTenant(cmd, cfg)
			env, err := openTenants(ctx, cfg, []config.TenantDB{tenant}, set.openStore)
			if err != nil {
				exitf("%v", err)
			}
			defer env.Close()
			t := env.tenants[0]

			runs := service.NewRunService(t.Jobs, t.Workflows, t.Logger)
			defs := internal_service.NewDefinitionService(env.stores[0], env.invalidator(0))
			srv := internal_http.NewServer(runs, defs)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return internal_http.StartServer(gctx, cfg.HTTPPort, srv) })
			if withWorker {
				g.Go(func() error { return runWorker(gctx, cfg, env, set.providers) })
			}
			if err := g.Wait(); err != nil {
				exitf("server failed: %v", err)
			}
		},
	}
	serveCmd.Flags().Bool("worker", false, "Also run the poller in this process")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [workflow-id]",
		Short: "Start a run, or add a job to an existing run with --run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			nodeID, _ := cmd.Flags().GetString("node")
			rawPayload, _ := cmd.Flags().GetString("payload")
			delay, _ := cmd.Flags().GetDuration("delay")
			rawRun, _ := cmd.Flags().GetString("run")

			payload, err := parsePayload(rawPayload)
			if err != nil {
				exitf("invalid --payload: %v", err)
			}
			svc, closeFn := runService(cmd)
			defer closeFn()
			ctx := context.Background()

			if rawRun == "" {
				runID, jobID, err := svc.StartRun(ctx, args[0], nodeID, payload, delay)
				if err != nil {
					exitf("failed to start run: %v", err)
				}
				fmt.Fprintf(os.Stdout, "Started run %s (job %s)\n", runID, jobID)
				return
			}
			runID, err := uuid.Parse(rawRun)
			if err != nil {
				exitf("invalid --run: %v", err)
			}
			if nodeID == "" {
				exitf("--node is required with --run")
			}
			jobID, err := svc.Enqueue(ctx, runID, args[0], nodeID, payload, delay)
			if err != nil {
				exitf("failed to enqueue: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Enqueued job %s on run %s\n", jobID, runID)
		},
	}
	enqueueCmd.Flags().String("node", "", "Node to start from (defaults to the workflow's entry node)")
	enqueueCmd.Flags().String("payload", "", "JSON object passed to the first node")
	enqueueCmd.Flags().Duration("delay", 0, "Delay before the job becomes eligible")
	enqueueCmd.Flags().String("run", "", "Existing run id to add the job to")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the jobs of a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				exitf("invalid run id: %v", err)
			}
			svc, closeFn := runService(cmd)
			defer closeFn()
			summary, err := svc.RunStatus(context.Background(), runID)
			if err != nil {
				exitf("failed to get run status: %v", err)
			}
			printSummary(os.Stdout, summary)
		},
	}

	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}
	workflowCreateCmd := &cobra.Command{
		Use:   "create [file.json|-]",
		Short: "Create a workflow from a JSON definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wf, err := readWorkflow(args[0])
			if err != nil {
				exitf("failed to read workflow: %v", err)
			}
			store, closeFn := tenantStore(cmd)
			defer closeFn()
			id, err := internal_service.NewDefinitionService(store, nil).CreateWorkflow(context.Background(), wf)
			if err != nil {
				exitf("failed to create workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %s\n", wf.Name, id)
		},
	}
	workflowShowCmd := &cobra.Command{
		Use:   "show [workflow-id]",
		Short: "Print a workflow definition as JSON",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, closeFn := tenantStore(cmd)
			defer closeFn()
			wf, err := internal_service.NewDefinitionService(store, nil).GetWorkflow(context.Background(), args[0])
			if err != nil {
				exitf("%v", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(wf)
		},
	}
	workflowUpdateCmd := &cobra.Command{
		Use:   "update [workflow-id] [file.json|-]",
		Short: "Replace a workflow definition; running jobs use it from their next step",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			wf, err := readWorkflow(args[1])
			if err != nil {
				exitf("failed to read workflow: %v", err)
			}
			if wf.ID != "" && wf.ID != args[0] {
				exitf("definition id %q does not match %q", wf.ID, args[0])
			}
			wf.ID = args[0]
			ctx := context.Background()
			cfg := loadConfig(cmd)
			env, err := openTenants(ctx, cfg, []config.TenantDB{pickTenant(cmd, cfg)}, set.openStore)
			if err != nil {
				exitf("%v", err)
			}
			defer env.Close()
			defs := internal_service.NewDefinitionService(env.stores[0], env.invalidator(0))
			if err := defs.UpdateWorkflow(ctx, wf); err != nil {
				exitf("failed to update workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Updated workflow %s\n", wf.ID)
		},
	}
	workflowCmd.AddCommand(workflowCreateCmd, workflowShowCmd, workflowUpdateCmd)

	scheduleCmd := &cobra.Command{
		Use:   "schedule [workflow-id] [cron-expr]",
		Short: "Seed a new run on a cron schedule (requires pg_cron)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			nodeID, _ := cmd.Flags().GetString("node")
			rawPayload, _ := cmd.Flags().GetString("payload")
			payload, err := parsePayload(rawPayload)
			if err != nil {
				exitf("invalid --payload: %v", err)
			}
			svc, closeFn := runService(cmd)
			defer closeFn()
			if err := svc.Schedule(context.Background(), args[0], nodeID, args[1], payload); err != nil {
				exitf("failed to schedule: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Scheduled workflow %s: %s\n", args[0], args[1])
		},
	}
	scheduleCmd.Flags().String("node", "", "Node each run starts from (defaults to the entry node)")
	scheduleCmd.Flags().String("payload", "", "JSON object passed to every seeded run")

	unscheduleCmd := &cobra.Command{
		Use:   "unschedule [workflow-id]",
		Short: "Remove a workflow's recurring schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeFn := runService(cmd)
			defer closeFn()
			if err := svc.Unschedule(context.Background(), args[0]); err != nil {
				exitf("failed to unschedule: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Unscheduled workflow %s\n", args[0])
		},
	}

	rootCmd.AddCommand(workerCmd, serveCmd, enqueueCmd, statusCmd, workflowCmd, scheduleCmd, unscheduleCmd)
}

// storeOpener connects to one tenant database and prepares its schema.
type storeOpener func(ctx context.Context, dsn string, opts ...storage.Option) (storage.Store, error)

func openPostgres(ctx context.Context, dsn string, opts ...storage.Option) (storage.Store, error) {
	store, err := internal_storage.InitStore(ctx, dsn, opts...)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// tenantEnv holds the open connections of one process.
type tenantEnv struct {
	tenants []service.Tenant
	stores  []storage.Store
	caches  []*cache.DefinitionCache
	redis   *redis.Client
}

func (e *tenantEnv) invalidator(i int) internal_service.Invalidator {
	if e.caches[i] == nil {
		return nil
	}
	return e.caches[i]
}

func (e *tenantEnv) Close() {
	for _, s := range e.stores {
		if err := s.Close(); err != nil {
			log.GetLogger().Errorf("Failed to close store: %v", err)
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

// openTenants opens every tenant it can reach. An unreachable tenant is
// logged and skipped; it is an error only when none could be opened.
func openTenants(ctx context.Context, cfg config.Config, dbs []config.TenantDB, open storeOpener) (*tenantEnv, error) {
	if len(dbs) == 0 {
		return nil, errors.New("no database configured: set DATABASE_URL, DB_* or TENANT_DATABASES, or pass --db")
	}
	env := &tenantEnv{}
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.GetLogger().Errorf("Definition cache disabled: %v", err)
		} else {
			env.redis = client
		}
	}
	var failed []string
	for _, db := range dbs {
		logger := log.ForTenant(db.Name)
		store, err := open(ctx, db.DSN, cfg.StoreOptions()...)
		if err != nil {
			logger.Errorf("Skipping tenant %s: failed to initialize store: %v", db.Name, err)
			failed = append(failed, db.Name)
			continue
		}
		var reader storage.WorkflowReader = store
		var dc *cache.DefinitionCache
		if env.redis != nil {
			dc = cache.New(env.redis, store, cfg.CacheTTL, logger).WithPrefix("flowq:" + db.Name + ":workflow:")
			reader = dc
		}
		env.stores = append(env.stores, store)
		env.caches = append(env.caches, dc)
		env.tenants = append(env.tenants, service.Tenant{
			Name:      db.Name,
			Jobs:      store,
			Workflows: reader,
			Audit:     store,
			Logger:    logger,
		})
	}
	if len(env.tenants) == 0 {
		env.Close()
		return nil, errors.Errorf("failed to initialize any tenant store (%s)", strings.Join(failed, ", "))
	}
	return env, nil
}

func runWorker(ctx context.Context, cfg config.Config, env *tenantEnv, providers service.Providers) error {
	if missing := providers.Unconfigured(); len(missing) > 0 {
		log.GetLogger().Warnf("No provider configured for node types %s; ai and storage nodes without one fail, tool nodes run simulated",
			strings.Join(missing, ", "))
	}
	resolver := service.NewDefaultResolver(providers)
	poller, err := service.NewPoller(resolver, cfg.PollerConfig(), log.GetLogger(), env.tenants...)
	if err != nil {
		return err
	}
	if err := poller.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return poller.Stop(stopCtx)
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitf("invalid configuration: %v", err)
	}
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		exitf("error retrieving db flag: %v", err)
	}
	log.GetLogger().Debugf("Running %s with db: %s", cmd.Name(), dbConnStr)
	return cfg.WithDatabase(dbConnStr)
}

func pickTenant(cmd *cobra.Command, cfg config.Config) config.TenantDB {
	name, _ := cmd.Flags().GetString("tenant")
	if len(cfg.Tenants) == 0 {
		exitf("no database configured: set DATABASE_URL, DB_* or TENANT_DATABASES, or pass --db")
	}
	if name == "" {
		return cfg.Tenants[0]
	}
	for _, t := range cfg.Tenants {
		if t.Name == name {
			return t
		}
	}
	exitf("unknown tenant %q", name)
	return config.TenantDB{}
}

func tenantStore(cmd *cobra.Command) (*internal_storage.PostgresStore, func()) {
	cfg := loadConfig(cmd)
	tenant := pickTenant(cmd, cfg)
	store, err := internal_storage.InitStore(context.Background(), tenant.DSN, cfg.StoreOptions()...)
	if err != nil {
		exitf("failed to initialize store: %v", err)
	}
	return store, func() { _ = store.Close() }
}

func runService(cmd *cobra.Command) (*service.RunService, func()) {
	store, closeFn := tenantStore(cmd)
	return service.NewRunService(store, store, log.GetLogger()), closeFn
}

func parsePayload(raw string) (models.JSONMap, error) {
	if raw == "" {
		return nil, nil
	}
	var payload models.JSONMap
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readWorkflow(path string) (models.Workflow, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return models.Workflow{}, err
	}
	var wf models.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "decode workflow JSON")
	}
	return wf, nil
}

func printSummary(w io.Writer, summary models.RunSummary) {
	statuses := make([]string, 0, len(summary.Counts))
	for s := range summary.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintf(w, "Run %s:\n", summary.RunID)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", s, summary.Counts[models.JobStatus(s)])
	}
	fmt.Fprintf(w, "Jobs:\n")
	for _, j := range summary.Jobs {
		line := fmt.Sprintf("- %s node=%s status=%s attempts=%d/%d", j.ID, j.NodeID, j.Status, j.Attempts, j.MaxAttempts)
		if j.LastError != "" {
			line += fmt.Sprintf(" error=%q", j.LastError)
		}
		fmt.Fprintln(w, line)
	}
}

func exitf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.GetLogger().Error(msg)
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}
