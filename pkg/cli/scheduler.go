package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/eventbus"
	eventfactory "github.com/nimburion/leasecoord/pkg/eventbus/factory"
	"github.com/nimburion/leasecoord/pkg/health"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/observability/metrics"
	"github.com/nimburion/leasecoord/pkg/observability/tracing"
	"github.com/nimburion/leasecoord/pkg/scheduler"
	"github.com/nimburion/leasecoord/pkg/scheduler/factory"
	"github.com/nimburion/leasecoord/pkg/server"
	"github.com/nimburion/leasecoord/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	eventsHealthCheckName = "lease-events"
	// releaseTimeout bounds the lease release of a one-off tick when no store timeout is set.
	releaseTimeout = 5 * time.Second
)

// runScheduler runs the runtime and, when enabled, the management server until
// SIGINT/SIGTERM or until either of them fails.
func runScheduler(ctx context.Context, opts CommandOptions, cfg *config.Config, log logger.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := version.Current(cfg.Service.Name)
	tp, err := tracing.NewTracerProvider(ctx, tracerConfig(cfg, info))
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	publisher, err := eventfactory.NewLeasePublisher(ctx, cfg.Events, log)
	if err != nil {
		return fmt.Errorf("create lease event publisher: %w", err)
	}
	defer closePublisher(publisher, log)

	coordinatorOpts := []scheduler.CoordinatorOption{scheduler.WithTracer(tp.Tracer("leasecoord/scheduler"))}
	if publisher != nil {
		coordinatorOpts = append(coordinatorOpts, scheduler.WithEventSink(publisher))
	}
	store, runtime, err := buildRuntime(opts, cfg, log, coordinatorOpts...)
	if err != nil {
		return err
	}
	defer closeStore(store, log)

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(scheduler.NewStoreHealthChecker("", store, cfg.Store.OperationTimeout))
	healthRegistry.Register(scheduler.NewRuntimeHealthChecker("", runtime))
	if publisher != nil {
		healthRegistry.Register(health.NewAdapterChecker(eventsHealthCheckName, publisher, cfg.Events.PublishTimeout))
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Management.Enabled {
		collectors := append(scheduler.Collectors(), eventbus.Collectors()...)
		metricsRegistry, err := metrics.NewRegistry(collectors...)
		if err != nil {
			return fmt.Errorf("create metrics registry: %w", err)
		}
		mgmt, err := server.NewManagementServer(cfg.Management, log, healthRegistry, metricsRegistry, runtime, info)
		if err != nil {
			return fmt.Errorf("create management server: %w", err)
		}
		g.Go(func() error { return mgmt.Start(gctx) })
	}
	g.Go(func() error { return runtime.Start(gctx) })

	log.Info("leasecoord started",
		"service", cfg.Service.Name,
		"version", info.Version,
		"store", cfg.Store.Type,
		"events", publisher != nil,
		"tasks", strings.Join(runtime.Tasks(), ","),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("leasecoord stopped")
	return nil
}

// tickOnce runs a single lease round of task without starting the task loops.
func tickOnce(ctx context.Context, opts CommandOptions, cfg *config.Config, log logger.Logger, task string) (scheduler.TickOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	publisher, err := eventfactory.NewLeasePublisher(ctx, cfg.Events, log)
	if err != nil {
		return scheduler.TickSkipped, fmt.Errorf("create lease event publisher: %w", err)
	}
	defer closePublisher(publisher, log)

	var coordinatorOpts []scheduler.CoordinatorOption
	if publisher != nil {
		coordinatorOpts = append(coordinatorOpts, scheduler.WithEventSink(publisher))
	}
	store, runtime, err := buildRuntime(opts, cfg, log, coordinatorOpts...)
	if err != nil {
		return scheduler.TickSkipped, err
	}
	defer closeStore(store, log)

	outcome, tickErr := runtime.Trigger(ctx, task)
	// A one-off tick must not leave its lease behind: other nodes would see it as
	// held until it is reaped.
	timeout := cfg.Store.OperationTimeout
	if timeout <= 0 {
		timeout = releaseTimeout
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := runtime.Close(closeCtx); err != nil {
		return outcome, errors.Join(tickErr, fmt.Errorf("release lease: %w", err))
	}
	return outcome, tickErr
}

func buildRuntime(opts CommandOptions, cfg *config.Config, log logger.Logger, coordinatorOpts ...scheduler.CoordinatorOption) (scheduler.LeaseStore, *scheduler.Runtime, error) {
	store, err := opts.NewLeaseStore(cfg.Store, log)
	if err != nil {
		return nil, nil, err
	}
	runtime, err := factory.NewRuntime(cfg, store, log, coordinatorOpts...)
	if err != nil {
		closeStore(store, log)
		return nil, nil, fmt.Errorf("create scheduler runtime: %w", err)
	}
	if err := opts.ConfigureScheduler(cfg, log, runtime); err != nil {
		closeStore(store, log)
		return nil, nil, fmt.Errorf("configure scheduler: %w", err)
	}
	return store, runtime, nil
}

func closeStore(store scheduler.LeaseStore, log logger.Logger) {
	if err := store.Close(); err != nil {
		log.Warn("lease store close failed", "error", err)
	}
}

func closePublisher(publisher *eventbus.LeasePublisher, log logger.Logger) {
	if publisher == nil {
		return
	}
	if err := publisher.Close(); err != nil {
		log.Warn("lease event publisher close failed", "error", err)
	}
}

func tracerConfig(cfg *config.Config, info version.Info) tracing.TracerConfig {
	return tracing.TracerConfig{
		Enabled:        cfg.Observability.Tracing.Enabled,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	}
}

// checkDependencies prints the lease store and event broker checks and fails
// unless all of them are healthy.
func checkDependencies(ctx context.Context, opts CommandOptions, cfg *config.Config, log logger.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := opts.NewLeaseStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore(store, log)

	registry := health.NewRegistry()
	registry.Register(scheduler.NewStoreHealthChecker("", store, cfg.Store.OperationTimeout))

	publisher, err := eventfactory.NewLeasePublisher(ctx, cfg.Events, log)
	if err != nil {
		return fmt.Errorf("create lease event publisher: %w", err)
	}
	if publisher != nil {
		defer closePublisher(publisher, log)
		registry.Register(health.NewAdapterChecker(eventsHealthCheckName, publisher, cfg.Events.PublishTimeout))
	}
	result := registry.Check(ctx)
	for _, check := range result.Checks {
		line := fmt.Sprintf("%-24s %s", check.Name, check.Status)
		if check.Error != "" {
			line += " (" + check.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	if !result.IsHealthy() {
		return fmt.Errorf("dependencies are %s", result.Status)
	}
	return nil
}

func newLeasesCommand(opts CommandOptions, loadConfig func(*pflag.FlagSet) (*config.Config, logger.Logger, error)) *cobra.Command {
	leasesCmd := &cobra.Command{
		Use:   "leases",
		Short: "Inspect and release scheduler leases",
	}
	SetCommandPolicies(leasesCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})

	var (
		tasks  []string
		output string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the leases of configured tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := opts.NewLeaseStore(cfg.Store, log)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			names := resolveTaskNames(tasks, cfg.Scheduler)
			if len(names) == 0 {
				return fmt.Errorf("no task given: use --task or configure scheduler.jobs")
			}
			views := map[string][]scheduler.LeaseView{}
			now := time.Now().UTC()
			for _, name := range names {
				settings := cfg.Scheduler.Job(name)
				timeout := time.Duration(settings.HealthCheckTimeSec) * time.Second
				leases, err := scheduler.ListLeases(cmd.Context(), store, name, timeout, now)
				if err != nil {
					return fmt.Errorf("list leases of %q: %w", name, err)
				}
				views[name] = leases
			}
			return printLeases(cmd.OutOrStdout(), output, names, views)
		},
	}
	listCmd.Flags().StringSliceVar(&tasks, "task", nil, "task name (repeatable, defaults to every configured job)")
	listCmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")
	leasesCmd.AddCommand(listCmd)

	releaseCmd := &cobra.Command{
		Use:   "release <lease-id>",
		Short: "Delete a lease so another node can take over its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := opts.NewLeaseStore(cfg.Store, log)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			released, err := scheduler.ReleaseLease(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			log.Warn("lease released by operator", "lease_id", released.ID, "state", released.State)
			fmt.Fprintf(cmd.OutOrStdout(), "released %s (%s)\n", released.ID, released.State)
			return nil
		},
	}
	leasesCmd.AddCommand(releaseCmd)
	return leasesCmd
}

func resolveTaskNames(flagTasks []string, cfg config.SchedulerConfig) []string {
	names := make([]string, 0, len(flagTasks))
	for _, task := range flagTasks {
		if trimmed := strings.TrimSpace(task); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) > 0 {
		return names
	}
	return cfg.JobNames()
}

func printLeases(out io.Writer, format string, names []string, views map[string][]scheduler.LeaseView) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(out, views)
	case "yaml":
		return writeYAML(out, views)
	case "", "table":
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tID\tSTATE\tHEARTBEAT AGE\tSTALE")
	for _, name := range names {
		for _, view := range views[name] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", name, view.ID, view.State, view.Age, view.Stale)
		}
	}
	return tw.Flush()
}
