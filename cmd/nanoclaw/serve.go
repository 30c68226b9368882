package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nanoclaw/internal/channel"
	"nanoclaw/internal/config"
	"nanoclaw/internal/container"
	"nanoclaw/internal/ipc"
	"nanoclaw/internal/logging"
	"nanoclaw/internal/orchestrator"
	"nanoclaw/internal/queue"
	"nanoclaw/internal/scheduler"
	"nanoclaw/internal/store"
	"nanoclaw/internal/supervisor"
)

const supervisorInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewComponentLogger("serve")

	st, err := store.Open(ctx, cfg.DBPath, logging.NewComponentLogger("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	driver := container.NewCLIDriver(cfg.ContainerRuntime, cfg.ContainerNamePrefix, logging.NewComponentLogger("container"))
	if err := driver.EnsureRuntimeRunning(ctx); err != nil {
		return fmt.Errorf("container runtime check: %w", err)
	}
	if err := driver.CleanupOrphans(ctx); err != nil {
		logger.Warn("orphan cleanup: %v", err)
	}

	if err := seedCoreLanes(ctx, st, cfg); err != nil {
		return err
	}

	router := channel.NewRouter(channel.NewSynthetic(st, cfg.AssistantName, logging.NewComponentLogger("channel")), nil)
	if err := router.Connect(ctx); err != nil {
		return err
	}
	defer router.Disconnect()

	q := queue.New(int64(cfg.MaxConcurrentContainers), cfg.WorkerGroupPrefix, logging.NewComponentLogger("queue"))
	orch := orchestrator.New(cfg, st, q, driver, router, logging.NewComponentLogger("orchestrator"))

	sched := scheduler.New(st, router, logging.NewComponentLogger("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	watcher, err := ipc.NewWatcher(ipc.Options{
		Root:         cfg.IPCRoot,
		PollInterval: cfg.IPCPollInterval,
		Lanes: ipc.Lanes{
			MainFolder:    cfg.MainGroupFolder,
			PlannerFolder: cfg.PlannerGroupFolder,
			WorkerPrefix:  cfg.WorkerGroupPrefix,
		},
		Store:         st,
		Sender:        router,
		Tasks:         sched,
		RefreshGroups: orch.RefreshGroups,
		Logger:        logging.NewComponentLogger("ipc"),
	})
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	sup := supervisor.New(st, driver, supervisor.Config{
		HardTimeout:              cfg.HardTimeout,
		NoContainerGrace:         cfg.NoContainerGrace,
		QueuedCursorGrace:        cfg.QueuedCursorGrace,
		RepairHandoffGrace:       cfg.RepairHandoffGrace,
		LeaseTTL:                 cfg.LeaseTTL,
		RestartSuppressionWindow: cfg.RestartSuppressionWindow,
		OwnerID:                  fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		ContainerNamePrefix:      cfg.ContainerNamePrefix,
		ProcessStartAt:           time.Now(),
	}, orch.CursorTimestamp, logging.NewComponentLogger("supervisor"))
	orch.SetWatchdog(sup.Reconcile)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return sup.RunPeriodic(ctx, supervisorInterval) })
	g.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		q.Shutdown(cfg.ShutdownDrainTimeout)
		return nil
	})

	logger.Info("nanoclaw serving: metrics on %s, ipc root %s", cfg.MetricsAddr, cfg.IPCRoot)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedCoreLanes registers the main and planner lanes on first boot so the
// system is usable before any explicit lane registration.
func seedCoreLanes(ctx context.Context, st *store.Store, cfg config.Config) error {
	lanes := []store.RegisteredGroup{
		{JID: cfg.MainGroupFolder + channel.SyntheticDomain, Folder: cfg.MainGroupFolder, Name: "Main"},
		{JID: cfg.PlannerGroupFolder + channel.SyntheticDomain, Folder: cfg.PlannerGroupFolder, Name: "Planner"},
	}
	for _, lane := range lanes {
		if _, err := st.GetGroupByFolder(ctx, lane.Folder); err == nil {
			continue
		}
		if err := st.UpsertGroup(ctx, lane); err != nil {
			return fmt.Errorf("seed lane %s: %w", lane.Folder, err)
		}
		if err := ipc.EnsureLaneDirs(cfg.IPCRoot, lane.Folder); err != nil {
			return fmt.Errorf("lane dirs %s: %w", lane.Folder, err)
		}
	}
	return nil
}
