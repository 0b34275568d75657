package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yanun0323/logs"

	"main/internal/core"
	"main/internal/eventstore"
	"main/internal/httpapi"
	"main/internal/idem"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/policy"
	"main/internal/publish"
	"main/internal/router"
	"main/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("routerd: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := ops.Load()
	if err != nil {
		return err
	}

	if cfg.Profile.Address != "" {
		profiler, perr := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profile.Name,
			ServerAddress:   cfg.Profile.Address,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if perr != nil {
			return fmt.Errorf("start profiler: %w", perr)
		}
		defer func() { _ = profiler.Stop() }()
	}

	loaded, err := ops.LoadFile(cfg.App.ConfigFile)
	if err != nil {
		return fmt.Errorf("load %s: %w", cfg.App.ConfigFile, err)
	}

	store, err := eventstore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	var index idem.Index
	if cfg.Store.PostgresDSN != "" {
		client, cerr := conn.New(conn.Option{ConnString: cfg.Store.PostgresDSN})
		if cerr != nil {
			return fmt.Errorf("connect postgres: %w", cerr)
		}
		defer client.Close()
		if index, err = idem.NewPostgresIndex(client, idem.DefaultTTL); err != nil {
			return err
		}
	} else {
		index = idem.NewSQLiteIndex(store.DB(), idem.DefaultTTL)
	}

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	policyStore := policy.NewStore(loaded.Limits)
	rt := router.New(loaded.Registry)

	service := core.NewService(core.Config{
		Store:       store,
		Index:       index,
		Policy:      policyStore,
		Registry:    loaded.Registry,
		Router:      rt,
		Metrics:     metrics,
		SendTimeout: cfg.App.SendTimeout,
	})

	for _, account := range loaded.Accounts {
		service.Risk().SetAccount(account.ClientID, account.Balance)
	}

	// one paper connector per registry adapter; real broker connectors
	// register the same way
	for _, spec := range loaded.Registry.Adapters() {
		sim := router.NewSimAdapter(spec.Name, 50*time.Millisecond)
		sim.OnReport(core.SimReportSink(ctx, service))
		if rerr := rt.Register(sim); rerr != nil {
			return rerr
		}
	}

	if err := service.Rebuild(ctx); err != nil {
		return err
	}

	if len(cfg.Mirror.Brokers) > 0 {
		mirror := publish.NewPublisher(cfg.Mirror.Brokers, cfg.Mirror.Topic)
		defer mirror.Close()
		go mirror.Run(ctx, service.Subscribe())
	}

	go service.RunSweeper(ctx, cfg.App.SweepInterval)
	go ops.WatchLimits(ctx, cfg.App.ConfigFile, policyStore, cfg.App.ReloadEvery)
	go purgeLoop(ctx, index)

	handler := httpapi.NewHandler(service, policyStore, rt, loaded.Registry)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: handler.Engine(registry),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logs.Infof("%s listening on :%d", cfg.App.Name, cfg.App.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// purgeLoop expires idempotency entries in the background.
func purgeLoop(ctx context.Context, index idem.Index) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := index.PurgeExpired(ctx, now)
			if err != nil {
				logs.Errorf("purge idempotency entries, err: %+v", err)
			} else if purged > 0 {
				logs.Infof("purged %d expired idempotency entries", purged)
			}
		}
	}
}
