package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/exiv-ai/kernel/internal/audit"
	"github.com/exiv-ai/kernel/internal/capabilities"
	"github.com/exiv-ai/kernel/internal/config"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/evolution"
	"github.com/exiv-ai/kernel/internal/obs"
	"github.com/exiv-ai/kernel/internal/pluginmanager"
	"github.com/exiv-ai/kernel/internal/processor"
	"github.com/exiv-ai/kernel/internal/registry"
	"github.com/exiv-ai/kernel/internal/selfext"
	"github.com/exiv-ai/kernel/internal/storage"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	store := storage.New(cfg.Redis)
	defer store.Close()

	auditLog, err := audit.New(cfg.Audit, logger)
	if err != nil {
		logger.Fatal("audit init failed", obs.Err(err))
	}
	defer auditLog.Close()

	readyCheck := func(c context.Context) error { return store.Ping(c) }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	reg := registry.New(cfg.Dispatch.MaxCascadeDepth, cfg.Dispatch.PluginEventTimeout, cfg.Dispatch.FanoutSemaphore, logger)

	// The plugin manager's bridge forwarders feed into this channel
	// rather than directly into the processor's input queue, since the
	// processor can't be constructed until the manager (its
	// PermissionGranter) already exists. A relay goroutine below closes
	// the loop once both are built.
	managerOut := make(chan *events.EnvelopedEvent, cfg.Dispatch.BridgeQueueSize)

	capsFactory := pluginmanager.CapabilityFactory{
		Network:           capabilities.NewNetwork(cfg.Capabilities.AllowedNetworkHosts),
		FilesystemBase:    cfg.Capabilities.FilesystemBase,
		AllowedProcesses:  cfg.Capabilities.AllowedProcesses,
		ProcessMaxTimeout: cfg.Capabilities.ProcessMaxTimeout,
	}
	storeFactory := func(pluginID string) pluginmanager.DataStore { return store.Scoped(pluginID) }

	manager := pluginmanager.New(reg, capsFactory, cfg.Dispatch.BridgeQueueSize, cfg.Dispatch.BridgeSemaphore, managerOut, storeFactory, logger)

	sandbox := selfext.NewSandbox(cfg.Dispatch.PluginEventTimeout)
	manager.RegisterFactory(&selfext.Factory{Sandbox: sandbox, Log: logger})
	registrar := selfext.NewRegistrar(manager, sandbox, logger)

	proc := processor.New(cfg.Dispatch.InputQueueSize, cfg.Dispatch.BroadcastQueueSize, cfg.Dispatch.MaxHistorySize,
		time.Duration(cfg.Dispatch.EventRetentionHours)*time.Hour, reg, manager, logger)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-managerOut:
				if !ok {
					return
				}
				select {
				case proc.Input() <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	rows, err := loadActiveRows(filepath.Join(cfg.PluginDir, "agents.yaml"))
	if err != nil {
		logger.Fatal("failed to load bootstrap plugin table", obs.Err(err))
	}
	manager.Bootstrap(ctx, rows, nil)
	defer manager.Shutdown()

	evoStore := store.Scoped("core.evolution")
	evoEngine := evolution.New(evoStore, logger)
	collector := evolution.NewCollector(true, logger)

	obs.StartBacklogDepthUpdater(ctx, 2*time.Second, map[string]obs.DepthSampler{
		"processor.input":    func() int { return len(proc.Input()) },
		"processor.broadcast": func() int { return len(proc.Broadcast()) },
		"manager.bridge_out":  func() int { return len(managerOut) },
	}, logger)

	go proc.Run(ctx)
	go runBroadcastConsumer(ctx, proc, reg, manager, evoEngine, collector, registrar, auditLog, logger)

	logger.Info("kernel started", obs.String("version", version))
	<-ctx.Done()
	logger.Info("kernel stopped")
}
