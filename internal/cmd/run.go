// Package cmd wires the bridge's components together and runs the service:
// configuration, stores, the browser bridge, the stream processor, the HTTP
// server, the file watcher and the idle supervisor.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arenabridge/arenabridge/internal/api"
	"github.com/arenabridge/arenabridge/internal/api/handlers"
	"github.com/arenabridge/arenabridge/internal/bridge"
	"github.com/arenabridge/arenabridge/internal/browser"
	"github.com/arenabridge/arenabridge/internal/catalog"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/lifecycle"
	"github.com/arenabridge/arenabridge/internal/logging"
	"github.com/arenabridge/arenabridge/internal/relay"
	"github.com/arenabridge/arenabridge/internal/rotation"
	"github.com/arenabridge/arenabridge/internal/store"
	"github.com/arenabridge/arenabridge/internal/usage"
	"github.com/arenabridge/arenabridge/internal/watcher"
)

// Default state file locations, relative to the working directory.
const (
	modelsFile    = "models.json"
	endpointsFile = "model_endpoint_map.json"
	usageFile     = "usage.db"
)

// StartService builds the full service from a loaded configuration and blocks
// until a shutdown signal arrives.
func StartService(cfg *config.Config, configPath string) {
	if err := logging.ConfigureLogOutput(cfg.FileLogging); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	modelCatalog, err := catalog.Load(modelsFile)
	if err != nil {
		log.Fatalf("failed to load model catalog: %v", err)
	}

	pool, err := store.NewEndpointPool(endpointsFile)
	if err != nil {
		log.Fatalf("failed to load endpoint pool: %v", err)
	}

	registry, err := store.NewAPIKeyRegistry(cfg.APIKeysFile)
	if err != nil {
		log.Fatalf("failed to load API key registry: %v", err)
	}

	usageStore, err := usage.Open(usageFile)
	if err != nil {
		log.Fatalf("failed to open usage database: %v", err)
	}
	defer func() { _ = usageStore.Close() }()

	browserBridge := bridge.New()
	engine := rotation.NewEngine(pool, modelCatalog.Has)
	processor := &relay.Processor{
		Bridge:  browserBridge,
		Pool:    pool,
		Catalog: modelCatalog,
		Engine:  engine,
		Timeout: time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
	}
	supervisor := lifecycle.NewSupervisor(browserBridge, cfg.EnableIdleRestart, cfg.IdleTimeoutSeconds)

	base := &handlers.BaseHandler{
		Cfg:        cfg,
		ConfigPath: configPath,
		Pool:       pool,
		Registry:   registry,
		Catalog:    modelCatalog,
		Bridge:     browserBridge,
		Engine:     engine,
		Processor:  processor,
		Usage:      usageStore,
		Supervisor: supervisor,
	}
	apiServer := api.NewServer(base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fileWatcher, err := watcher.New()
	if err != nil {
		log.Errorf("failed to create the file watcher, hot reload disabled: %v", err)
	} else {
		watchTargets := map[string]watcher.Reloader{
			modelsFile:      modelCatalog,
			endpointsFile:   pool,
			cfg.APIKeysFile: registry,
		}
		for path, target := range watchTargets {
			if errWatch := fileWatcher.Watch(path, target); errWatch != nil {
				log.Errorf("failed to watch %s: %v", path, errWatch)
			}
		}
		fileWatcher.Start(ctx)
	}

	supervisor.Start(ctx)

	if cfg.AutoOpenBrowser {
		go func() {
			if errOpen := browser.OpenURL(cfg.ArenaURL); errOpen != nil {
				log.Warnf("could not open the arena page automatically: %v", errOpen)
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting the arena bridge API server on port %d", cfg.Port)
		log.Infof("websocket endpoint: ws://127.0.0.1:%d/ws", cfg.Port)
		serverErr <- apiServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-serverErr:
		if err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	case sig := <-sigChan:
		log.Infof("received signal %s, shutting down...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err = apiServer.Stop(shutdownCtx); err != nil {
			log.Errorf("error stopping the API server: %v", err)
		}
	}

	log.Info("cleanup completed, exiting")
}
