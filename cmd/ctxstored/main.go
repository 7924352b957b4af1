// ctxstored is the task-context orchestration store daemon. It speaks
// Content-Length framed JSON-RPC (MCP) on stdin/stdout; logs go to
// stderr and the log file so the wire stays clean.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/ctxstore/internal/checkpoint"
	"github.com/basket/ctxstore/internal/config"
	"github.com/basket/ctxstore/internal/conflict"
	"github.com/basket/ctxstore/internal/graph"
	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/mirror"
	"github.com/basket/ctxstore/internal/orchestrator"
	otelPkg "github.com/basket/ctxstore/internal/otel"
	"github.com/basket/ctxstore/internal/recovery"
	"github.com/basket/ctxstore/internal/scheduler"
	"github.com/basket/ctxstore/internal/store"
	"github.com/basket/ctxstore/internal/syncer"
	"github.com/basket/ctxstore/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVE MODE (default):
  %s                          Speak framed JSON-RPC on stdin/stdout

ONCE MODE:
  %s -mode once -method <m> [-params <json>]
                              Run a single tool call and print the result

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CTXSTORE_HOME           Data directory (default: ~/.ctxstore)
  CTXSTORE_DB             SQLite database path override
  CTXSTORE_PROJECT_ID     Project scope for the global context
`)
}

func main() {
	mode := flag.String("mode", "serve", "execution mode: serve|once")
	method := flag.String("method", "", "method for once mode")
	params := flag.String("params", "{}", "JSON params for once mode")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "ctxstored %s  home=%s db=%s\n", Version, cfg.HomeDir, cfg.DBPath)
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	cache, err := hotcache.New(hotcache.Config{
		NumCounters: cfg.Cache.MaxEntries * 10,
		MaxCost:     cfg.Cache.MaxCostBytes,
		TTL:         cfg.CacheTTL(),
	})
	if err != nil {
		fatalStartup(logger, "E_CACHE_INIT", err)
	}
	defer cache.Close()

	fileMirror, err := mirror.New(cfg.MirrorDir)
	if err != nil {
		fatalStartup(logger, "E_MIRROR_INIT", err)
	}

	graphIdx := graph.New(st)
	if err := graphIdx.Rebuild(ctx); err != nil {
		// Reads degrade to direct store scans until the next rebuild.
		logger.Warn("initial graph build failed, marking index offline", "error", err)
		graphIdx.SetAvailable(false)
	}

	contextSyncer := syncer.New(st, cache, fileMirror, logger)
	conflicts := conflict.New(st, cache, logger)
	recoveryMgr := recovery.New(st, cfg.StaleTimeout(), logger)
	checkpoints := checkpoint.New(st, cache, fileMirror, logger)

	service, err := orchestrator.NewService(orchestrator.Deps{
		Store:       st,
		Cache:       cache,
		Mirror:      fileMirror,
		Graph:       graphIdx,
		Syncer:      contextSyncer,
		Conflicts:   conflicts,
		Recovery:    recoveryMgr,
		Checkpoints: checkpoints,
		ProjectID:   cfg.ProjectID,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}

	switch strings.ToLower(*mode) {
	case "once":
		runOnce(ctx, service, *method, *params)
		return
	case "serve":
	default:
		fmt.Fprintf(os.Stderr, "invalid mode: %s\n", *mode)
		os.Exit(2)
	}

	sched, err := scheduler.New(scheduler.Config{
		Checkpoints:          checkpoints,
		Recovery:             recoveryMgr,
		Graph:                graphIdx,
		ProjectID:            cfg.ProjectID,
		AutoCheckpointSpec:   cfg.Scheduler.AutoCheckpointSpec,
		SweepInterval:        cfg.SweepInterval(),
		GraphRebuildInterval: cfg.GraphRebuildInterval(),
		Logger:               logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, cfg.Fingerprint(), watcher, logger)
	}

	// Prime the cache and mirror before accepting requests.
	if _, err := contextSyncer.Sync(ctx, syncer.Options{
		SyncCache: true, SyncFiles: true, UpdateRegistry: true,
		ProjectID: cfg.ProjectID,
	}); err != nil {
		logger.Warn("startup sync failed", "error", err)
	}
	logger.Info("startup phase", "phase", "serving")

	runServe(ctx, service, logger)
}

// watchConfig logs when a reload would change restart-only settings.
// Runtime settings are deliberately not hot-swapped; the store and
// cache hold state that a silent re-open would corrupt.
func watchConfig(ctx context.Context, fingerprint string, watcher *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			reloaded, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if reloaded.Fingerprint() != fingerprint {
				logger.Warn("config changed on disk, restart to apply",
					"old_fingerprint", fingerprint, "new_fingerprint", reloaded.Fingerprint())
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
