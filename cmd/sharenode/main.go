// Command sharenode runs one SHARE node: it loads its structural schema,
// constructs the UpdateEngine, and brings up the upstream client,
// downstream server, and local snapshot store around it (spec.md §3
// Lifecycle, §7 "fatal at startup" on configuration error).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/race-share/share/internal/api"
	"github.com/race-share/share/internal/bootstrap"
	"github.com/race-share/share/internal/clock"
	"github.com/race-share/share/internal/config"
	"github.com/race-share/share/internal/downstream"
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/metrics"
	"github.com/race-share/share/internal/model"
	"github.com/race-share/share/internal/store"
	"github.com/race-share/share/internal/upstream"
)

// apiMaxBodyBytes caps request bodies accepted by the operator control API
// (SPEC_FULL.md §5); sim-mode requests are a handful of bytes, so this is
// generous headroom rather than a tuned limit.
const apiMaxBodyBytes = 1 << 20

func main() {
	if err := run(); err != nil {
		log.Fatalf("[bootstrap] %v", err)
	}
}

type shareApp struct {
	envCfg       *config.EnvConfig
	runtimeCfg   *atomic.Pointer[config.RuntimeConfig]
	eng          *engine.UpdateEngine
	upClient     *upstream.Client
	downSrv      *http.Server
	apiSrv       *api.Server
	metrics      *metrics.Manager
	store        *store.Store
	storeDB      *storeCloser
	flush        *store.FlushWorker
	audit        *downstream.ReachabilityAuditor
	cancelEngine context.CancelFunc
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	app, err := newShareApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime error: %w", runtimeErr)
	}
	return nil
}

type storeCloser struct{ close func() error }

func newShareApp(envCfg *config.EnvConfig) (*shareApp, error) {
	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(defaultRuntimeConfig(envCfg))

	nodeList, err := bootstrap.LoadNodeList(envCfg.NodeListFile)
	if err != nil {
		return nil, err
	}
	schema, graph, err := bootstrap.LoadSchema(envCfg.ColumnListFile, envCfg.RowListFile, runtimeCfg.Load().ASTCacheSize)
	if err != nil {
		return nil, err
	}

	node := model.NewNode(nodeList, schema, clock.NewWall())
	eng := engine.New(node, graph)

	snapStore, closeDB, err := openSnapshotStore(envCfg)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	store.Subscribe(eng, snapStore)
	if restored, err := snapStore.LoadAll(); err != nil {
		log.Printf("[store] warm-start from cache failed, starting empty: %v", err)
	} else {
		applyRestoredSnapshot(eng, restored)
	}

	upClient := upstream.New(envCfg.UpstreamURI, time.Duration(runtimeCfg.Load().UpstreamTickInterval), upstream.DefaultDialer, eng)
	downServer := downstream.New(eng)
	downSrv := buildDownstreamServer(envCfg, downServer)

	metricsManager := metrics.NewManager()
	metricsManager.Subscribe(eng)
	upClient.SetMetrics(metricsManager)
	downServer.SetMetrics(metricsManager)

	apiSrv := api.NewServer(envCfg.APIListenPort, envCfg.AdminToken, eng, metricsManager, apiMaxBodyBytes, runtimeCfg.Load().SimMode)

	var auditor *downstream.ReachabilityAuditor
	if cronExpr := runtimeCfg.Load().ReachabilityAuditCron; cronExpr != "" {
		auditor, err = downstream.StartReachabilityAudit(downServer, cronExpr)
		if err != nil {
			return nil, fmt.Errorf("reachability audit cron %q: %w", cronExpr, err)
		}
	}

	app := &shareApp{
		envCfg:     envCfg,
		runtimeCfg: runtimeCfg,
		eng:        eng,
		upClient:   upClient,
		downSrv:    downSrv,
		apiSrv:     apiSrv,
		metrics:    metricsManager,
		store:      snapStore,
		storeDB:    &storeCloser{close: closeDB},
		flush:      store.NewFlushWorker(snapStore, eng.Snapshot, 256, 5*time.Second, 1*time.Second),
		audit:      auditor,
	}
	app.flush.Start()
	log.Printf("[bootstrap] node %q ready (downstream %s:%d)", nodeList.Self.ID, envCfg.DownstreamListenAddress, envCfg.DownstreamListenPort)
	return app, nil
}

func defaultRuntimeConfig(env *config.EnvConfig) *config.RuntimeConfig {
	cfg := config.NewDefaultRuntimeConfig()
	cfg.UpstreamTickInterval = config.Duration(env.UpstreamTickInterval)
	cfg.SimMode = env.SimMode
	return cfg
}

func openSnapshotStore(env *config.EnvConfig) (*store.Store, func() error, error) {
	if err := os.MkdirAll(env.CacheDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("cache dir: %w", err)
	}
	db, err := store.Open(filepath.Join(env.CacheDir, "snapshot.db"))
	if err != nil {
		return nil, nil, err
	}
	return store.New(db), db.Close, nil
}

// applyRestoredSnapshot seeds the engine's initial Node with cached values
// ahead of any upstream/downstream resync (spec.md §7: the cache is a
// warm-start optimization, never authoritative, so a restore failure here
// is logged, not fatal).
func applyRestoredSnapshot(eng *engine.UpdateEngine, restored map[string][]model.CellPair) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	selfID := eng.Snapshot().NodeList.Self.ID
	for colID, pairs := range restored {
		if _, err := eng.ApplyChange(ctx, engine.ChangeRequest{SourceNodeID: selfID, ColumnID: colID, Pairs: pairs}); err != nil {
			log.Printf("[bootstrap] restore column %s: %v", colID, err)
		}
	}
}

func buildDownstreamServer(env *config.EnvConfig, srv *downstream.Server) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", srv)
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", env.DownstreamListenAddress, env.DownstreamListenPort),
		Handler: mux,
	}
}

// startServers launches every long-running loop and reports the first
// terminal error on the returned channel (grounded on the teacher's
// resinApp.startServers: a single buffered error channel fed by best-effort
// non-blocking sends, so a second failure after shutdown has begun never
// blocks its goroutine).
func (a *shareApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	report := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelEngine = cancel

	go func() { a.eng.Run(ctx) }()
	go func() { a.upClient.Run(ctx) }()
	go func() {
		log.Printf("[downstream] listening on %s", a.downSrv.Addr)
		report("downstream server", a.downSrv.ListenAndServe())
	}()
	go func() {
		log.Printf("[api] listening on :%d", a.envCfg.APIListenPort)
		report("api server", a.apiSrv.ListenAndServe())
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[bootstrap] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[bootstrap] runtime error, shutting down: %v", err)
		return err
	}
}

func (a *shareApp) shutdown(ctx context.Context) {
	if err := a.downSrv.Shutdown(ctx); err != nil {
		log.Printf("[downstream] shutdown error: %v", err)
	}
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown error: %v", err)
	}
	if a.cancelEngine != nil {
		a.cancelEngine()
	}
	if a.audit != nil {
		a.audit.Stop()
	}
	a.flush.Stop()
	if err := a.storeDB.close(); err != nil {
		log.Printf("[store] close error: %v", err)
	}
	log.Println("[bootstrap] node stopped")
}
