// Command vfsd is the VFS daemon: it loads configuration, opens the
// repository, rehydrates one syncer per persisted syncMetadata mount,
// and serves the HTTP surface until signaled to stop.
/*
 * Flag-or-env config directory, a log-flush loop on a ticker, a
 * signal handler that cancels a shared context, and a single blocking
 * server.ListenAndServe() call.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knowdisk/vfscore/cmn/config"
	"github.com/knowdisk/vfscore/cmn/nlog"
	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/httpapi"
	"github.com/knowdisk/vfscore/metrics"
	"github.com/knowdisk/vfscore/provider"
	"github.com/knowdisk/vfscore/provider/registry"
	"github.com/knowdisk/vfscore/repo"
	"github.com/knowdisk/vfscore/syncer"
	"github.com/knowdisk/vfscore/syncer/scheduler"
	"github.com/knowdisk/vfscore/vfs"
)

var confDir string

func init() {
	flag.StringVar(&confDir, "config", "", "directory holding vfsd.json (defaults to "+config.EnvConfDir+")")
}

func logFlush() {
	for {
		time.Sleep(time.Minute)
		nlog.Flush()
	}
}

func installSignalHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
}

// daemon bundles every running mount's syncer, keyed by mountId, so
// shutdown can stop its watchers before the process exits.
type daemon struct {
	repo      *repo.Repository
	registry  *provider.Registry
	svc       *vfs.Service
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	syncers   map[string]*syncer.Syncer
}

func (d *daemon) reconcileMount(ctx context.Context, mountID string) error {
	sy, ok := d.syncers[mountID]
	if !ok {
		return fmt.Errorf("reconcile requested for unknown mount %q", mountID)
	}
	return sy.FullSync(ctx)
}

func (d *daemon) runJob(ctx context.Context, jobType, mountID, _ string) error {
	switch jobType {
	case "reconcile":
		return d.reconcileMount(ctx, mountID)
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}
}

// startMount builds and starts a syncer for an already-persisted
// mount, registering its periodic reconcile with the scheduler.
func (d *daemon) startMount(ctx context.Context, cfg *config.Config, mc node.MountConfig) error {
	adapter, err := d.registry.Get(mc.MountID, mc.ProviderType, mc.ProviderExtra)
	if err != nil {
		return fmt.Errorf("mount %q: %w", mc.MountID, err)
	}
	sy := syncer.New(mc.MountID, d.repo, adapter, cfg.ContentRootParent, mc.SyncContent)
	sy.SetMetrics(d.metrics)
	d.syncers[mc.MountID] = sy

	if err := sy.FullSync(ctx); err != nil {
		nlog.Warningf("vfsd: initial sync of mount %q failed: %v", mc.MountID, err)
	}
	if err := sy.StartWatching(ctx); err != nil {
		nlog.Warningf("vfsd: start watching mount %q failed: %v", mc.MountID, err)
	}

	interval := mc.ReconcileIntervalMs
	if interval <= 0 {
		interval = cfg.DefaultReconcileIntervalMs
	}
	d.scheduler.RegisterMountReconcile(mc.MountID, interval)
	return nil
}

func run() error {
	if confDir == "" {
		confDir = os.Getenv(config.EnvConfDir)
	}
	cfg, err := config.Load(confDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nlog.SetMinSeverity(cfg.LogLevel)

	r, err := repo.Open(cfg.SqliteDSN)
	if err != nil {
		return fmt.Errorf("open repository %q: %w", cfg.SqliteDSN, err)
	}
	defer r.Close()

	metricsHandler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
	mx := metrics.New(prometheus.DefaultRegisterer)
	providerRegistry := registry.NewDefault()

	svc := vfs.New(r, providerRegistry)
	svc.SetMetrics(mx)

	d := &daemon{repo: r, registry: providerRegistry, svc: svc, metrics: mx, syncers: map[string]*syncer.Syncer{}}
	d.scheduler = scheduler.New(d.runJob, d.reconcileMount, cfg.DebounceMs, cfg.BackoffMsSteps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	mounts, err := r.ListMountExt(ctx)
	if err != nil {
		return fmt.Errorf("list existing mounts: %w", err)
	}
	for _, mc := range mounts {
		if !mc.SyncMetadata {
			continue // remote-authoritative mounts are served on demand, not background-synced
		}
		if err := d.startMount(ctx, cfg, mc); err != nil {
			nlog.Warningf("vfsd: %v", err)
		}
	}

	go logFlush()
	go d.scheduler.Run(ctx, time.Second)

	topMux := http.NewServeMux()
	topMux.Handle("/metrics", metricsHandler)
	topMux.Handle("/", httpapi.NewServer(svc))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: topMux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		for mountID, sy := range d.syncers {
			if err := sy.StopWatching(); err != nil {
				nlog.Warningf("vfsd: stop watching mount %q: %v", mountID, err)
			}
		}
	}()

	nlog.Infof("vfsd listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		nlog.Errorf("vfsd: %v", err)
		os.Exit(1)
	}
}
