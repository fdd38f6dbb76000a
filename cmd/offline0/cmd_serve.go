package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offline0/internal/offline"
	"offline0/internal/sitemap"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline cache proxy",
	Long: `
The "serve" command deploys the configured cache version (install, then
activate) and proxies every request to the origin through it.

A generation of the configured version left complete in storage by an
earlier run is served right away. Otherwise, while the first install is still
running, requests pass straight through to the origin. A failed install is retried with backoff; the previously active
version keeps serving meanwhile.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdServe)
}

func runServe(ctx context.Context) error {
	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	log, err := offline.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	storage, err := offline.OpenStorage(cfg.Cache)
	if err != nil {
		return errors.Wrap(err, "open cache storage")
	}
	defer storage.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := offline.NewMetrics(reg)

	rt, err := offline.NewRuntime(offline.RuntimeOptions{
		Origin:  cfg.Server.Origin,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.StartStatsLoop(cfg.Logging.StatsEvery())

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.Sitemap.Enabled {
		catalog, err := sitemap.OpenSQLiteCatalog(ctx, cfg.Sitemap.Database)
		if err != nil {
			return err
		}
		defer catalog.Close()
		router.Method(http.MethodGet, "/sitemap.xml", &sitemap.Generator{
			BaseURL:     cfg.Sitemap.BaseURL,
			StaticPages: cfg.Sitemap.StaticPages,
			Catalog:     catalog,
			Logger:      log.WithField("component", "sitemap"),
		})
	}
	router.Handle("/*", rt)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deploy := func(ctx context.Context, c offline.Config) error {
		w, err := offline.NewWorkerFromConfig(c, storage, rt)
		if err != nil {
			log.WithError(err).Error("update: cannot build worker")
			return err
		}
		if err := rt.DeployWithRetry(ctx, w, offline.UpdateBackOff(c.UpdateMaxElapsed())); err != nil {
			log.WithError(err).Error("update: giving up on version")
			return err
		}
		return nil
	}

	// Serve the persisted generation while the origin may still be down.
	if w, err := offline.NewWorkerFromConfig(cfg, storage, rt); err == nil {
		if _, err := rt.Restore(ctx, w); err != nil {
			log.WithError(err).Warn("update: cannot restore persisted generation")
		}
	}
	go func() { _ = deploy(ctx, cfg) }()

	if cfg.Update.Watch {
		go func() {
			err := offline.WatchConfig(ctx, configPath, cfg.Cache.Version, log, deploy)
			if err != nil {
				log.WithError(err).Error("config watch stopped")
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "origin": cfg.Server.Origin}).Info("offline0 listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
