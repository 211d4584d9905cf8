package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/reql/internal/config"
	"github.com/kartikbazzad/reql/internal/logger"
	"github.com/kartikbazzad/reql/internal/metrics"
	"github.com/kartikbazzad/reql/internal/server"
	"github.com/kartikbazzad/reql/internal/storage"
	"github.com/kartikbazzad/reql/internal/wire"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file (optional)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dataPath := flag.String("data", "", "SQLite database file, or :memory: (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (enables metrics)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, "REQL")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataPath != "" {
		cfg.Server.DataPath = *dataPath
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
	}
	if *debugMode {
		cfg.Log.Level = "DEBUG"
	}

	logr := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	logr.Info("starting reqld", "addr", cfg.Server.Addr, "data", cfg.Server.DataPath)

	def, err := wire.Lookup(cfg.Server.Protocol)
	if err != nil {
		log.Fatalf("Invalid protocol: %v", err)
	}

	catalog, err := storage.Open(cfg.Server.DataPath, logr)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer catalog.Close()

	var serverMetrics *metrics.Server
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		serverMetrics = metrics.NewServer(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logr.Error("metrics server failed", "error", err)
			}
		}()
		logr.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	srv, err := server.New(catalog, server.Options{
		Addr:            cfg.Server.Addr,
		Definition:      def,
		MaxConnections:  cfg.Server.MaxConnections,
		EvalWorkers:     cfg.Server.EvalWorkers,
		MaxFrameSize:    cfg.Server.MaxFrameSize,
		DefaultDB:       cfg.Server.DefaultDB,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logr,
		Metrics:         serverMetrics,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logr.Info("shutting down")

	if err := srv.Stop(); err != nil {
		logr.Error("error during shutdown", "error", err)
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		metricsSrv.Shutdown(ctx)
		cancel()
	}

	logr.Info("reqld stopped")
}
