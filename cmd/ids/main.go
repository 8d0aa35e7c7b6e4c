package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/alertstore"
	"github.com/invisible-tech/tiered-ids/internal/config"
	"github.com/invisible-tech/tiered-ids/internal/controller"
	"github.com/invisible-tech/tiered-ids/internal/detection"
	"github.com/invisible-tech/tiered-ids/internal/server"
	"github.com/invisible-tech/tiered-ids/internal/types"
	"github.com/invisible-tech/tiered-ids/internal/version"
	"github.com/invisible-tech/tiered-ids/pkg/forwarder"
	"github.com/invisible-tech/tiered-ids/pkg/handoff"
	"github.com/invisible-tech/tiered-ids/pkg/monitor"
	"github.com/invisible-tech/tiered-ids/pkg/tail"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Failed to load .env file")
	}
	level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	cfg := config.DefaultControllerConfig()
	log.WithFields(logrus.Fields{
		"version": version.Version,
		"handoff": cfg.Handoff.Mode,
		"domains": cfg.MonitorDomains,
	}).Info("Starting IDS daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det, err := detection.FromConfig(ctx, cfg.Detection, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up detection")
	}
	store, err := alertstore.Open(alertstore.Config{
		Capacity:     cfg.Detection.AlertCapacity,
		SnapshotPath: cfg.Detection.SnapshotPath,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open alert store")
	}
	ctrl := controller.New(controller.Config{}, det, store, log)

	var nc *nats.Conn
	if cfg.Handoff.Mode == config.HandoffNATS || cfg.PublishAlerts {
		nc, err = handoff.Connect(cfg.Handoff.NATSURL, "ids-daemon", log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer nc.Drain()
	}

	if cfg.ForwardEnabled {
		fwd := forwarder.NewClient(forwarder.Config{
			Endpoint: cfg.ForwardEndpoint,
			APIKey:   cfg.ForwardAPIKey,
			Timeout:  cfg.ForwardTimeout,
		}, log)
		ctrl.AddNotifier("forwarder", fwd)
		go func() {
			hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
			defer hcancel()
			if err := fwd.HealthCheck(hctx); err != nil {
				log.WithError(err).Warn("Alert forwarder health check failed, will retry on first alert")
			} else {
				log.Info("Alert forwarder connection verified")
			}
		}()
	}
	if cfg.PublishAlerts {
		ctrl.AddNotifier("nats", handoff.NewAlertPublisher(nc, log))
	}
	ctrl.Start(ctx)

	group := monitor.NewGroup(log)
	for _, name := range cfg.MonitorDomains {
		domain, err := types.ParseDomain(name)
		if err != nil {
			log.WithError(err).Fatal("Invalid MONITOR_DOMAINS entry")
		}
		m, err := monitor.New(monitor.Config{
			Domain:       domain,
			Tailer:       newTailer(cfg.Handoff, domain, nc, log),
			Detector:     det,
			Recorder:     ctrl,
			PollInterval: cfg.PollInterval,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create monitor")
		}
		group.Add(m)
	}
	group.Start(ctx)

	srv := server.New(cfg, ctrl, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("IDS server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during server shutdown")
	}
	if err := group.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during monitor shutdown")
	}
	log.Info("IDS daemon shutdown complete")
}

func newTailer(cfg config.HandoffConfig, domain types.Domain, nc *nats.Conn, log *logrus.Logger) tail.Tailer {
	if cfg.Mode == config.HandoffNATS {
		return handoff.NewLineTailer(nc, domain)
	}
	return tail.NewFileCursor(cfg.LogFile(string(domain)), log)
}
