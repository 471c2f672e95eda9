package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/config"
	"github.com/invisible-tech/sentinel-siem/internal/logging"
	"github.com/invisible-tech/sentinel-siem/internal/version"
	"github.com/invisible-tech/sentinel-siem/pkg/collector"
	"github.com/invisible-tech/sentinel-siem/pkg/monitor"
	"github.com/invisible-tech/sentinel-siem/pkg/netpolicy"
	"github.com/invisible-tech/sentinel-siem/pkg/procmon"
	"github.com/invisible-tech/sentinel-siem/pkg/sysinfo"
)

func main() {
	dotenvErr := config.LoadDotEnv()
	cfg := config.DefaultAgentConfig()
	log := logging.New(cfg.Log)
	if dotenvErr != nil {
		log.WithError(dotenvErr).Warn("Failed to load .env file")
	}

	log.WithFields(logrus.Fields{
		"version":  version.Version,
		"agent_id": cfg.AgentID,
		"server":   cfg.ServerURL,
	}).Info("Starting SIEM agent")

	client, err := collector.New(collector.Config{
		ServerURL: cfg.ServerURL,
		AgentID:   cfg.AgentID,
		Token:     cfg.AgentToken,
		Timeout:   cfg.RequestTimeout,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Invalid agent configuration")
	}

	procs := procmon.New(cfg.ProcRoot, log)
	sockets := netpolicy.New(cfg.ProcRoot, log)
	mon := monitor.New(monitor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		TelemetryInterval: cfg.TelemetryInterval,
		ShutdownTimeout:   cfg.RequestTimeout,
	}, client, monitor.Sources{
		SystemInfo: sysinfo.Collect,
		Processes:  procs.Snapshot,
		Network:    sockets.Snapshot,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
		cancel()
	}()

	if err := mon.Run(ctx); err != nil {
		log.WithError(err).Error("Agent stopped with error")
	}
	sent, failed := client.Stats()
	log.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("Agent shutdown complete")
}
