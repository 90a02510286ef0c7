package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clusterha-go/pkg/announce"
	"clusterha-go/pkg/cloud"
	"clusterha-go/pkg/clusterstate"
	"clusterha-go/pkg/cmdsock"
	"clusterha-go/pkg/config"
	"clusterha-go/pkg/control"
	"clusterha-go/pkg/daemon"
	"clusterha-go/pkg/events"
	"clusterha-go/pkg/metrics"
	"clusterha-go/pkg/peer"
	"clusterha-go/pkg/reconcile"
	"clusterha-go/pkg/selftest"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	godaemon "github.com/sevlyar/go-daemon"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup structured logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Command-line flags
	configPath := flag.String("config", "/etc/clusterhad/config.yaml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	foreground := flag.Bool("foreground", false, "Run in the foreground instead of daemonizing")
	selfTest := flag.Bool("selftest", false, "Run the read-only deployment checks and exit")
	status := flag.Bool("status", false, "Query a running daemon's status and exit")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Error loading configuration")
		return selftest.ExitConfig
	}
	if !*debug && cfg.Logging.Level != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	if *status {
		return queryStatus(cfg.CmdSocket)
	}

	// Build the component stack.
	ev, err := events.NewLog(cfg.Events.RingSize, cfg.Events.FilePath, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("Error opening failover event log")
		return selftest.ExitFatal
	}
	defer ev.Close()

	var rec metrics.Recorder
	if cfg.Metrics.Enabled && cfg.Metrics.Backend == "prometheus" {
		rec = metrics.NewPrometheusRecorder()
	} else {
		rec = metrics.NewNoopRecorder()
	}

	reader := clusterstate.NewReader(&cfg.LocalState, log.Logger)
	checker := peer.NewChecker(&cfg.Peer, log.Logger)

	var updater daemon.BindingUpdater
	if len(cfg.Bindings) > 0 {
		client := cloud.NewClient(&cfg.Cloud, log.Logger)
		updater = cloud.NewUpdater(client, cfg.Bindings, cfg.Retry, ev, rec, log.Logger)
	}

	if *selfTest {
		harness := selftest.New(reader, checker, updater, log.Logger)
		return harness.Run(context.Background())
	}

	if updater == nil {
		log.Warn().Msg("No cloud bindings configured, failovers will be observed but not acted on")
		updater = cloud.NewUpdater(cloud.NewClient(&cfg.Cloud, log.Logger), nil, cfg.Retry, ev, rec, log.Logger)
	}

	if !cfg.Foreground && !*foreground {
		dctx := &godaemon.Context{
			PidFileName: cfg.PIDFile,
			PidFilePerm: 0644,
		}
		child, err := dctx.Reborn()
		if err != nil {
			log.Error().Err(err).Msg("Error daemonizing")
			return selftest.ExitFatal
		}
		if child != nil {
			// Parent: the child carries on.
			return selftest.ExitOK
		}
		defer dctx.Release()
	}

	log.Info().Str("node", cfg.NodeID).Str("peer", cfg.PeerID).Msg("Starting clusterhad")

	reconciler := reconcile.New(cfg.NodeID, cfg.PeerID, cfg.FailureThreshold, ev, rec, log.Logger)
	announcer := announce.New(&cfg.Announce, log.Logger)
	loop := daemon.New(cfg, reader, checker, updater, announcer, reconciler, ev, rec, log.Logger)

	controlServer := control.NewServer(&cfg.Control, cfg.NodeID, loop, rec, log.Logger)
	go func() {
		if err := controlServer.Start(); err != nil {
			log.Error().Err(err).Msg("Control endpoint failed")
		}
	}()

	sockListener := cmdsock.NewListener(cfg.CmdSocket, loop.CommandChan(), log.Logger)
	go func() {
		if err := sockListener.Start(); err != nil {
			log.Error().Err(err).Msg("Command socket failed")
		}
	}()
	defer sockListener.Close()

	// Graceful shutdown on SIGINT/SIGTERM; a binding update already in flight
	// runs to completion before the loop exits.
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down clusterhad")
		cancel()
	}()

	loop.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Control endpoint shutdown failed")
	}

	log.Info().Msg("clusterhad stopped")
	return selftest.ExitOK
}

// queryStatus asks a running daemon over its command socket.
func queryStatus(sockPath string) int {
	if sockPath == "" {
		log.Error().Msg("cmdsocket is not configured")
		return selftest.ExitConfig
	}
	resp, err := cmdsock.Query(sockPath, "status")
	if err != nil {
		log.Error().Err(err).Str("socket", sockPath).Msg("Failed to query daemon status")
		return selftest.ExitFatal
	}
	fmt.Println(resp)
	return selftest.ExitOK
}
