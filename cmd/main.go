package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	raftserver "github.com/Konstantsiy/raft-core/raft-server"
	state_machine "github.com/Konstantsiy/raft-core/state-machine"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config, flags below are ignored when set")
		address    = flag.String("address", "", "Address of this node, used as its identity (e.g., raft-1:8000)")
		peers      = flag.String("peers", "", "Comma separated list of cluster members (e.g., raft-1:8000,raft-2:8000)")
		dataDir    = flag.String("data", "./data", "Data directory for persistent state")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)

	flag.Parse()

	cfg, err := loadConfig(*configPath, *address, *peers, *dataDir, *logLevel)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger = raftserver.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	var self = cfg.Self()

	storage, err := raftserver.NewFileStorage(cfg.Node.DataDir, self)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer storage.Close()

	state, err := storage.Load()
	if err != nil {
		log.Fatalf("Failed to load persistent state: %v", err)
	}

	server := raftserver.RestoreServer(self, state, cfg.Peers(),
		raftserver.ConnectHTTP(cfg.Election.MaxTimeout),
		raftserver.WithTiming(cfg.Timing()),
		raftserver.WithStorage(storage),
		raftserver.WithStateMachine(state_machine.New()),
		raftserver.WithLogger(logger),
	)

	handler := raftserver.NewHTTPHandler(server, logger)
	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)

	httpServer := &http.Server{Addr: listenAddr(self), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	server.Run(ctx)

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "err", err)
	}
}

func loadConfig(path, address, peers, dataDir, logLevel string) (*raftserver.Config, error) {
	if path != "" {
		return raftserver.LoadConfig(path)
	}

	var cfg = &raftserver.Config{
		Node: raftserver.NodeConfig{Address: address, DataDir: dataDir},
		Log:  raftserver.LogConfig{Level: logLevel},
	}

	for _, peer := range strings.Split(peers, ",") {
		if peer = strings.TrimSpace(peer); peer != "" {
			cfg.Cluster.Peers = append(cfg.Cluster.Peers, raftserver.PeerConfig{Address: peer})
		}
	}

	cfg.SetDefaults()
	return cfg, cfg.Validate()
}

// listenAddr binds every interface on the node's port, the host part of the
// address is how peers reach it, not necessarily a local interface.
func listenAddr(self raftserver.Endpoint) string {
	return (raftserver.Endpoint{Host: "0.0.0.0", Port: self.Port}).String()
}
