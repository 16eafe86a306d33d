// Command server runs the Blocki ledger host and its HTTP API.
//
//	server            # load config from env / .env and serve
//	server -check     # validate configuration and exit
//	server -version   # print build info and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/blocki/blocki/internal/config"
	"github.com/blocki/blocki/internal/logging"
	"github.com/blocki/blocki/internal/server"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	check := flag.Bool("check", false, "validate configuration and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("blocki %s (%s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		// Level and format are unknown until config loads.
		logging.New("info", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)

	if *check {
		logger.Info("configuration ok", "env", cfg.Env, "on_chain_router", cfg.UsesOnChainRouter())
		return
	}

	logger.Info("starting blocki",
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"on_chain_router", cfg.UsesOnChainRouter(),
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
