// Command mcp serves read-only Blocki market data as MCP tools, over stdio
// by default or streamable HTTP when MCP_HTTP_ADDR is set.
package main

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/blocki/blocki/internal/logging"
	"github.com/blocki/blocki/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

type config struct {
	APIURL   string        `env:"BLOCKI_API_URL" envDefault:"http://localhost:8080"`
	Timeout  time.Duration `env:"BLOCKI_API_TIMEOUT" envDefault:"30s"`
	HTTPAddr string        `env:"MCP_HTTP_ADDR"`
	LogLevel string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load()

	// stdout carries the stdio transport, so logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, "info", "text")
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")

	s := mcpserver.NewMCPServer(mcpserver.Config{APIURL: cfg.APIURL, Timeout: cfg.Timeout}, Version)

	var err error
	if cfg.HTTPAddr != "" {
		logger.Info("serving MCP over HTTP", "addr", cfg.HTTPAddr, "api", cfg.APIURL)
		err = server.NewStreamableHTTPServer(s).Start(cfg.HTTPAddr)
	} else {
		logger.Debug("serving MCP over stdio", "api", cfg.APIURL)
		err = server.ServeStdio(s)
	}
	if err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

