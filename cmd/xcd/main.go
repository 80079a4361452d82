// Command xcd is the xc jail container daemon: it owns the sqlite
// database, the layer cache, the address/devfs allocators, and the
// per-container site/runner state, and serves spec §6's IPC method
// surface over a unix-domain socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/banksean/xc/internal/config"
)

// CLI is xcd's command line: a single config-file flag, following the
// teacher's kong.Parse + JSON-handler slog setup in cmd/sand/main.go,
// adapted to a daemon with no subcommands of its own.
type CLI struct {
	Config   string `default:"/usr/local/etc/xcd.yaml" placeholder:"<path>" help:"path to xcd's YAML configuration file"`
	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"the logging level"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

const description = `xcd manages FreeBSD jail containers built from OCI-compatible images.`

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description(description))
	cli.initSlog()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xcd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xcd: %v\n", err)
		os.Exit(1)
	}
	defer d.Close(ctx)

	slog.InfoContext(ctx, "xcd starting", "socket", cfg.SocketPath, "data_dir", cfg.DataDir)
	if err := d.ipcServer.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "xcd: %v\n", err)
		os.Exit(1)
	}
	if err := d.ipcServer.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xcd: %v\n", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "xcd stopped")
}
