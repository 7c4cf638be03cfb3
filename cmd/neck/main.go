package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nc-tunnel/neck/internal/client"
	"github.com/nc-tunnel/neck/internal/dashboard"
	"github.com/nc-tunnel/neck/internal/neckurl"
	"github.com/nc-tunnel/neck/internal/pool"
	"github.com/nc-tunnel/neck/internal/server"
	"github.com/nc-tunnel/neck/internal/session"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	switch os.Args[1] {
	case "serve":
		runServe(logger, os.Args[2:])
	case "join":
		runJoin(logger, os.Args[2:])
	default:
		usage()
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  neck serve [addr] [--direct] [--max-workers N]")
	fmt.Fprintln(os.Stderr, "  neck join  <url> [-c/--connections N] [-w/--workers N] [--tls-domain D]")
}

// serveConfig holds the flags for the serve subcommand.
type serveConfig struct {
	direct     bool
	maxWorkers int
}

func loadServeConfig(args []string) (*serveConfig, string) {
	config := new(serveConfig)
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.BoolVar(&config.direct, "direct", false, "bypass the worker pool and dial upstream directly")
	fs.IntVar(&config.maxWorkers, "max-workers", 200, "worker pool capacity")
	fs.Parse(args) //revive:disable-line:deep-exit -- ok for cmd/*

	addr := ""
	if fs.NArg() > 0 {
		addr = fs.Arg(0)
	}
	return config, addr
}

func runServe(logger *slog.Logger, args []string) {
	config, rawAddr := loadServeConfig(args)
	addr := server.FixAddr(rawAddr)

	var manager pool.Manager
	if config.direct {
		manager = pool.NewDirectModeManager(logger)
		logger.Info("direct mode enabled")
	} else {
		manager = pool.NewPoolModeManager(config.maxWorkers, logger)
	}

	sessions := session.NewManager()
	dash := &dashboard.Dashboard{Sessions: sessions, Manager: manager, Logger: logger}
	srv := server.New(addr, manager, sessions, dash, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("neck server starting", "addr", addr, "direct", config.direct, "max_workers", config.maxWorkers)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}
}

// joinConfig holds the flags for the join subcommand.
type joinConfig struct {
	connections int
	workers     int
	tlsDomain   string
}

func loadJoinConfig(args []string) (*joinConfig, string) {
	config := new(joinConfig)
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	fs.IntVar(&config.connections, "connections", 200, "token bucket capacity")
	fs.IntVar(&config.connections, "c", 200, "token bucket capacity (shorthand)")
	fs.IntVar(&config.workers, "workers", 8, "worker count")
	fs.IntVar(&config.workers, "w", 8, "worker count (shorthand)")
	fs.StringVar(&config.tlsDomain, "tls-domain", "", "TLS server name, defaults to the join URL's host")
	fs.Parse(args) //revive:disable-line:deep-exit -- ok for cmd/*

	url := ""
	if fs.NArg() > 0 {
		url = fs.Arg(0)
	}
	return config, url
}

func runJoin(logger *slog.Logger, args []string) {
	config, rawURL := loadJoinConfig(args)
	if rawURL == "" {
		usage()
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	target := neckurl.Parse(rawURL)
	opts := client.Options{
		URL:         target,
		Workers:     config.workers,
		Connections: config.connections,
		TLSDomain:   config.tlsDomain,
	}
	c := client.New(opts, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("neck client joining", "addr", target.Addr(), "tls", target.IsHTTPS(), "workers", config.workers)
	c.Start(ctx)
}
