package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/user/gdbhub/internal/config"
	"github.com/user/gdbhub/internal/pty"
	"github.com/user/gdbhub/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "gdbhub:", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cfg.PrintToken {
		fmt.Println(cfg.Token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, pty.NewOpener())
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\ngdbhub running at http://%s/?token=%s\ndefault debugger: %s\n\n", cfg.Addr(), cfg.Token, cfg.DefaultCommand())

	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
