package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/internal/app"
	"github.com/xhad/ragchat/internal/logger"
	"github.com/xhad/ragchat/internal/tracing"
	cfgPkg "github.com/xhad/ragchat/pkg/config"
	"github.com/xhad/ragchat/server"
)

func main() {
	var configPath, addr string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&addr, "addr", "", "Listen address, overrides the config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	if err := run(configPath, addr); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, addr string) error {
	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return fmt.Errorf("invalid configuration: %d error(s)", len(errs))
	}

	zlog, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		Production: cfg.Log.Production,
	})
	if err != nil {
		return err
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlog.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	a, err := app.New(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		MaxUploadMB:    cfg.Server.MaxUploadMB,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, a.Sessions, zlog)

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	zlog.Info("server stopped")
	return nil
}
