package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/joshp123/homeconnect/internal/config"
	"github.com/joshp123/homeconnect/internal/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "oauth" {
		oauthMain(os.Args[2:])
		return
	}

	flags := pflag.NewFlagSet("homeconnect", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath, "Path to config.yaml")
	logLevel := flags.String("log-level", "", "Override core.log_level")
	httpAddr := flags.String("http-addr", "", "Override core.http_addr")
	grpcAddr := flags.String("grpc-addr", "", "Override core.grpc_addr")
	autostart := flags.Bool("autostart", true, "Initialize the session at startup instead of waiting for a front-end")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if *logLevel != "" {
		cfg.Core.LogLevel = *logLevel
	}
	if *httpAddr != "" {
		cfg.Core.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Core.GRPCAddr = *grpcAddr
	}

	log, err := newLogger(cfg.Core.LogLevel)
	if err != nil {
		fatal("log", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	defer a.close()
	a.manager.Start(ctx)

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, a.manager, log)
	if err != nil {
		log.Fatal().Err(err).Msg("grpc listen")
	}
	a.manager.OnAuthChange(grpcServer.SetAuthenticated)

	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewRouter(server.RouterOptions{
		Session:  a.manager,
		Devices:  a.registry,
		Registry: a.metrics,
		Log:      log,
	}))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve")
		}
	}()
	go func() {
		if err := grpcServer.Serve(); err != nil {
			log.Fatal().Err(err).Msg("grpc serve")
		}
	}()
	log.Info().Str("http", cfg.Core.HTTPAddr).Str("grpc", cfg.Core.GRPCAddr).Msg("homeconnect started")

	if *autostart {
		go func() {
			if err := a.manager.CheckTokenAndInitialize(ctx); err != nil {
				log.Warn().Err(err).Msg("startup initialization failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	grpcServer.Stop()
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}
	var log zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
