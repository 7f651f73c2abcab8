package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xhad/ragchat/internal/app"
	"github.com/xhad/ragchat/pkg/config"
	"github.com/xhad/ragchat/pkg/logging"
	"github.com/xhad/ragchat/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		APIPrefix:   cfg.Server.APIPrefix,
		CORSOrigins: cfg.Server.CORSOrigins,
		Scraper:     a.ScraperConfig(""),
	}, server.Deps{
		Chat:   a.Chat,
		Agent:  a.Agent,
		Ingest: a.Ingest,
		Log:    log,
	})

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Server stopped")
		a.Close()
		os.Exit(1)
	}
}
