package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/maitred/internal/agent"
	"github.com/sebas/maitred/internal/banner"
	"github.com/sebas/maitred/internal/logger"
	"github.com/sebas/maitred/internal/restaurant"
	"github.com/sebas/maitred/internal/voicegate"
)

func main() {
	logger.InitLogger(os.Stdout)

	cfg, err := voicegate.Load()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	apiClient := restaurant.NewClient(cfg.NextAPIURL, slog.Default())
	engine := agent.NewEngine(agent.EngineConfig{
		API:                 apiClient,
		Log:                 slog.Default(),
		DefaultRestaurantID: cfg.RestaurantID,
		VAD:                 cfg.VAD,
		MaxCallDuration:     cfg.MaxCallDuration,
		HangupDelay:         cfg.HangupDelay,
		Transfer:            voicegate.NewTransferFunc(cfg, slog.Default()),
	})
	server := voicegate.NewServer(cfg, engine, slog.Default())

	printBanner(cfg)
	run(server)
}

func run(server *voicegate.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()

		go func() {
			time.Sleep(3 * time.Second)
			slog.Warn("Shutdown timed out, forcing exit")
			os.Exit(1)
		}()
		<-errCh
	}
}

func printBanner(cfg *voicegate.Config) {
	transfer := "Twilio REST"
	if cfg.BridgeURL != "" {
		transfer = "SIP bridge " + cfg.BridgeURL
	}

	banner.Print("Voice Gate", []banner.ConfigLine{
		{Label: "Port", Value: fmt.Sprintf("%d", cfg.Port)},
		{Label: "Business API", Value: cfg.NextAPIURL},
		{Label: "Restaurant", Value: cfg.RestaurantID},
		{Label: "Max call duration", Value: cfg.MaxCallDuration.String()},
		{Label: "VAD", Value: fmt.Sprintf("threshold %.2f, silence %dms", cfg.VAD.Threshold, cfg.VAD.SilenceMS)},
		{Label: "Transfer backend", Value: transfer},
	})
}
