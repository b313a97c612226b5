package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sebas/maitred/internal/banner"
	"github.com/sebas/maitred/internal/logger"
	"github.com/sebas/maitred/internal/media"
	"github.com/sebas/maitred/internal/sipbridge"
	"github.com/sebas/maitred/internal/sipbridge/api"
)

func main() {
	cfg := sipbridge.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if cfg.SIP.Username == "" {
		slog.Error("SIP username is required (--sip-username or SIP_USERNAME)")
		os.Exit(1)
	}

	bridge, err := sipbridge.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to create SIP bridge", "error", err)
		os.Exit(1)
	}

	printBanner(cfg)
	run(bridge, cfg)
}

func run(bridge *sipbridge.Bridge, cfg *sipbridge.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := api.NewServer(fmt.Sprintf(":%d", cfg.APIPort), bridge, slog.Default())
	if err := apiServer.Start(); err != nil {
		slog.Error("Failed to start control API", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := bridge.Run(ctx); err != nil {
			slog.Error("SIP bridge error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	// Force exit if teardown wedges on an unresponsive trunk.
	go func() {
		time.Sleep(3 * time.Second)
		slog.Warn("Shutdown timed out, forcing exit")
		os.Exit(1)
	}()

	bridge.Close()
	apiServer.Stop()
}

func printBanner(cfg *sipbridge.Config) {
	stun := cfg.NAT.STUNServer
	if stun == "" {
		stun = "none"
	}
	keepalive := "off"
	if cfg.NAT.UDPKeepalive > 0 {
		keepalive = cfg.NAT.UDPKeepalive.String()
	}

	lines := []banner.ConfigLine{
		{Label: "SIP account", Value: fmt.Sprintf("%s@%s", cfg.SIP.Username, cfg.SIP.Domain)},
		{Label: "Transport", Value: strings.ToUpper(cfg.SIP.Transport)},
		{Label: "WS target", Value: cfg.WSTarget},
		{Label: "API port", Value: fmt.Sprintf("%d", cfg.APIPort)},
		{Label: "Codec", Value: fmt.Sprintf("%s/%d", media.CodecPCMU.Name, media.CodecPCMU.SampleRate)},
		{Label: "STUN", Value: stun},
		{Label: "Keepalive", Value: keepalive},
		{Label: "Max calls", Value: fmt.Sprintf("%d", cfg.MaxConcurrentCalls)},
	}
	if cfg.Callbacks.StatusCallbackURL != "" {
		lines = append(lines, banner.ConfigLine{Label: "Status callback", Value: cfg.Callbacks.StatusCallbackURL})
	}
	if cfg.Callbacks.IncomingCallbackURL != "" {
		lines = append(lines, banner.ConfigLine{Label: "Incoming callback", Value: cfg.Callbacks.IncomingCallbackURL})
	}
	banner.Print("SIP Bridge", lines)
}
