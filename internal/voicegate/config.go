// Package voicegate is the hosted-telephony voice server: it answers
// the provider webhook with a stream document, accepts media stream
// WebSockets, and hands each call to the agent engine.
package voicegate

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sebas/maitred/internal/realtime"
)

// Config is the voice server configuration. Everything comes from the
// environment; this process usually runs next to the business API under
// a process manager that owns the .env file.
type Config struct {
	OpenAIKey   string
	RealtimeURL string

	Port         int
	NextAPIURL   string
	RestaurantID string

	MaxCallDuration time.Duration
	HangupDelay     time.Duration
	VAD             realtime.VADConfig

	// Transfer backends. BridgeURL reaches the SIP bridge control API
	// when our own bridge carries the call; the Twilio fields update the
	// provider call leg otherwise.
	BridgeURL        string
	SIPDomain        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIBase    string

	LogLevel string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		RealtimeURL:     realtime.DefaultURL,
		Port:            5050,
		NextAPIURL:      "http://localhost:3000",
		RestaurantID:    os.Getenv("RESTAURANT_ID"),
		MaxCallDuration: 600 * time.Second,
		HangupDelay:     300 * time.Millisecond,
		VAD:             realtime.DefaultVAD,
		SIPDomain:       "sip.twilio.com",
		TwilioAPIBase:   "https://api.twilio.com",
		LogLevel:        "info",
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.RestaurantID == "" {
		return nil, fmt.Errorf("RESTAURANT_ID is required")
	}

	if v := os.Getenv("OPENAI_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("NEXT_API_URL"); v != "" {
		cfg.NextAPIURL = v
	}
	if v := os.Getenv("MAX_CALL_DURATION"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CALL_DURATION %q", v)
		}
		cfg.MaxCallDuration = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("HANGUP_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HangupDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.VAD.Threshold = f
		}
	}
	if v := os.Getenv("VAD_SILENCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VAD.SilenceMS = n
		}
	}
	if v := os.Getenv("VAD_PREFIX_PADDING_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VAD.PrefixPaddingMS = n
		}
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		cfg.BridgeURL = "http://127.0.0.1:" + v
	}
	if v := os.Getenv("SIP_DOMAIN"); v != "" {
		cfg.SIPDomain = v
	}
	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
