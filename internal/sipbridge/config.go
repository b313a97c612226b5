package sipbridge

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SIPConfig holds the trunk account settings.
type SIPConfig struct {
	Domain     string // Registrar domain (e.g., sip.trunk-provider.com)
	Username   string
	Password   string
	Port       int    // Local SIP port, 0 = auto
	Transport  string // udp, tcp or tls
	RegTimeout int    // Re-registration interval in seconds
}

// NATConfig holds traversal settings. The STUN server resolves the
// address to advertise in SIP headers; the keepalive interval paces
// OPTIONS pings that hold the NAT binding open between registrations.
type NATConfig struct {
	STUNServer   string
	UDPKeepalive time.Duration
}

// CallbackConfig holds the HTTP callback settings.
type CallbackConfig struct {
	StatusCallbackURL   string
	IncomingCallbackURL string
	Method              string // POST or GET
	Timeout             time.Duration
	Events              []string
}

// Config is the full bridge configuration.
type Config struct {
	SIP       SIPConfig
	NAT       NATConfig
	Callbacks CallbackConfig

	BindAddr           string
	AdvertiseAddr      string
	WSTarget           string
	APIPort            int
	CustomParams       map[string]string
	AutoAnswer         bool
	MaxCallDuration    time.Duration
	MaxConcurrentCalls int
	LogLevel           string
}

// paramList implements flag.Value for the repeatable --param key=value flag.
type paramList map[string]string

func (p paramList) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramList) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	p[strings.TrimSpace(k)] = strings.TrimSpace(v)
	return nil
}

// Load builds the configuration from command line flags with environment
// variable overrides for the secrets.
func Load() *Config {
	cfg := &Config{
		CustomParams: map[string]string{},
	}

	flag.StringVar(&cfg.SIP.Domain, "sip-domain", "sip.twilio.com", "SIP registrar domain")
	flag.StringVar(&cfg.SIP.Username, "sip-username", "", "SIP username (required)")
	flag.StringVar(&cfg.SIP.Password, "sip-password", "", "SIP password")
	flag.IntVar(&cfg.SIP.Port, "sip-port", 0, "Local SIP port (0=auto)")
	flag.StringVar(&cfg.SIP.Transport, "sip-transport", "udp", "SIP transport (udp, tcp, tls)")
	flag.IntVar(&cfg.SIP.RegTimeout, "sip-reg-timeout", 300, "Re-registration interval in seconds")

	flag.StringVar(&cfg.NAT.STUNServer, "stun-server", "", "STUN server for the advertise address (e.g. stun.l.google.com:19302)")
	udpKeepalive := flag.Int("udp-keepalive", 15, "UDP keepalive interval in seconds, 0=off")

	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.WSTarget, "ws-target", "ws://localhost:5050/media-stream", "Media stream WebSocket target")
	flag.IntVar(&cfg.APIPort, "api-port", 5060, "REST API port")
	noAutoAnswer := flag.Bool("no-auto-answer", false, "Do not answer incoming calls automatically")
	maxCallDuration := flag.Int("max-call-duration", 600, "Max call duration in seconds, 0=unlimited")
	flag.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", 10, "Max simultaneous calls")
	flag.Var(paramList(cfg.CustomParams), "param", "Custom parameter sent in every stream start (key=value, repeatable)")

	flag.StringVar(&cfg.Callbacks.StatusCallbackURL, "status-callback-url", "", "Status callback URL")
	flag.StringVar(&cfg.Callbacks.IncomingCallbackURL, "incoming-callback-url", "", "URL consulted before answering an incoming call")
	flag.StringVar(&cfg.Callbacks.Method, "callback-method", "POST", "Callback HTTP method (POST or GET)")
	callbackTimeout := flag.Float64("callback-timeout", 5, "Callback timeout in seconds")

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")

	flag.Parse()

	cfg.NAT.UDPKeepalive = time.Duration(*udpKeepalive) * time.Second
	cfg.AutoAnswer = !*noAutoAnswer
	cfg.MaxCallDuration = time.Duration(*maxCallDuration) * time.Second
	cfg.Callbacks.Timeout = time.Duration(*callbackTimeout * float64(time.Second))
	cfg.Callbacks.Events = []string{"initiated", "ringing", "answered", "completed"}

	// Secrets can come from the environment instead of the command line.
	if v := os.Getenv("SIP_USERNAME"); v != "" {
		cfg.SIP.Username = v
	}
	if v := os.Getenv("SIP_PASSWORD"); v != "" {
		cfg.SIP.Password = v
	}
	if v := os.Getenv("SIP_DOMAIN"); v != "" {
		cfg.SIP.Domain = v
	}
	if v := os.Getenv("WS_TARGET"); v != "" {
		cfg.WSTarget = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = p
		}
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// WantsEvent reports whether a status callback should fire for the event.
func (c CallbackConfig) WantsEvent(event string) bool {
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}
