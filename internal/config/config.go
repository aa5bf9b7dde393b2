package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the telecore daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	JWTSecret   string // hex-encoded 32-byte secret for UI session token signing
	APIUser     string // UI login user; login disabled when empty
	APIPassword string

	DualSIM bool // enable the dual-subscription capacity rules

	// Call log storage. Driver "sqlite" stores under DataDir; "postgres"
	// requires PostgresDSN.
	CallLogDriver string
	PostgresDSN   string

	// Upstream SIP account. SIPHost empty disables the SIP connector.
	SIPHost         string
	SIPPort         int
	SIPTransport    string
	SIPUsername     string
	SIPAuthUsername string // auth user when it differs from SIPUsername
	SIPPassword     string
	SIPListenAddr   string
	RegisterExpiry  int    // REGISTER expiry in seconds
	ExternalIP      string // public IP advertised in SDP (auto-detected if empty)
	MediaPort       int

	// Headset AT command socket. Empty disables the headset surface.
	HeadsetAddr string

	// Headset wire identity.
	Operator         string
	SubscriberNumber string
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultSIPPort        = 5060
	defaultSIPTransport   = "udp"
	defaultSIPListenAddr  = "0.0.0.0:5070"
	defaultRegisterExpiry = 300
	defaultMediaPort      = 4000
	defaultCallLogDriver  = "sqlite"
	defaultHeadsetAddr    = "127.0.0.1:6700"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all telecore environment variables.
const envPrefix = "TELECORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("telecored", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for UI session token signing (auto-generated if empty)")
	fs.StringVar(&cfg.APIUser, "api-user", "", "UI login user (login disabled if empty)")
	fs.StringVar(&cfg.APIPassword, "api-password", "", "UI login password")
	fs.BoolVar(&cfg.DualSIM, "dual-sim", false, "enable dual-subscription call capacity rules")
	fs.StringVar(&cfg.CallLogDriver, "call-log-driver", defaultCallLogDriver, "call log storage driver (sqlite, postgres)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the call log (required with -call-log-driver=postgres)")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "upstream SIP provider host (SIP connector disabled if empty)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "upstream SIP provider port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPAuthUsername, "sip-auth-username", "", "SIP digest auth username when it differs from sip-username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password (registration disabled if empty)")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen-addr", defaultSIPListenAddr, "local SIP listen address")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "REGISTER expiry in seconds")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.MediaPort, "media-port", defaultMediaPort, "local RTP port advertised in SDP")
	fs.StringVar(&cfg.HeadsetAddr, "headset-addr", defaultHeadsetAddr, "headset AT command socket listen address (empty disables)")
	fs.StringVar(&cfg.Operator, "operator", "", "network operator name reported to headsets")
	fs.StringVar(&cfg.SubscriberNumber, "subscriber-number", "", "subscriber number reported to headsets")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"jwt-secret":        envPrefix + "JWT_SECRET",
		"api-user":          envPrefix + "API_USER",
		"api-password":      envPrefix + "API_PASSWORD",
		"dual-sim":          envPrefix + "DUAL_SIM",
		"call-log-driver":   envPrefix + "CALL_LOG_DRIVER",
		"postgres-dsn":      envPrefix + "POSTGRES_DSN",
		"sip-host":          envPrefix + "SIP_HOST",
		"sip-port":          envPrefix + "SIP_PORT",
		"sip-transport":     envPrefix + "SIP_TRANSPORT",
		"sip-username":      envPrefix + "SIP_USERNAME",
		"sip-auth-username": envPrefix + "SIP_AUTH_USERNAME",
		"sip-password":      envPrefix + "SIP_PASSWORD",
		"sip-listen-addr":   envPrefix + "SIP_LISTEN_ADDR",
		"register-expiry":   envPrefix + "REGISTER_EXPIRY",
		"external-ip":       envPrefix + "EXTERNAL_IP",
		"media-port":        envPrefix + "MEDIA_PORT",
		"headset-addr":      envPrefix + "HEADSET_ADDR",
		"operator":          envPrefix + "OPERATOR",
		"subscriber-number": envPrefix + "SUBSCRIBER_NUMBER",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "api-user":
			cfg.APIUser = val
		case "api-password":
			cfg.APIPassword = val
		case "dual-sim":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.DualSIM = v
			}
		case "call-log-driver":
			cfg.CallLogDriver = val
		case "postgres-dsn":
			cfg.PostgresDSN = val
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-auth-username":
			cfg.SIPAuthUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "sip-listen-addr":
			cfg.SIPListenAddr = val
		case "register-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterExpiry = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "media-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MediaPort = v
			}
		case "headset-addr":
			cfg.HeadsetAddr = val
		case "operator":
			cfg.Operator = val
		case "subscriber-number":
			cfg.SubscriberNumber = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.MediaPort < 1024 || c.MediaPort > 65534 {
		return fmt.Errorf("media-port must be between 1024 and 65534, got %d", c.MediaPort)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}

	validTransports := map[string]bool{"udp": true, "tcp": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[strings.ToLower(c.CallLogDriver)] {
		return fmt.Errorf("call-log-driver must be one of sqlite, postgres; got %q", c.CallLogDriver)
	}
	c.CallLogDriver = strings.ToLower(c.CallLogDriver)
	if c.CallLogDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn is required with call-log-driver=postgres")
	}

	if c.SIPHost != "" && c.SIPUsername == "" {
		return fmt.Errorf("sip-username is required when sip-host is set")
	}

	// Login credentials must both be set or both be empty.
	if (c.APIUser == "") != (c.APIPassword == "") {
		return fmt.Errorf("api-user and api-password must both be provided or both be omitted")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte session token signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the address advertised in SDP bodies: ExternalIP when
// configured, otherwise the first non-loopback IPv4 on the machine, with
// a loopback fallback when nothing usable is found.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns the handler matching the configured log format
// and level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	switch c.LogFormat {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// SlogLevel maps the configured log level string onto a slog.Level,
// defaulting to Info for anything unrecognized.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
