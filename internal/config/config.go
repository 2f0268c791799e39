package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/danmuck/bridgectl/internal/server"
	"github.com/danmuck/bridgectl/internal/transport"
	"github.com/joho/godotenv"
)

const (
	EnvEndpoint       = "BRIDGE_ENDPOINT"
	EnvServerEndpoint = "BRIDGE_SERVER_ENDPOINT"
	EnvTransport      = "BRIDGE_TRANSPORT"
	EnvMetrics        = "BRIDGE_METRICS"
	EnvTLS            = "BRIDGE_TLS"
	EnvTLSCert        = "BRIDGE_TLS_CERT"
	EnvTLSKey         = "BRIDGE_TLS_KEY"
	EnvTLSCA          = "BRIDGE_TLS_CA"
)

var ErrInvalid = errors.New("config: invalid")

// Config is everything a bridge process reads at startup.
type Config struct {
	Client    bridge.Config
	Server    server.ServiceConfig
	Transport transport.Config
	Codec     envelope.Options
	Metrics   bool
}

func Default() Config {
	return Config{
		Client:    bridge.DefaultConfig(),
		Server:    server.DefaultServiceConfig(),
		Transport: transport.DefaultConfig(),
		Codec:     envelope.DefaultOptions(),
		Metrics:   true,
	}
}

type fileConfig struct {
	Endpoint          string  `toml:"endpoint"`
	MaxRetries        int     `toml:"max_retries"`
	Timeout           string  `toml:"timeout"`
	TimeoutMS         int64   `toml:"timeout_ms"`
	HeartbeatEnabled  bool    `toml:"heartbeat_enabled"`
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	HeartbeatLiveness int     `toml:"heartbeat_liveness"`
	HeartbeatExpiry   string  `toml:"heartbeat_expiry"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
	CorrelationPrefix string  `toml:"correlation_prefix"`
	Transport         string  `toml:"transport"`
	ConnectTimeout    string  `toml:"connect_timeout"`
	Format            string  `toml:"format"`
	Compress          bool    `toml:"compress"`
	JSONThreshold     int     `toml:"json_threshold"`
	Metrics           bool    `toml:"metrics"`

	Server struct {
		Endpoint     string `toml:"endpoint"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"server"`

	TLS struct {
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		CAFile             string `toml:"ca_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays only the keys present in the file onto the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load bridge config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("endpoint") {
		cfg.Client.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("max_retries") {
		cfg.Client.MaxRetries = raw.MaxRetries
	}
	if err := setDuration(meta.IsDefined("timeout"), "timeout", raw.Timeout, &cfg.Client.Timeout); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("timeout_ms") {
		cfg.Client.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("heartbeat_enabled") {
		cfg.Client.HeartbeatEnabled = raw.HeartbeatEnabled
	}
	if err := setDuration(meta.IsDefined("heartbeat_interval"), "heartbeat_interval", raw.HeartbeatInterval, &cfg.Client.Heartbeat.Interval); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("heartbeat_liveness") {
		cfg.Client.Heartbeat.Liveness = raw.HeartbeatLiveness
	}
	if err := setDuration(meta.IsDefined("heartbeat_expiry"), "heartbeat_expiry", raw.HeartbeatExpiry, &cfg.Client.Heartbeat.Expiry); err != nil {
		return Config{}, err
	}
	if err := setDuration(meta.IsDefined("backoff_initial"), "backoff_initial", raw.BackoffInitial, &cfg.Client.Backoff.InitialDelay); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Client.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if err := setDuration(meta.IsDefined("backoff_max"), "backoff_max", raw.BackoffMax, &cfg.Client.Backoff.MaxDelay); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Client.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("correlation_prefix") {
		cfg.Client.CorrelationPrefix = strings.TrimSpace(raw.CorrelationPrefix)
	}

	if meta.IsDefined("transport") {
		driver, err := transport.ParseDriver(raw.Transport)
		if err != nil {
			return Config{}, err
		}
		cfg.Transport.Driver = driver
	}
	if err := setDuration(meta.IsDefined("connect_timeout"), "connect_timeout", raw.ConnectTimeout, &cfg.Transport.ConnectTimeout); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("format") {
		format, err := envelope.ParseFormat(raw.Format)
		if err != nil {
			return Config{}, err
		}
		cfg.Codec.Format = format
	}
	if meta.IsDefined("compress") {
		cfg.Codec.Compress = raw.Compress
	}
	if meta.IsDefined("json_threshold") {
		cfg.Codec.JSONThreshold = raw.JSONThreshold
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}

	if meta.IsDefined("server", "endpoint") {
		cfg.Server.Endpoint = strings.TrimSpace(raw.Server.Endpoint)
	}
	if err := setDuration(meta.IsDefined("server", "poll_interval"), "server.poll_interval", raw.Server.PollInterval, &cfg.Server.PollInterval); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("tls", "enabled") {
		cfg.Transport.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.Transport.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.Transport.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.Transport.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.Transport.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Transport.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Transport.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	return cfg, nil
}

// ApplyEnv overlays the BRIDGE_* variables that are set and non-empty.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	lookup := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(key))
		return v, v != ""
	}
	if v, ok := lookup(EnvEndpoint); ok {
		cfg.Client.Endpoint = v
	}
	if v, ok := lookup(EnvServerEndpoint); ok {
		cfg.Server.Endpoint = v
	}
	if v, ok := lookup(EnvTransport); ok {
		driver, err := transport.ParseDriver(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTransport, err)
		}
		cfg.Transport.Driver = driver
	}
	if v, ok := lookup(EnvMetrics); ok {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvMetrics, v)
		}
		cfg.Metrics = on
	}
	if v, ok := lookup(EnvTLS); ok {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvTLS, v)
		}
		cfg.Transport.TLS.Enabled = on
	}
	if v, ok := lookup(EnvTLSCert); ok {
		cfg.Transport.TLS.CertFile = v
	}
	if v, ok := lookup(EnvTLSKey); ok {
		cfg.Transport.TLS.KeyFile = v
	}
	if v, ok := lookup(EnvTLSCA); ok {
		cfg.Transport.TLS.CAFile = v
	}
	return nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the client and codec settings. Zero values loaded from a
// file are rejected rather than silently defaulted.
func (c Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if _, err := transport.ParseEndpoint(c.Server.Endpoint); err != nil {
		return fmt.Errorf("%w: server endpoint: %v", ErrInvalid, err)
	}
	if _, err := envelope.NewCodec(c.Codec); err != nil {
		return err
	}
	return nil
}

// ValidateClient adds the transport policy a connecting process needs.
func (c Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.Transport.ValidateClient()
}

// ValidateServer adds the transport policy a binding process needs.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.Transport.ValidateServer()
}

// ServerConfig returns the service settings with the shared transport applied.
func (c Config) ServerConfig() server.ServiceConfig {
	out := c.Server
	out.Transport = c.Transport
	return out
}

func (c Config) NewCodec() (*envelope.Codec, error) {
	return envelope.NewCodec(c.Codec)
}

// NewService builds the reply server with the loaded codec settings.
func (c Config) NewService() (*server.Service, error) {
	codec, err := c.NewCodec()
	if err != nil {
		return nil, err
	}
	return server.NewServiceWithConfig(c.ServerConfig(), server.NewHandler(nil, codec)), nil
}

func setDuration(defined bool, key, raw string, out *time.Duration) error {
	if !defined {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*out = d
	return nil
}
