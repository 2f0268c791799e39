package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/frame"
)

// DriverName selects the socket implementation behind a Context.
type DriverName string

const (
	DriverFrame DriverName = "frame"
	DriverZMQ   DriverName = "zmq"
)

// ParseDriver normalizes a configured driver name.
func ParseDriver(raw string) (DriverName, error) {
	switch DriverName(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DriverFrame:
		return DriverFrame, nil
	case DriverZMQ, "zeromq":
		return DriverZMQ, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, raw)
	}
}

type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

type Config struct {
	Driver                DriverName
	ConnectTimeout        time.Duration
	HandshakeTimeout      time.Duration
	SendTimeout           time.Duration
	DefaultReceiveTimeout time.Duration
	Limits                frame.Limits
	TLS                   TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Driver:                DriverFrame,
		ConnectTimeout:        2 * time.Second,
		HandshakeTimeout:      2 * time.Second,
		SendTimeout:           5 * time.Second,
		DefaultReceiveTimeout: 5 * time.Second,
		Limits:                frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.DefaultReceiveTimeout <= 0 {
		c.DefaultReceiveTimeout = def.DefaultReceiveTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}
