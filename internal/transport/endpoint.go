package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultPort = "5555"

	SchemeTCP = "tcp"
	SchemeTLS = "tls"
)

// Endpoint is a parsed scheme://host:port address.
type Endpoint struct {
	Scheme string
	Host   string
	Port   string
}

// ParseEndpoint accepts scheme://host[:port]. A missing scheme means tcp and a
// missing port means DefaultPort.
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	scheme := SchemeTCP
	if i := strings.Index(s, "://"); i >= 0 {
		scheme = strings.ToLower(s[:i])
		s = s[i+3:]
	}
	switch scheme {
	case SchemeTCP, SchemeTLS:
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, scheme)
	}
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, raw)
	}

	host, port := s, DefaultPort
	if strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1 {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			if !strings.Contains(err.Error(), "missing port") {
				return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
			}
			h = strings.Trim(s, "[]")
			p = DefaultPort
		}
		host, port = h, p
	}
	if port == "" {
		port = DefaultPort
	}
	if port != "*" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, port)
		}
	}
	if host == "" {
		host = "*"
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// Address returns host:port suitable for net.Dial/net.Listen. A wildcard
// host or port maps to all interfaces / an ephemeral port.
func (e Endpoint) Address() string {
	host := e.Host
	if host == "*" {
		host = ""
	}
	port := e.Port
	if port == "*" {
		port = "0"
	}
	return net.JoinHostPort(host, port)
}

// ZMQ returns the endpoint in ZeroMQ tcp:// form with wildcards resolved.
func (e Endpoint) ZMQ() string {
	host := e.Host
	if host == "*" {
		host = "0.0.0.0"
	}
	port := e.Port
	if port == "*" {
		port = "0"
	}
	return SchemeTCP + "://" + net.JoinHostPort(host, port)
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + net.JoinHostPort(e.Host, e.Port)
}
