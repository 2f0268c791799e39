package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/bridgectl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Context owns one driver and every socket opened through it. Closing the
// Context closes every live socket.
type Context struct {
	cfg    Config
	driver Driver

	mu      sync.Mutex
	closed  bool
	sockets map[*trackedSocket]struct{}
	opened  uint64
	retired uint64
}

// Stats is a snapshot of socket accounting.
type Stats struct {
	Driver DriverName
	Opened uint64
	Closed uint64
	Live   int
}

// NewContext builds an independent transport context.
func NewContext(cfg Config) (*Context, error) {
	cfg = cfg.WithDefaults()
	var drv Driver
	switch cfg.Driver {
	case DriverFrame:
		drv = &frameDriver{cfg: cfg}
	case DriverZMQ:
		drv = &zmqDriver{cfg: cfg}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	return &Context{
		cfg:     cfg,
		driver:  drv,
		sockets: make(map[*trackedSocket]struct{}),
	}, nil
}

// newContextWithDriver lets tests substitute the socket implementation.
func newContextWithDriver(cfg Config, drv Driver) *Context {
	return &Context{
		cfg:     cfg.WithDefaults(),
		driver:  drv,
		sockets: make(map[*trackedSocket]struct{}),
	}
}

func (c *Context) Config() Config {
	return c.cfg
}

// Open creates a tracked socket of the given kind.
func (c *Context) Open(kind Kind) (Socket, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, opError(OpOpen, "", ErrContextClosed)
	}
	c.mu.Unlock()

	sock, err := c.driver.Open(kind)
	if err != nil {
		return nil, opError(OpOpen, "", err)
	}
	ts := &trackedSocket{Socket: sock, owner: c}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sock.Close()
		return nil, opError(OpOpen, "", ErrContextClosed)
	}
	c.sockets[ts] = struct{}{}
	c.opened++
	c.mu.Unlock()
	observability.SocketOpened()
	return ts, nil
}

func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Driver: c.cfg.Driver,
		Opened: c.opened,
		Closed: c.retired,
		Live:   len(c.sockets),
	}
}

// Close closes every live socket and rejects further Open calls.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]*trackedSocket, 0, len(c.sockets))
	for s := range c.sockets {
		live = append(live, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(live) > 0 {
		log.Debug().Int("sockets", len(live)).Msg("transport.Context.Close")
	}
	return errors.Join(errs...)
}

func (c *Context) untrack(s *trackedSocket) {
	c.mu.Lock()
	if _, ok := c.sockets[s]; ok {
		delete(c.sockets, s)
		c.retired++
	}
	c.mu.Unlock()
	observability.SocketClosed()
}

type trackedSocket struct {
	Socket
	owner *Context
	once  sync.Once
}

func (s *trackedSocket) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Socket.Close()
		s.owner.untrack(s)
	})
	return err
}

var (
	processMu  sync.Mutex
	processCtx *Context
)

// Init creates the process-wide context. It fails when one is already live.
func Init(cfg Config) (*Context, error) {
	processMu.Lock()
	defer processMu.Unlock()
	if processCtx != nil {
		return processCtx, ErrAlreadyInitialized
	}
	ctx, err := NewContext(cfg)
	if err != nil {
		return nil, err
	}
	processCtx = ctx
	log.Debug().Str("driver", string(ctx.cfg.Driver)).Msg("transport.Init")
	return ctx, nil
}

// Default returns the process-wide context, creating it with DefaultConfig on
// first use.
func Default() *Context {
	processMu.Lock()
	defer processMu.Unlock()
	if processCtx == nil {
		ctx, err := NewContext(DefaultConfig())
		if err != nil {
			panic(err)
		}
		processCtx = ctx
	}
	return processCtx
}

// Shutdown closes the process-wide context. A later Init starts fresh.
func Shutdown() error {
	processMu.Lock()
	ctx := processCtx
	processCtx = nil
	processMu.Unlock()
	if ctx == nil {
		return nil
	}
	start := time.Now()
	err := ctx.Close()
	log.Debug().Dur("took", time.Since(start)).Msg("transport.Shutdown")
	return err
}
