package server

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/bridgectl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultEndpoint = "tcp://*:5555"

// ServiceConfig configures the reply endpoint.
type ServiceConfig struct {
	Endpoint string
	// PollInterval bounds each receive so shutdown is noticed promptly.
	PollInterval time.Duration
	Transport    transport.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Endpoint:     DefaultEndpoint,
		PollInterval: 250 * time.Millisecond,
		Transport:    transport.DefaultConfig(),
	}
}

// Service binds a reply socket and answers every request with Handler.
type Service struct {
	cfg     ServiceConfig
	handler *Handler
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), nil)
}

// NewServiceWithConfig builds a service. A nil handler selects the default
// computation registry.
func NewServiceWithConfig(cfg ServiceConfig, handler *Handler) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	if handler == nil {
		handler = NewHandler(nil, nil)
	}
	return &Service{cfg: cfg, handler: handler}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Handler() *Handler {
	return s.handler
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext owns a transport context for the lifetime of ctx.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.cfg.Transport.ValidateServer(); err != nil {
		return err
	}
	tctx, err := transport.NewContext(s.cfg.Transport)
	if err != nil {
		return err
	}
	defer tctx.Close()

	sock, err := s.Listen(tctx)
	if err != nil {
		return err
	}
	log.Warn().
		Str("endpoint", s.cfg.Endpoint).
		Stringer("addr", sock.Addr()).
		Str("driver", string(s.cfg.Transport.Driver)).
		Msg("server.Service.Run listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, sock)
	})
	g.Go(func() error {
		<-gctx.Done()
		return sock.Close()
	})
	err = g.Wait()
	log.Info().Uint64("requests", s.handler.Requests()).Msg("server.Service.Run stopped")
	return err
}

// Listen opens and binds the reply socket on the configured endpoint.
func (s *Service) Listen(tctx *transport.Context) (transport.Socket, error) {
	sock, err := tctx.Open(transport.KindRep)
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(s.cfg.Endpoint); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return sock, nil
}

// Serve answers requests on sock until ctx ends or the socket closes.
// Every received request gets exactly one reply.
func (s *Service) Serve(ctx context.Context, sock transport.Socket) error {
	if err := sock.SetReceiveTimeout(s.cfg.PollInterval); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := sock.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		reply := s.handler.Handle(ctx, msg)
		if err := sock.Send(reply); err != nil {
			if errors.Is(err, transport.ErrClosed) && ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("server.Service.Serve reply dropped")
		}
	}
}
