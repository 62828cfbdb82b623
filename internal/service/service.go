// Package service runs the service side of a link: it listens on a named
// endpoint, relays inbound payloads to its processor and, once the host
// hands over a private channel, calls back into the host.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hostlink/internal/channel"
	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/node"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/registry"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/danmuck/hostlink/internal/server"
	"github.com/danmuck/hostlink/internal/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	ModeRegistry = "registry"
	ModeEcho     = "echo"
)

type Config struct {
	Name       string
	Endpoint   envelope.Endpoint
	StatusAddr string
	Mode       string
	Session    session.Config
	Relay      relay.Config
}

// ConfigFrom converts a loaded service config file.
func ConfigFrom(file config.ServiceConfig) (Config, error) {
	ep, err := file.Endpoint()
	if err != nil {
		return Config{}, err
	}
	sess, err := file.SessionConfig()
	if err != nil {
		return Config{}, err
	}
	rel, err := file.RelayConfig()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Name:       file.Name,
		Endpoint:   ep,
		StatusAddr: file.StatusAddr,
		Mode:       file.Mode,
		Session:    sess,
		Relay:      rel,
	}, nil
}

type Service struct {
	cfg      Config
	methods  *methods
	registry *registry.Registry
	broker   *relay.Broker
	runtime  *session.Runtime
	status   *server.Status

	ready chan envelope.Endpoint
}

var _ node.Node = (*Service)(nil)

func NewService(cfg Config) (*Service, error) {
	m := &methods{}
	reg := registry.New()
	if _, err := reg.Register(m); err != nil {
		return nil, err
	}

	var proc relay.Processor
	switch cfg.Mode {
	case ModeRegistry, "":
		proc = reg.Processor()
	case ModeEcho:
		proc = relay.Deliver(func(payload []byte, _ int) []byte { return payload })
	default:
		return nil, fmt.Errorf("service: unknown mode %q", cfg.Mode)
	}

	broker := relay.NewBroker(proc, cfg.Relay)
	rt := session.NewRuntime(cfg.Session, broker, session.LogNotifier{})
	s := &Service{
		cfg:      cfg,
		methods:  m,
		registry: reg,
		broker:   broker,
		runtime:  rt,
		ready:    make(chan envelope.Endpoint, 1),
	}
	if cfg.StatusAddr != "" {
		s.status = server.New(cfg.Name, cfg.StatusAddr, rt, reg)
	}
	return s, nil
}

func (s *Service) NodeID() string               { return s.cfg.Name }
func (s *Service) Kind() string                 { return "service" }
func (s *Service) Registry() *registry.Registry { return s.registry }
func (s *Service) Runtime() *session.Runtime    { return s.runtime }

// Ready yields the bound endpoint once the listener is up.
func (s *Service) Ready() <-chan envelope.Endpoint { return s.ready }

func (s *Service) Run(ctx context.Context) error {
	ln, err := s.runtime.Listen(s.cfg.Name, s.cfg.Endpoint)
	if err != nil {
		return err
	}
	log.Info().Str("node", s.cfg.Name).Str("endpoint", ln.Endpoint().String()).Str("mode", s.cfg.Mode).Msg("service listening")
	s.ready <- ln.Endpoint()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.runtime.Serve(ln)
		if errors.Is(err, channel.ErrChannelClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error { return s.greetHost(gctx) })
	if s.status != nil {
		g.Go(func() error { return s.status.Serve(gctx) })
	}
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.runtime.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Str("node", s.cfg.Name).Err(serr).Msg("shutdown incomplete")
	}
	if serr := ln.Shutdown(); serr != nil {
		log.Debug().Str("node", s.cfg.Name).Err(serr).Msg("listener shutdown")
	}
	return err
}

// greetHost calls back into every host that hands over a private channel.
func (s *Service) greetHost(ctx context.Context) error {
	for {
		host, err := s.runtime.WaitHost(ctx)
		if err != nil {
			return nil
		}
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		version, err := registry.Invoke(callCtx, host, "version", nil)
		cancel()
		if err != nil {
			log.Warn().Str("node", s.cfg.Name).Err(err).Msg("host version call failed")
		} else {
			log.Info().Str("node", s.cfg.Name).Interface("host_version", version).Msg("host connection ready")
		}
		select {
		case <-host.Done():
		case <-ctx.Done():
			return nil
		}
	}
}
