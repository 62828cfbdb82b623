// Package host runs the host side of a link: it dials the service, hands it
// a private channel back to the host and dispatches registry calls over the
// connection.
package host

import (
	"context"
	"errors"
	"math/rand"
	"time"

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

const Version = "0.1.0"

var ErrConnectionLost = errors.New("host: service connection lost")

// PrivateConnection is the registry key of the handed-off channel.
const PrivateConnection = "private"

type Config struct {
	Name       string
	Endpoint   envelope.Endpoint
	StatusAddr string
	Handoff    bool
	// Redial reconnects after the service connection is lost. Each new
	// connection gets its own handoff, so the session layer does not
	// reconnect on its own.
	Redial bool
	// ConnectAttempts caps dials per connection; zero retries until the
	// context ends.
	ConnectAttempts int
	Session         session.Config
	Relay           relay.Config
}

// ConfigFrom converts a loaded host config file.
func ConfigFrom(file config.HostConfig) (Config, error) {
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
	sess.Reconnect = false
	return Config{
		Name:            file.Name,
		Redial:          file.Reconnect,
		Endpoint:        ep,
		StatusAddr:      file.StatusAddr,
		Handoff:         file.Handoff,
		ConnectAttempts: file.MaxReconnectAttempts,
		Session:         sess,
		Relay:           rel,
	}, nil
}

type Service struct {
	cfg      Config
	registry *registry.Registry
	broker   *relay.Broker
	runtime  *session.Runtime
	status   *server.Status
}

var _ node.Node = (*Service)(nil)

func NewService(cfg Config) (*Service, error) {
	reg := registry.New()
	if _, err := reg.Register(&methods{name: cfg.Name, started: time.Now()}); err != nil {
		return nil, err
	}
	broker := relay.NewBroker(reg.Processor(), cfg.Relay)
	rt := session.NewRuntime(cfg.Session, broker, session.LogNotifier{})
	s := &Service{
		cfg:      cfg,
		registry: reg,
		broker:   broker,
		runtime:  rt,
	}
	if cfg.StatusAddr != "" {
		s.status = server.New(cfg.Name, cfg.StatusAddr, rt, reg)
	}
	return s, nil
}

func (s *Service) NodeID() string               { return s.cfg.Name }
func (s *Service) Kind() string                 { return "host" }
func (s *Service) Registry() *registry.Registry { return s.registry }
func (s *Service) Runtime() *session.Runtime    { return s.runtime }

// Run keeps a connection to the service until ctx ends, then announces
// termination to the peer and drains in-flight work.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.status != nil {
		g.Go(func() error { return s.status.Serve(gctx) })
	}
	g.Go(func() error { return s.supervise(gctx) })
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.runtime.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Str("node", s.cfg.Name).Err(serr).Msg("shutdown incomplete")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) supervise(ctx context.Context) error {
	for {
		m, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.registry.RegisterConnection(registry.DefaultConnection, m)
		if s.cfg.Handoff {
			s.handoff(ctx, m)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.Done():
			s.registry.UnregisterConnection(registry.DefaultConnection)
			s.registry.UnregisterConnection(PrivateConnection)
			if !s.cfg.Redial {
				return ErrConnectionLost
			}
			log.Warn().Str("node", s.cfg.Name).Msg("service connection lost, redialing")
		}
	}
}

func (s *Service) connect(ctx context.Context) (*session.Manager, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		m, err := s.runtime.Dial(ctx, s.cfg.Name, s.cfg.Endpoint)
		if err == nil {
			if err = m.Resume(); err == nil {
				log.Info().Str("node", s.cfg.Name).Str("endpoint", s.cfg.Endpoint.String()).Int("attempt", attempt).Msg("connected to service")
				return m, nil
			}
			_ = m.Close()
		}
		if s.cfg.ConnectAttempts > 0 && attempt >= s.cfg.ConnectAttempts {
			return nil, err
		}
		log.Debug().Str("node", s.cfg.Name).Int("attempt", attempt).Err(err).Msg("dial failed")

		timer := time.NewTimer(s.cfg.Session.Backoff.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) handoff(ctx context.Context, m *session.Manager) {
	private, err := m.HandoffEphemeral(ctx)
	if err != nil {
		log.Warn().Str("node", s.cfg.Name).Err(err).Msg("private channel handoff failed")
		return
	}
	s.registry.RegisterConnection(PrivateConnection, private)
	log.Info().Str("node", s.cfg.Name).Str("id", private.ID()).Msg("private channel ready")
}
