package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// NamedEndpoint resolves a service name to its unix socket under dir.
func NamedEndpoint(dir, name string) envelope.Endpoint {
	return envelope.Endpoint{
		Network: "unix",
		Address: filepath.Join(dir, name+".sock"),
	}
}

// EphemeralEndpoint derives a fresh private endpoint next to base: a uniquely
// named socket for unix, an OS-assigned port for tcp.
func EphemeralEndpoint(base envelope.Endpoint) envelope.Endpoint {
	switch base.Network {
	case "unix", "unixpacket":
		dir := filepath.Dir(base.Address)
		stem := strings.TrimSuffix(filepath.Base(base.Address), ".sock")
		return envelope.Endpoint{
			Network: base.Network,
			Address: filepath.Join(dir, stem+"-"+uuid.NewString()[:8]+".sock"),
		}
	default:
		host, _, err := net.SplitHostPort(base.Address)
		if err != nil || host == "" {
			host = "127.0.0.1"
		}
		return envelope.Endpoint{Network: base.Network, Address: net.JoinHostPort(host, "0")}
	}
}

// Listener accepts peer Channels on one endpoint and tracks them until they
// close.
type Listener struct {
	name string
	ln   net.Listener
	ep   envelope.Endpoint
	opts Options

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

func Listen(name string, ep envelope.Endpoint, opts Options) (*Listener, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if ep.Network == "unix" {
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", ep, err)
	}
	return &Listener{
		name:     name,
		ln:       ln,
		ep:       envelope.Endpoint{Network: ep.Network, Address: ln.Addr().String()},
		opts:     opts.WithDefaults(),
		channels: make(map[string]*Channel),
	}, nil
}

// Endpoint returns the bound endpoint, with any OS-assigned port resolved.
func (l *Listener) Endpoint() envelope.Endpoint {
	return l.ep
}

// Accept blocks for the next peer. The returned Channel is not resumed.
func (l *Listener) Accept() (*Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrChannelClosed
		}
		return nil, fmt.Errorf("channel: accept on %s: %w", l.ep, err)
	}
	ch := New(l.name, l.ep, conn, RoleAccepted, l.opts)
	ch.onClose = l.forget

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ch.Close()
		return nil, ErrChannelClosed
	}
	l.channels[ch.ID()] = ch
	l.mu.Unlock()

	log.Debug().Str("channel", l.name).Str("id", ch.ID()).Str("remote", conn.RemoteAddr().String()).Msg("peer accepted")
	return ch, nil
}

// Channels returns the currently open accepted channels.
func (l *Listener) Channels() []*Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		out = append(out, ch)
	}
	return out
}

// SignalTerminationImminent forwards the signal to every accepted channel.
func (l *Listener) SignalTerminationImminent() {
	for _, ch := range l.Channels() {
		ch.SignalTerminationImminent()
	}
}

// Close stops accepting peers. Accepted channels stay open.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()
	if l.ep.Network == "unix" {
		_ = os.Remove(l.ep.Address)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listener and every accepted channel.
func (l *Listener) Shutdown() error {
	var result *multierror.Error
	if err := l.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, ch := range l.Channels() {
		if err := ch.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", ch.ID(), err))
		}
	}
	return result.ErrorOrNil()
}

func (l *Listener) forget(ch *Channel) {
	l.mu.Lock()
	delete(l.channels, ch.ID())
	l.mu.Unlock()
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("channel: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}
