package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/registry"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/danmuck/hostlink/internal/session"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
)

func startService(t *testing.T, mode string) (*Service, envelope.Endpoint) {
	t.Helper()
	svc, err := NewService(Config{
		Name:     "svc",
		Endpoint: envelope.Endpoint{Network: "unix", Address: t.TempDir() + "/svc.sock"},
		Mode:     mode,
		Session:  session.DefaultConfig(),
		Relay:    relay.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("service run: %v", err)
			}
		case <-time.After(8 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	select {
	case ep := <-svc.Ready():
		return svc, ep
	case <-time.After(2 * time.Second):
		t.Fatalf("service never became ready")
	}
	return nil, envelope.Endpoint{}
}

func dial(t *testing.T, ep envelope.Endpoint) *session.Manager {
	t.Helper()
	rt := session.NewRuntime(session.DefaultConfig(), nil, nil)
	m, err := rt.Dial(context.Background(), "client", ep)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestEchoMode(t *testing.T) {
	testlog.Start(t)
	_, ep := startService(t, ModeEcho)
	m := dial(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := m.Call(ctx, []byte{0x00, 0x01, 0xfe})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(got) != string([]byte{0x00, 0x01, 0xfe}) {
		t.Fatalf("expected echoed bytes, got %x", got)
	}
}

func TestRegistryMode(t *testing.T) {
	testlog.Start(t)
	svc, ep := startService(t, ModeRegistry)
	m := dial(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := registry.Invoke(ctx, m, "sum", []any{2, 3})
	if err != nil {
		t.Fatalf("invoke sum: %v", err)
	}
	if got != float64(5) {
		t.Fatalf("expected 5, got %v", got)
	}
	if got, err := registry.Invoke(ctx, m, "ping", nil); err != nil || got != "pong" {
		t.Fatalf("expected pong, got %v err=%v", got, err)
	}
	if _, err := registry.Invoke(ctx, m, "doThing2", nil); !errors.Is(err, registry.ErrMethodNotFound) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
	if stats := svc.Registry().Stats(); stats["sum"].Calls != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	testlog.Start(t)
	if _, err := NewService(Config{Name: "svc", Mode: "broadcast"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
