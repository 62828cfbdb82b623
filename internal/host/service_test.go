package host

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/registry"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/danmuck/hostlink/internal/service"
	"github.com/danmuck/hostlink/internal/session"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
)

func TestHostServiceEndToEnd(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(service.Config{
		Name:     "svc",
		Endpoint: envelope.Endpoint{Network: "tcp", Address: "127.0.0.1:0"},
		Mode:     service.ModeRegistry,
		Session:  session.DefaultConfig(),
		Relay:    relay.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svcErr := make(chan error, 1)
	go func() { svcErr <- svc.Run(ctx) }()
	var ep envelope.Endpoint
	select {
	case ep = <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("service never became ready")
	}

	h, err := NewService(Config{
		Name:     "host",
		Endpoint: ep,
		Handoff:  true,
		Session:  session.DefaultConfig(),
		Relay:    relay.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	hostErr := make(chan error, 1)
	go func() { hostErr <- h.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !slices.Contains(h.Registry().Connections(), PrivateConnection) {
		if time.Now().After(deadline) {
			t.Fatalf("private channel never registered, have %v", h.Registry().Connections())
		}
		time.Sleep(10 * time.Millisecond)
	}

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	type reply struct {
		payload []byte
		err     error
	}
	out := make(chan reply, 1)
	h.Registry().Call(callCtx, "doThing", []any{"a", "b"}, func(p []byte, err error) {
		out <- reply{payload: p, err: err}
	})
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatalf("call: %v", r.err)
		}
		res, err := registry.DecodeResult(r.payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.Result != float64(1) {
			t.Fatalf("expected service to count one pushed result, got %+v", res)
		}
	case <-callCtx.Done():
		t.Fatalf("no reply from service")
	}

	hostConn, err := svc.Runtime().WaitHost(callCtx)
	if err != nil {
		t.Fatalf("wait host: %v", err)
	}
	got, err := registry.Invoke(callCtx, hostConn, "greet", []any{"svc"})
	if err != nil {
		t.Fatalf("invoke greet: %v", err)
	}
	if got != "hello, svc" {
		t.Fatalf("unexpected greeting %v", got)
	}

	cancel()
	for name, ch := range map[string]chan error{"host": hostErr, "service": svcErr} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("%s run: %v", name, err)
			}
		case <-time.After(8 * time.Second):
			t.Fatalf("%s did not stop", name)
		}
	}
}

func TestConnectGivesUpAfterAttempts(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	h, err := NewService(Config{
		Name:            "host",
		Endpoint:        envelope.Endpoint{Network: "unix", Address: t.TempDir() + "/absent.sock"},
		ConnectAttempts: 2,
		Session:         cfg,
		Relay:           relay.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Run(ctx); err == nil {
		t.Fatalf("expected dial failure after exhausting attempts")
	}
}
