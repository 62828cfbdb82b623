package node

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Node is one long-running hostlink process.
type Node interface {
	NodeID() string
	Kind() string
	Run(ctx context.Context) error
}

// Run blocks until n returns or the process receives SIGINT or SIGTERM.
func Run(n Node) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("node", n.NodeID()).Str("kind", n.Kind()).Msg("starting")
	err := n.Run(ctx)
	log.Info().Str("node", n.NodeID()).Str("kind", n.Kind()).AnErr("err", err).Msg("stopped")
	return err
}
