package session

import "github.com/rs/zerolog/log"

// Error kinds passed to Notifier.
const (
	KindPeerInvalid         = "peer-invalid"
	KindTerminationImminent = "termination-imminent"
	KindInterrupted         = "interrupted"
)

// Notifier is told about connection-level errors observed by a Manager.
type Notifier interface {
	NotifyError(name, kind string)
}

type NotifierFunc func(name, kind string)

func (f NotifierFunc) NotifyError(name, kind string) { f(name, kind) }

// LogNotifier reports errors to the process logger.
type LogNotifier struct{}

func (LogNotifier) NotifyError(name, kind string) {
	log.Warn().Str("channel", name).Str("kind", kind).Msg("received error event")
}
