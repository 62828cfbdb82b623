package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a logger tagged with the component and node names
// from the process logger.
func ComponentLogger(component, node string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Str("node", node).Logger()
}
