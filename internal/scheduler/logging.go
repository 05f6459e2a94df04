package scheduler

import (
	"github.com/hadijannat/vplc/internal/diagnostics"
	"github.com/rs/zerolog"
)

// loggerAdapter writes a fault to the structured logger (for a human
// or log-shipping pipeline). logFault does not touch the diagnostics
// collector's fault ring; the scheduler pushes each fault there itself
// before logging it.
type loggerAdapter struct {
	log       zerolog.Logger
	collector *diagnostics.Collector
}

func (a loggerAdapter) logFault(err error) {
	a.log.Error().Err(err).Msg("vplc: fault observed")
}
