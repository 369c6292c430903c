// Package testlog configures test logging and tags output with the running test.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/taskd/internal/logging"
)

// Start applies the test logging profile and returns a logger scoped to t.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := log.With().Str("test", t.Name()).Logger()
	logger.Debug().Msg("test start")
	return logger
}
