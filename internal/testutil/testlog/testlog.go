package testlog

import (
	"testing"

	"github.com/danmuck/bridgectl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once and tags the log stream with the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("testlog.Start")
}
