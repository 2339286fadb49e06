package bootloader

import (
	"os"

	"github.com/rs/zerolog"
)

// ExitRebooter emulates a system reset on a host by exiting with a dedicated
// status. The supervisor restarts the agent, which then runs the boot sequence.
type ExitRebooter struct {
	code   int
	logger zerolog.Logger
	exit   func(int)
	before func()
}

// NewExitRebooter creates a rebooter exiting with code. before runs first and
// is meant to flush and close stores; it may be nil.
func NewExitRebooter(code int, before func(), logger zerolog.Logger) *ExitRebooter {
	return &ExitRebooter{
		code:   code,
		logger: logger,
		exit:   os.Exit,
		before: before,
	}
}

func (r *ExitRebooter) SystemReset() {
	r.logger.Warn().Int("exit_code", r.code).Msg("System reset requested, exiting for restart")
	if r.before != nil {
		r.before()
	}
	r.exit(r.code)
}
