package cmd

import (
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
)

// usageErr builds a UsageError from a format string.
func usageErr(format string, args ...any) error {
	return apperrors.Usagef(format, args...)
}

// exitCodeFor maps the error taxonomy onto process exit codes.
func exitCodeFor(err error) int {
	var usage *apperrors.UsageError
	if errors.As(err, &usage) {
		return foundry.ExitInvalidArgument
	}
	return 1
}

// ExitWithCode logs a fatal message and terminates the process with the
// given foundry exit code. Used by doctor-style commands where the failure
// is terminal and the message is the whole story.
func ExitWithCode(logger *zap.Logger, code int, message string, fields ...zap.Field) {
	logger.Error(message, fields...)
	_ = logger.Sync()
	osExit(code)
}

// osExit is swapped out by tests.
var osExit = os.Exit
