package observability

import (
	"errors"
	"fmt"
)

// JoinErrors drops nil entries, logs the remainder against logger and returns them joined under the
// operation name. It returns nil when nothing failed.
func JoinErrors(logger Logger, operation string, errs ...error) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	logger.Error("operation errors",
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
