package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the failures from one fan-out style operation
// (update delivery, subscription replay) into a single error, logging the
// underlying failures once.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failures := make([]error, 0, len(errs))
	reasons := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures = append(failures, err)
		reasons = append(reasons, err.Error())
	}
	if len(failures) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "op", Value: operation},
		Field{Key: "failure_count", Value: len(failures)},
		Field{Key: "failures", Value: reasons},
	)
	Log().Error("partial delivery failure", logFields...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failures...))
}
