package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry syncs buffered log entries before process exit. Metrics are scraped, so
// there is nothing to push. Sync errors from unsyncable outputs (a terminal or pipe) are ignored.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}
