package sigsock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// recordWriter is the send side of a connection.
type recordWriter interface {
	Write(Record) error
}

// keepAlive writes an ALIVE record every interval until ctx is done.
// The first record goes out one interval after start. A failed write is
// returned and ends the session sharing ctx. A non-positive interval
// disables the task.
func keepAlive(ctx context.Context, w recordWriter, interval time.Duration, logger Logger) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Write(NewRecord(MethodAlive)); err != nil {
				logger.Warn("keep-alive failed", "error", err)
				return errors.Wrap(err, "keep-alive")
			}
		}
	}
}
