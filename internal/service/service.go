// Package service holds the orchestration engine: discovery, batches, the
// job state machine, approval, publishing and the workers that drive them.
package service

import (
	"errors"
	"time"

	"github.com/timmy/sermontube/internal/domain"
)

// Clock returns the current time. Services take one so tests can move time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// isNoop reports whether err means another worker already did or is doing
// the work.
func isNoop(err error) bool {
	return errors.Is(err, domain.ErrLeaseHeld)
}

// truncate keeps error details stored on jobs readable.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
