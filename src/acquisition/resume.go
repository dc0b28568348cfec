package acquisition

import (
	"context"
	"fmt"
	"time"

	"github.com/nhirsama/picolog/src/datastore"
)

// Epoch is the previous end time used when there is no history.
var Epoch = time.Unix(0, 0)

// TimestampSource reports the time of the last stored sample.
type TimestampSource interface {
	LastTimestamp(ctx context.Context) (time.Time, bool, error)
}

// ResumePoint returns the previous end time implied by the sample log at
// path: the last logged timestamp plus one capture period. When the log is
// missing or empty the fallback (if any) is consulted the same way, and
// Epoch is returned when neither has history.
func ResumePoint(ctx context.Context, path string, capturePeriod time.Duration, fallback TimestampSource) (time.Time, error) {
	last, ok, err := datastore.LastTimestamp(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("resuming from %s: %w", path, err)
	}
	if ok {
		return last.Add(capturePeriod), nil
	}
	if fallback == nil {
		return Epoch, nil
	}

	last, ok, err = fallback.LastTimestamp(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("resuming from store: %w", err)
	}
	if !ok {
		return Epoch, nil
	}
	return last.Add(capturePeriod), nil
}
