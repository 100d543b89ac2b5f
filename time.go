package treasury

import "time"

// elapsed reports whether at least d has passed between since and now.
func elapsed(since, now time.Time, d time.Duration) bool {
	return !now.Before(since.Add(d))
}
