package domain

import "time"

// SyncCursor is in-memory only: it survives as long as the process runs,
// never persisted. It lower-bounds the next mailbox query for a tenant.
type SyncCursor struct {
	TenantID string
	After    time.Time
}

// StartOfDay returns midnight of `now` in the given civil timezone, used to
// initialize the cursor for a tenant on its first poll. A conservative
// bound avoids re-ingesting historical mail on cold start while still
// populating a useful initial dataset.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
}
