// Package pointer has helpers for building pointers to literals, mostly for
// the nullable columns of the job record.
package pointer

import "time"

// Int64 returns a pointer to v. Result codes, pids and pid start ticks are
// nullable in the job record, so they travel as *int64.
func Int64(v int64) *int64 {
	return &v
}

// Time returns a pointer to t.
func Time(t time.Time) *time.Time {
	return &t
}
