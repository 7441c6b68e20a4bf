// Package scheduler runs the relay's housekeeping jobs (context expiry,
// inactive chat cleanup) on cron or interval schedules.
//
// Jobs run directly on the cron goroutine with panic recovery and
// skip-if-still-running semantics; each run gets its own timeout.
package scheduler
