// Package scheduler runs named housekeeping jobs on cron or interval
// schedules (state autosave, conversation pruning).
//
// Jobs run on the cron goroutine with a per-job timeout. A trigger is skipped
// while the previous run of the same job is still in flight.
package scheduler
