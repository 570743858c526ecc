// Package scheduler triggers periodic maintenance jobs (cron or interval)
// such as the due-campaign sweep. Jobs run on the cron goroutine with a
// per-run timeout; a run that is still in flight when the next trigger fires
// is skipped.
package scheduler
