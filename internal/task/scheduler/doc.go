// Package scheduler is the coordinating loop: a cron-driven tick finds due
// jobs, consults the cooldown gate, and hands execution chains to the task
// engine in priority order. Each chain runs its attempts and retries while
// holding the job's slot, then writes the terminal result and fans out to
// child jobs on success.
package scheduler
