// Package cooldown detects rate-limit and quota messages in tool output and
// holds the resulting process-wide "do not dispatch until" state.
package cooldown
