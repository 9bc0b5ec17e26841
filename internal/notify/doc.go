// Package notify turns job lifecycle events into operator notifications.
//
// The service subscribes to the event bus and applies each job's
// notification_config: completed runs notify when on_success is set, failed,
// deferred and cancelled runs when on_failure is set. Messages go through an
// async pipeline (queue, worker pool, rate limit, retry, dedup) to one or more
// sinks. The log sink is always available; the Telegram sink is configured
// with a bot token and a target chat.
package notify
