/*
Package retry implements the backoff state machine for failed task
attempts.

The delay before retry k is min(initial * factor^(k-1), max). A failed
attempt is retried while attempts remain and the handler did not classify
the error as permanent. Re-publishes are deferred on monotonic timers and
go back out through a publish function injected by the dispatch engine;
if the re-publish itself keeps failing the task is failed terminally by
the caller.
*/
package retry
