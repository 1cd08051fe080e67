/*
Package dispatch is the task execution engine.

The engine consumes the task topic through a consumer group, admits each
delivery once (duplicates are dropped against the active registry), and
executes handlers on a pool bounded by max_concurrent_tasks. Admitted
tasks that cannot start immediately wait in a bounded in-process queue
ordered by priority, then enqueue time. Admission is gated while paused;
the delivery stays unacked so broker-side lag acts as the backlog.

Each attempt runs under a per-attempt timeout. Success records COMPLETED
with the handler result; failure consults the retry controller, which
either re-publishes the task with an incremented attempt after an
exponential delay or fails it terminally. The delivery's offset is
committed only after one of these terminal decisions, preserving
at-least-once semantics across crashes.

The engine also consumes the admin command topic (PAUSE, RESUME, STATS,
CANCEL <id>) so operators can steer it through the bus as well as the API.
*/
package dispatch
