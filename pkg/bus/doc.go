/*
Package bus provides the partitioned message transport Relay runs on.

The Bus interface gives the control plane at-least-once delivery, ordering
within a partition, and keyed routing (same key, same partition). Consumers
join named groups; offset commits are surfaced to the core as per-message
Ack callbacks so the dispatch engine can defer commits until it has made a
terminal decision for the delivery.

Two backends:

  - KafkaBus: the production backend on IBM/sarama. One consumer group
    session per subscription; rebalances are absorbed by re-joining the
    group, and unacked deliveries are redelivered by the broker.
  - InMemory: an in-process partitioned log with the same routing and
    fan-out semantics, used by tests and single-node runs.

Handlers on the same partition run serially; partitions run in parallel.
*/
package bus
