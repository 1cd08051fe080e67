/*
Package store persists task and worker state documents for Relay.

The package is split in two layers. KV is the narrow string-keyed interface
the control plane writes through: Put (with optional TTL), Get, Delete and
ListByPrefix. Two backends implement it:

  - RedisStore: the production backend on go-redis, with native TTL support
    and SCAN-based prefix listing.
  - BoltStore: an embedded single-file backend for single-node deployments
    with no external services. TTLs are ignored; retention is external.

StateStore layers the `task:<id>` and `worker:<server_id>` keyspaces on top,
(de)serialising the JSON documents from pkg/types.

Writes are last-writer-wins; there is no compare-and-set. Per-task-id write
serialisation is provided by the dispatch engine's bus partition ownership,
not by the store. Transport failures surface wrapped in ErrUnavailable so
callers can classify them as transient.
*/
package store
