/*
Package types defines the core data structures used throughout Relay.

This package contains the fundamental types that represent Relay's domain
model: tasks and their lifecycle states, retry policies, worker records with
capabilities and health, and the status documents rendered to clients. These
types are used by all other packages for state management, API communication,
and dispatch logic.

# Task Lifecycle

A task moves through a strict state graph with no back-edges out of terminal
states:

	        submit
	PENDING ───────► ASSIGNED ──start──► PROCESSING
	  ▲                                   │ ok         │ err/timeout        │ cancel
	  │                                   ▼            ▼                    ▼
	  └──────── retry (delay) ─────── COMPLETED    [retry?] ─ no ─► FAILED  CANCELLED
	                                                   │ yes
	                                                   ▼
	                                                PENDING

CanTransition validates edges; Terminal and Active classify states for the
dispatch engine and the active-task registry.

# Serialization

All types carry JSON tags. Task and WorkerRecord are the documents persisted
under the `task:<id>` and `worker:<server_id>` keyspaces in the state store,
and the message bodies on the task and server-registry bus topics.
*/
package types
