/*
Package api is the synchronous control surface.

The gRPC service is declared with a hand-written ServiceDesc and a JSON
codec instead of protoc output, so the message types are the plain structs
of pkg/types and clients select the wire format with a call content
subtype. Unary methods cover submission, cancellation, status, pause and
resume, runtime configuration, health, and worker discovery; server
streams serve task listings, metric snapshots, and recent log records.

An HTTP listener beside the gRPC one exposes /health, /ready, and
/metrics for probes and Prometheus scrapes.
*/
package api
