// Package client wraps the control-plane gRPC surface for the CLI and for
// worker health probing. Calls use the JSON content subtype matching the
// server's codec.
package client
