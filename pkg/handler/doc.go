/*
Package handler defines the pluggable per-kind execution contract.

A Handler receives the task payload and a context carrying the attempt
deadline; it returns a result or an error. Errors are transient (retried
per policy) unless wrapped with Permanent, in which case the task fails
immediately. The Registry resolves a kind string to its handler; an
unknown kind is a terminal failure.
*/
package handler
