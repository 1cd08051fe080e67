// Package daemon supervises the control plane's lifecycle: components come
// up in dependency order (store, bus, worker registry, dispatch engine,
// control surface), a one-shot recovery sweep re-admits pending tasks left
// over from the previous run, and shutdown reverses the order with a
// bounded drain of in-flight attempts.
package daemon
