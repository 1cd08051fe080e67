// Package registry holds the in-process map of tasks currently owned by
// the dispatch engine (pending, assigned or processing). Terminal tasks
// live only in the state store.
package registry
