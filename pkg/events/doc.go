// Package events provides a typed in-process broker for task lifecycle and
// worker registry events. Observers subscribe for buffered channels; slow
// subscribers drop events rather than blocking publishers.
package events
