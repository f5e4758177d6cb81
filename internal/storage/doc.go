// Package storage persists scheduler state across restarts and keeps an
// audit log of proactive sends.
//
// Timestamps are stored as RFC 3339 strings. A value that does not parse on
// load is replaced by the load time, so a corrupt record restarts its clock
// instead of failing the whole load.
package storage
