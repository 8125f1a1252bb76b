// Package events carries sync lifecycle notifications to registered
// handlers.
//
// The bus replaces import-time hook registration: handlers are added
// explicitly at startup and invoked synchronously on the worker running
// the sync, in priority order. A handler error is logged and the chain
// continues, so a misbehaving hook never fails a pipe.
package events

import (
	"time"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// Type identifies an event flowing through the bus.
type Type string

const (
	// SyncStarted fires before the first batch of a pipe sync. Handlers
	// registered for it act as pre-sync hooks.
	SyncStarted Type = "sync.started"

	// SyncSucceeded and SyncFailed fire after a sync returns, carrying
	// the result tuple and duration. Handlers act as post-sync hooks.
	SyncSucceeded Type = "sync.succeeded"
	SyncFailed    Type = "sync.failed"
)

// SyncTypes lists every sync lifecycle event.
func SyncTypes() []Type {
	return []Type{SyncStarted, SyncSucceeded, SyncFailed}
}

// ResultType maps a sync outcome to its post-sync event.
func ResultType(ok bool) Type {
	if ok {
		return SyncSucceeded
	}
	return SyncFailed
}

// PipeRef is the pipe identity on the wire.
type PipeRef struct {
	Connector string `json:"connector"`
	Metric    string `json:"metric"`
	Location  string `json:"location,omitempty"`
	Instance  string `json:"instance,omitempty"`
}

// Event is one sync lifecycle notification.
type Event struct {
	Type   Type    `json:"type"`
	Pipe   PipeRef `json:"pipe"`
	Target string  `json:"target,omitempty"`

	// Begin and End are the sync bounds rendered as strings, empty when
	// unbounded.
	Begin string `json:"begin,omitempty"`
	End   string `json:"end,omitempty"`

	// Stats and Result are set on the post-sync events.
	Stats  *meta.SyncStats    `json:"stats,omitempty"`
	Result *meta.SuccessTuple `json:"result,omitempty"`

	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	At              time.Time `json:"at"`
}
