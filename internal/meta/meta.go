// Package meta defines the result and error vocabulary shared by every
// component of the sync engine.
//
// A SuccessTuple is the universal outcome carrier at component boundaries:
// instance connectors, the sync orchestrator, and the scheduler all report
// (ok, message) pairs rather than raising. Typed errors (see errors.go) are
// reserved for API boundaries and for retry/fallback decisions inside the
// engine.
package meta

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SuccessTuple carries the outcome of an operation and a human-readable
// message. It serialises as a two-element JSON array [bool, string] so it
// round-trips with the HTTP API and with other implementations of the
// protocol.
type SuccessTuple struct {
	Success bool
	Message string
}

// OK returns a successful tuple with a formatted message.
func OK(format string, args ...any) SuccessTuple {
	return SuccessTuple{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Fail returns a failed tuple with a formatted message.
func Fail(format string, args ...any) SuccessTuple {
	return SuccessTuple{Success: false, Message: fmt.Sprintf(format, args...)}
}

// FromError converts an error into a failed tuple, preserving the kind tag
// in the message where one is attached.
func FromError(err error) SuccessTuple {
	if err == nil {
		return OK("success")
	}
	return SuccessTuple{Success: false, Message: err.Error()}
}

// String renders the tuple the way the CLI prints per-pipe results.
func (st SuccessTuple) String() string {
	if st.Success {
		return "success: " + st.Message
	}
	return "failure: " + st.Message
}

// MarshalJSON encodes the tuple as [bool, string].
func (st SuccessTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{st.Success, st.Message})
}

// UnmarshalJSON decodes either the canonical [bool, string] array form or an
// {"success": …, "message": …} object emitted by older servers.
func (st *SuccessTuple) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 2 {
			return fmt.Errorf("success tuple: expected 2 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[0], &st.Success); err != nil {
			return fmt.Errorf("success tuple: first element: %w", err)
		}
		if err := json.Unmarshal(arr[1], &st.Message); err != nil {
			return fmt.Errorf("success tuple: second element: %w", err)
		}
		return nil
	}
	var obj struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("success tuple: %w", err)
	}
	st.Success = obj.Success
	st.Message = obj.Message
	return nil
}

// SyncStats accumulates row counts across the batches of one sync.
type SyncStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Upserted int `json:"upserted"`
	Batches  int `json:"batches"`

	// Warnings carries non-fatal write anomalies, such as clamped
	// out-of-range datetimes on an unenforced pipe.
	Warnings []string `json:"warnings,omitempty"`
}

// Add folds another stats value into the receiver.
func (s *SyncStats) Add(other SyncStats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Upserted += other.Upserted
	s.Batches += other.Batches
	for _, w := range other.Warnings {
		s.Warn(w)
	}
}

// Warn records a warning once; duplicates across batches collapse.
func (s *SyncStats) Warn(msg string) {
	for _, w := range s.Warnings {
		if w == msg {
			return
		}
	}
	s.Warnings = append(s.Warnings, msg)
}

// Rows returns the total number of rows written.
func (s SyncStats) Rows() int {
	return s.Inserted + s.Updated + s.Upserted
}

// Message renders the canonical sync message. Zero counts are omitted, so
// a pure insert reads "inserted 1" and a pure update "updated 1". A sync
// that wrote nothing reports "inserted 0, updated 0".
func (s SyncStats) Message() string {
	var parts []string
	if s.Inserted > 0 {
		parts = append(parts, fmt.Sprintf("inserted %d", s.Inserted))
	}
	if s.Updated > 0 {
		parts = append(parts, fmt.Sprintf("updated %d", s.Updated))
	}
	if s.Upserted > 0 {
		parts = append(parts, fmt.Sprintf("upserted %d", s.Upserted))
	}
	msg := strings.Join(parts, ", ")
	if len(parts) == 0 {
		msg = "inserted 0, updated 0"
	}
	for _, w := range s.Warnings {
		msg += "; warning: " + w
	}
	return msg
}
