package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// StreamSyncEvents is the JetStream stream holding published sync events.
const StreamSyncEvents = "MRSM_SYNC"

// DefaultSubjectPrefix is used when config carries no
// events:nats:subject_prefix.
const DefaultSubjectPrefix = "mrsm"

// Subject returns the NATS subject for an event type, e.g.
// "mrsm.sync.started".
func Subject(prefix string, t Type) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(t)
}

// EnsureStream creates the sync event stream if it does not already exist.
func EnsureStream(js nats.JetStreamContext, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if _, err := js.StreamInfo(StreamSyncEvents); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamSyncEvents,
		Subjects: []string{prefix + ".sync.>"},
		Storage:  nats.FileStorage,
		// Retain the last 10000 events or 64MB, whichever comes first.
		MaxMsgs:  10000,
		MaxBytes: 64 << 20,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", StreamSyncEvents, err)
	}
	return nil
}

// StreamHandler publishes every sync event to JetStream. It runs at a late
// priority so in-process handlers observe the event first.
type StreamHandler struct {
	js     nats.JetStreamContext
	prefix string
}

// NewStreamHandler wraps an existing JetStream context.
func NewStreamHandler(js nats.JetStreamContext, prefix string) *StreamHandler {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &StreamHandler{js: js, prefix: prefix}
}

// ConnectStream dials NATS, ensures the stream exists, and returns a
// publishing handler. The returned close function drains the connection.
func ConnectStream(url, prefix string) (*StreamHandler, func(), error) {
	nc, err := nats.Connect(url, nats.Name("mrsm"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(js, prefix); err != nil {
		nc.Close()
		return nil, nil, err
	}
	closeFn := func() { _ = nc.Drain() }
	return NewStreamHandler(js, prefix), closeFn, nil
}

func (h *StreamHandler) ID() string      { return "jetstream" }
func (h *StreamHandler) Handles() []Type { return SyncTypes() }
func (h *StreamHandler) Priority() int   { return 90 }

// Handle publishes the event JSON to its subject.
func (h *StreamHandler) Handle(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = h.js.Publish(Subject(h.prefix, ev.Type), payload, nats.Context(ctx))
	return err
}
