// Package pool holds the data model shared by the store, dispatcher,
// registry and engine: items, tokens, subscribers, events and verdicts.
// Keeping these types dependency-free avoids import cycles between the
// packages that all need to speak about them.
package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Item is an opaque JSON value managed by the pool. Equality is
// JSON-canonical equality, not byte equality, so two items that differ
// only in object key order or whitespace are the same item.
//
// Item is a distinct type from json.RawMessage rather than an alias, so
// it needs its own MarshalJSON/UnmarshalJSON to pass the underlying
// bytes through unchanged instead of falling back to []byte's default
// base64 encoding.
type Item json.RawMessage

func (i Item) MarshalJSON() ([]byte, error) {
	return json.RawMessage(i).MarshalJSON()
}

func (i *Item) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(i).UnmarshalJSON(data)
}

// Canonical re-encodes the item with sorted object keys and no
// insignificant whitespace, so it can be used as a stable Redis member /
// hash field. encoding/json already sorts map keys on marshal, so
// round-tripping through interface{} is sufficient.
func (i Item) Canonical() (string, error) {
	if len(i) == 0 || bytes.Equal(bytes.TrimSpace(i), []byte("null")) {
		return "", fmt.Errorf("item must be a non-null JSON value")
	}
	var v interface{}
	if err := json.Unmarshal(i, &v); err != nil {
		return "", fmt.Errorf("item is not valid JSON: %w", err)
	}
	if v == nil {
		return "", fmt.Errorf("item must be a non-null JSON value")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EventKind identifies which lifecycle transition fired a subscriber
// fan-out.
type EventKind string

const (
	EventBorrow EventKind = "borrow"
	EventReturn EventKind = "return"
	EventSubmit EventKind = "submit"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventBorrow, EventReturn, EventSubmit:
		return true
	}
	return false
}

// Subscriber is an immutable config record describing one external HTTP
// endpoint to notify of a pool event.
type Subscriber struct {
	Name        string
	EventKind   EventKind
	PostURL     string
	MustSucceed bool
	Async       bool
}

// EventPayload is the body posted to subscribers: the item and, for
// Borrow/Return, the optional client-supplied params.
type EventPayload struct {
	Item   json.RawMessage `json:"item"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Verdict is the dispatcher's output for a full fan-out.
type Verdict struct {
	Committed bool
	Message   string
}

// OperationState is the lifecycle state of an async Operation record.
type OperationState string

const (
	OperationPending   OperationState = "pending"
	OperationSucceeded OperationState = "succeeded"
	OperationFailed    OperationState = "failed"
)

// OperationKind mirrors EventKind but is named separately because an
// Operation can outlive the event that spawned it and is addressed by
// its own id, not by the triggering event.
type OperationKind = EventKind
