// Package bus is the pub/sub substrate shared by the matchmaker, the relay and
// chat. A channel carries two styles of event: application broadcasts and
// row-change notifications emitted by the store. Delivery is ordered per
// subscription and at-least-once; nothing is deduplicated.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind separates broadcasts from row changes.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindInsert    Kind = "insert"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Event is the unit carried on a channel.
type Event struct {
	Kind    Kind            `json:"kind"`
	Type    string          `json:"type,omitempty"`  // broadcast event name
	Table   string          `json:"table,omitempty"` // set for row changes
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewBroadcast builds a broadcast event of the given type.
func NewBroadcast(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindBroadcast, Type: eventType, Payload: raw}, nil
}

// NewRowChange builds a row-change event for table.
func NewRowChange(kind Kind, table string, row any) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Table: table, Payload: raw}, nil
}

// Filter selects which events on a channel reach a handler. Zero fields match
// anything.
type Filter struct {
	Kinds []Kind
	Type  string
	Table string
	Match func(Event) bool
}

// Broadcasts matches broadcast events, optionally of one type.
func Broadcasts(eventType string) Filter {
	return Filter{Kinds: []Kind{KindBroadcast}, Type: eventType}
}

// RowChanges matches the given change kinds on table.
func RowChanges(table string, match func(Event) bool, kinds ...Kind) Filter {
	return Filter{Kinds: kinds, Table: table, Match: match}
}

// Allows reports whether e passes the filter.
func (f Filter) Allows(e Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.Match != nil && !f.Match(e) {
		return false
	}
	return true
}

// Handler receives events for one subscription, one at a time, in order.
type Handler func(Event)

// Subscription is a live registration. After Unsubscribe returns, queued
// events are discarded and only an invocation already in flight may finish.
// Unsubscribe is safe to call from inside the handler and more than once.
type Subscription interface {
	Unsubscribe()
}

// Bus is the messaging substrate.
type Bus interface {
	Publish(ctx context.Context, channel string, ev Event) error
	// Subscribe returns once the subscription is live, so a publish issued
	// after it returns is guaranteed to be observed.
	Subscribe(ctx context.Context, channel string, f Filter, h Handler) (Subscription, error)
	Close() error
}
