// Package broker carries domain events between taskrpc nodes so that
// streaming sessions registered on one node see events produced on another.
package broker

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when lastEventID is not in the
// retained history.
var ErrUnknownEventID = errors.New("broker: unknown last event id")

// Broker provides namespace-isolated, ordered fan-out of opaque payloads.
type Broker interface {
	// Publish appends data to namespace and returns its event ID.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message published to namespace until
	// ctx ends or handler returns an error, which Subscribe then returns.
	// With an empty lastEventID delivery starts at the next published
	// message; otherwise it resumes after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all retained messages for namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler receives one delivered message.
type MessageHandler func(ctx context.Context, env MessageEnvelope) error

// MessageEnvelope wraps a payload with its ordering metadata.
type MessageEnvelope struct {
	// ID is unique and increasing within a namespace.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
