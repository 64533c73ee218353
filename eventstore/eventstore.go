// Package eventstore defines the log behind resumable Streamable HTTP
// streams. Every message written to an SSE stream is appended under its
// session and stream id and receives an index; a client reconnecting with a
// Last-Event-ID replays the events that follow it.
//
// Event ids on the wire are "<streamID>_<index>". The standalone stream has
// the empty stream id, so its ids look like "_4".
package eventstore

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"strings"
)

var (
	// ErrUnknownStream indicates a stream that was never opened or whose
	// session has been closed.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrEventsPurged indicates the requested position is older than the
	// retained events.
	ErrEventsPurged = errors.New("events purged")
)

// Event is one stored stream message.
type Event struct {
	Index int
	Data  []byte
}

// Store persists stream events. Implementations must be safe for concurrent
// use; appends to one stream are assigned strictly increasing indexes
// starting at 0.
type Store interface {
	// Open registers a stream. Opening an existing stream is a no-op.
	Open(ctx context.Context, sessionID, streamID string) error
	// Append stores data and returns its index.
	Append(ctx context.Context, sessionID, streamID string, data []byte) (int, error)
	// After yields the events with an index greater than index, in order.
	After(ctx context.Context, sessionID, streamID string, index int) iter.Seq2[Event, error]
	// SessionClosed drops every stream of the session.
	SessionClosed(ctx context.Context, sessionID string) error
}

// FormatEventID renders the SSE id of an event.
func FormatEventID(streamID string, index int) string {
	return streamID + "_" + strconv.Itoa(index)
}

// ParseEventID splits an id produced by FormatEventID.
func ParseEventID(id string) (streamID string, index int, ok bool) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return id[:i], n, true
}
