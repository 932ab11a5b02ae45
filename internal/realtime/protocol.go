// Package realtime carries row changes over websockets: Server relays an
// upstream backend.Feed to authenticated connections, and Feed is the client
// side, one connection per subscription.
package realtime

import (
	"fmt"
	"strings"

	"chat-sync/internal/backend"
	"chat-sync/internal/model"
)

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSubscribed  = "subscribed"
	FrameChange      = "change"
	FrameError       = "error"
)

// Frame is one JSON message on the socket. Several frames written together
// are separated by newlines.
type Frame struct {
	Type   string        `json:"type"`
	Ref    string        `json:"ref,omitempty"`
	Table  model.Table   `json:"table,omitempty"`
	Filter string        `json:"filter,omitempty"`
	Change *model.Change `json:"change,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// subscribeFrame encodes a filter as "column=eq.value".
func subscribeFrame(ref string, f backend.Filter) Frame {
	fr := Frame{Type: FrameSubscribe, Ref: ref, Table: f.Table}
	if f.Column != "" {
		fr.Filter = fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
	}
	return fr
}

// filterOf decodes the filter of a subscribe frame.
func filterOf(fr Frame) (backend.Filter, error) {
	f := backend.Filter{Table: fr.Table}
	if fr.Filter == "" {
		return f, nil
	}
	column, value, ok := strings.Cut(fr.Filter, "=eq.")
	if !ok || column == "" {
		return backend.Filter{}, fmt.Errorf("unsupported filter %q", fr.Filter)
	}
	f.Column, f.Value = column, value
	return f, nil
}
