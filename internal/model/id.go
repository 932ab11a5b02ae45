package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// TemporaryPrefix marks IDs minted locally for optimistic placeholders.
// The backend never assigns IDs with this prefix.
const TemporaryPrefix = "temp_"

var ErrMalformedRow = errors.New("malformed row")

// IDKind tags a MessageID.
type IDKind uint8

const (
	Confirmed IDKind = iota
	Temporary
)

func (k IDKind) String() string {
	if k == Temporary {
		return "temporary"
	}
	return "confirmed"
}

// MessageID is either Temporary(localID) or Confirmed(serverID).
type MessageID struct {
	kind  IDKind
	value string
}

// NewTemporaryID mints a placeholder ID. ULIDs keep them unique and sortable
// even when two sends land in the same millisecond.
func NewTemporaryID() MessageID {
	return MessageID{kind: Temporary, value: TemporaryPrefix + ulid.Make().String()}
}

// ConfirmedID wraps a backend-assigned ID. It rejects values that could be
// mistaken for a placeholder.
func ConfirmedID(serverID string) (MessageID, error) {
	if serverID == "" {
		return MessageID{}, fmt.Errorf("%w: empty message id", ErrMalformedRow)
	}
	if strings.HasPrefix(serverID, TemporaryPrefix) {
		return MessageID{}, fmt.Errorf("%w: server id %q uses the reserved prefix", ErrMalformedRow, serverID)
	}
	return MessageID{kind: Confirmed, value: serverID}, nil
}

// ParseMessageID classifies a raw ID by its prefix.
func ParseMessageID(raw string) MessageID {
	if strings.HasPrefix(raw, TemporaryPrefix) {
		return MessageID{kind: Temporary, value: raw}
	}
	return MessageID{kind: Confirmed, value: raw}
}

func (id MessageID) Kind() IDKind      { return id.kind }
func (id MessageID) IsTemporary() bool { return id.kind == Temporary }
func (id MessageID) IsZero() bool      { return id.value == "" }
func (id MessageID) String() string    { return id.value }
