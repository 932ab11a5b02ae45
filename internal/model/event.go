package model

import (
	"fmt"
	"strconv"
	"time"
)

// Table names a backend table that emits row changes.
type Table string

const (
	TableMessages      Table = "messages"
	TableConversations Table = "conversations"
)

// EventType is the kind of row change on the wire.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Row is a loosely typed table row as delivered by the change stream.
// Accessors tolerate missing or oddly typed fields.
type Row map[string]any

// String returns the field as a string. Numeric IDs are formatted.
func (r Row) String(key string) (string, bool) {
	switch v := r[key].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

// Bool returns the field as a bool.
func (r Row) Bool(key string) (bool, bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

var rowTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

// Time returns the field as a timestamp.
func (r Row) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range rowTimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case float64:
		return time.UnixMilli(int64(v)), true
	}
	return time.Time{}, false
}

// Has reports whether the row carries the field at all.
func (r Row) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Event is the sum type Insert | Update | Delete.
type Event interface {
	Table() Table
	Type() EventType
}

type Insert struct {
	Source Table
	New    Row
}

type Update struct {
	Source Table
	New    Row
	Old    Row
}

type Delete struct {
	Source Table
	Old    Row
}

func (e Insert) Table() Table    { return e.Source }
func (e Insert) Type() EventType { return EventInsert }
func (e Update) Table() Table    { return e.Source }
func (e Update) Type() EventType { return EventUpdate }
func (e Delete) Table() Table    { return e.Source }
func (e Delete) Type() EventType { return EventDelete }

// Change is the JSON envelope used by the relays.
type Change struct {
	Type  EventType `json:"type"`
	Table Table     `json:"table"`
	New   Row       `json:"new,omitempty"`
	Old   Row       `json:"old,omitempty"`
}

// Event converts the envelope into its typed form.
func (c Change) Event() (Event, error) {
	switch c.Type {
	case EventInsert:
		return Insert{Source: c.Table, New: c.New}, nil
	case EventUpdate:
		return Update{Source: c.Table, New: c.New, Old: c.Old}, nil
	case EventDelete:
		return Delete{Source: c.Table, Old: c.Old}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedRow, c.Type)
	}
}

// ChangeOf is the inverse of Change.Event.
func ChangeOf(e Event) Change {
	switch ev := e.(type) {
	case Insert:
		return Change{Type: EventInsert, Table: ev.Source, New: ev.New}
	case Update:
		return Change{Type: EventUpdate, Table: ev.Source, New: ev.New, Old: ev.Old}
	case Delete:
		return Change{Type: EventDelete, Table: ev.Source, Old: ev.Old}
	}
	return Change{}
}

// MessageRow encodes a message for the change stream.
func MessageRow(m Message) Row {
	return Row{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"created_at":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"is_read":         m.IsRead,
	}
}

// MessageFromRow decodes a message row. Only a usable ID is required; any
// other missing field falls back to a safe default (receivedAt for the
// timestamp, empty strings, unread).
func MessageFromRow(row Row, receivedAt time.Time) (Message, error) {
	raw, _ := row.String("id")
	id, err := ConfirmedID(raw)
	if err != nil {
		return Message{}, err
	}

	msg := Message{ID: id.String()}
	msg.ConversationID, _ = row.String("conversation_id")
	msg.SenderID, _ = row.String("sender_id")
	msg.Content, _ = row.String("content")
	msg.IsRead, _ = row.Bool("is_read")
	if t, ok := row.Time("created_at"); ok {
		msg.CreatedAt = t
	} else {
		msg.CreatedAt = receivedAt
	}
	return msg, nil
}

// PatchFromRow builds a patch from the fields an UPDATE row actually carries.
func PatchFromRow(row Row) MessagePatch {
	var p MessagePatch
	if v, ok := row.String("content"); ok {
		p.Content = &v
	}
	if v, ok := row.Bool("is_read"); ok {
		p.IsRead = &v
	}
	if v, ok := row.Time("created_at"); ok {
		p.CreatedAt = &v
	}
	return p
}

// ConversationRow encodes a conversation for the change stream.
func ConversationRow(c Conversation) Row {
	return Row{
		"id":              c.ID,
		"participant1_id": c.Participant1ID,
		"participant2_id": c.Participant2ID,
		"updated_at":      c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ConversationFromRow decodes a conversation row.
func ConversationFromRow(row Row) (Conversation, error) {
	id, ok := row.String("id")
	if !ok || id == "" {
		return Conversation{}, fmt.Errorf("%w: conversation without id", ErrMalformedRow)
	}
	c := Conversation{ID: id}
	c.Participant1ID, _ = row.String("participant1_id")
	c.Participant2ID, _ = row.String("participant2_id")
	c.UpdatedAt, _ = row.Time("updated_at")
	return c, nil
}
