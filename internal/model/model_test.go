package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTemporaryIDsAreDistinguishable(t *testing.T) {
	a := NewTemporaryID()
	b := NewTemporaryID()

	if !a.IsTemporary() || !b.IsTemporary() {
		t.Fatalf("expected temporary ids, got %v and %v", a.Kind(), b.Kind())
	}
	if a.String() == b.String() {
		t.Fatalf("temporary ids collided: %s", a)
	}
	if !ParseMessageID(a.String()).IsTemporary() {
		t.Fatalf("ParseMessageID lost the temporary tag for %s", a)
	}
	if ParseMessageID("m42").IsTemporary() {
		t.Fatal("server id parsed as temporary")
	}
}

func TestConfirmedIDRejectsReservedPrefix(t *testing.T) {
	if _, err := ConfirmedID(TemporaryPrefix + "123"); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow, got %v", err)
	}
	if _, err := ConfirmedID(""); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow for empty id, got %v", err)
	}
	id, err := ConfirmedID("m42")
	if err != nil {
		t.Fatalf("ConfirmedID err: %v", err)
	}
	if id.IsTemporary() || id.String() != "m42" {
		t.Fatalf("unexpected id %v", id)
	}
}

func TestMessageFromRowDefaults(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg, err := MessageFromRow(Row{"id": float64(7), "conversation_id": "c1"}, received)
	if err != nil {
		t.Fatalf("MessageFromRow err: %v", err)
	}
	if msg.ID != "7" {
		t.Errorf("expected numeric id to be formatted, got %q", msg.ID)
	}
	if !msg.CreatedAt.Equal(received) {
		t.Errorf("expected receive time fallback, got %v", msg.CreatedAt)
	}
	if msg.SenderID != "" || msg.Content != "" || msg.IsRead {
		t.Errorf("unexpected defaults: %+v", msg)
	}

	if _, err := MessageFromRow(Row{"content": "no id"}, received); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow, got %v", err)
	}
}

func TestChangeRoundTripThroughJSON(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)
	in := Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello", CreatedAt: created}

	payload, err := json.Marshal(ChangeOf(Insert{Source: TableMessages, New: MessageRow(in)}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var change Change
	if err := json.Unmarshal(payload, &change); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev, err := change.Event()
	if err != nil {
		t.Fatalf("Event err: %v", err)
	}
	ins, ok := ev.(Insert)
	if !ok {
		t.Fatalf("expected Insert, got %T", ev)
	}
	out, err := MessageFromRow(ins.New, time.Now())
	if err != nil {
		t.Fatalf("MessageFromRow err: %v", err)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("created_at mismatch: got %v want %v", out.CreatedAt, in.CreatedAt)
	}
	out.CreatedAt = in.CreatedAt
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestChangeUnknownType(t *testing.T) {
	if _, err := (Change{Type: "TRUNCATE"}).Event(); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow, got %v", err)
	}
}

func TestPatchFromRowOnlyTouchesPresentFields(t *testing.T) {
	orig := Message{ID: "m1", Content: "keep", IsRead: false}
	got := PatchFromRow(Row{"id": "m1", "is_read": true}).Apply(orig)

	if !got.IsRead {
		t.Error("expected is_read to be applied")
	}
	if got.Content != "keep" {
		t.Errorf("content changed to %q", got.Content)
	}
}

func TestProfileLabelFallback(t *testing.T) {
	cases := []struct {
		profile Profile
		want    string
	}{
		{Profile{DisplayName: "Ada", Username: "ada"}, "Ada"},
		{Profile{Username: "ada"}, "ada"},
		{Profile{}, "User"},
	}
	for _, tc := range cases {
		if got := tc.profile.Label(); got != tc.want {
			t.Errorf("Label() = %q, want %q", got, tc.want)
		}
	}
}
