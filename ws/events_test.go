package ws

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
		err  bool
	}{
		{name: "message", raw: `{"type":"message","message":"hi"}`, want: Event{Kind: EventMessage, Text: "hi"}},
		{name: "untyped message", raw: `{"message":"hi"}`, want: Event{Kind: EventMessage, Text: "hi"}},
		{name: "unknown type is a message", raw: `{"type":"shout","message":"hi"}`, want: Event{Kind: EventMessage, Text: "hi"}},
		{name: "blank message", raw: `{"type":"message","message":"  "}`, err: true},
		{name: "missing message", raw: `{"type":"message"}`, err: true},
		{name: "leave", raw: `{"type":"leave_room"}`, want: Event{Kind: EventLeaveRoom}},
		{name: "typing", raw: `{"type":"user_typing"}`, want: Event{Kind: EventUserTyping}},
		{name: "members", raw: `{"type":"room_members"}`, want: Event{Kind: EventRoomMembers}},
		{name: "remove", raw: `{"type":"remove_member","user_id":4}`, want: Event{Kind: EventRemoveMember, UserID: 4}},
		{name: "remove with string id", raw: `{"type":"remove_member","user_id":"4"}`, want: Event{Kind: EventRemoveMember, UserID: 4}},
		{name: "remove without id", raw: `{"type":"remove_member"}`, err: true},
		{name: "add", raw: `{"type":"add_members","user_ids":[3,"5"]}`, want: Event{Kind: EventAddMembers, UserIDs: []uint{3, 5}}},
		{name: "add without ids", raw: `{"type":"add_members","user_ids":[]}`, err: true},
		{name: "add with garbage ids", raw: `{"type":"add_members","user_ids":["x"]}`, err: true},
		{name: "no json", raw: `hello`, err: true},
		{name: "json array", raw: `[1,2]`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.raw))
			if tt.err {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, errMalformedEvent))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "add_members", EventAddMembers.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}
