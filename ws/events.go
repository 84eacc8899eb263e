package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-rooms/types"
)

var errMalformedEvent = errors.New("malformed event")

// EventKind enumerates the events a client can send.
type EventKind int

const (
	EventMessage EventKind = iota
	EventLeaveRoom
	EventUserTyping
	EventRoomMembers
	EventRemoveMember
	EventAddMembers
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return types.FrameTypeMessage
	case EventLeaveRoom:
		return types.FrameTypeLeaveRoom
	case EventUserTyping:
		return types.FrameTypeUserTypingQ
	case EventRoomMembers:
		return types.FrameTypeRoomMembersQ
	case EventRemoveMember:
		return types.FrameTypeRemoveMember
	case EventAddMembers:
		return types.FrameTypeAddMembers
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a decoded client event. Only the fields of its kind are set.
type Event struct {
	Kind    EventKind
	Text    string // EventMessage
	UserID  uint   // EventRemoveMember
	UserIDs []uint // EventAddMembers
}

type wireEvent struct {
	Type    string  `mapstructure:"type"`
	Message *string `mapstructure:"message"`
	UserID  *uint   `mapstructure:"user_id"`
	UserIDs []uint  `mapstructure:"user_ids"`
}

// DecodeEvent parses a client frame. Frames with an unknown or missing type are chat messages.
// Numbers may be sent as strings.
func DecodeEvent(raw []byte) (Event, error) {
	m := make(map[string]interface{})
	err := json.Unmarshal(raw, &m)
	if err != nil {
		return Event{}, fmt.Errorf("%v: %w", err, errMalformedEvent)
	}
	w := wireEvent{}
	err = mapstructure.WeakDecode(m, &w)
	if err != nil {
		return Event{}, fmt.Errorf("%v: %w", err, errMalformedEvent)
	}
	switch w.Type {
	case types.FrameTypeLeaveRoom:
		return Event{Kind: EventLeaveRoom}, nil

	case types.FrameTypeUserTypingQ:
		return Event{Kind: EventUserTyping}, nil

	case types.FrameTypeRoomMembersQ:
		return Event{Kind: EventRoomMembers}, nil

	case types.FrameTypeRemoveMember:
		if w.UserID == nil || *w.UserID == 0 {
			return Event{}, fmt.Errorf("remove_member without user_id: %w", errMalformedEvent)
		}
		return Event{Kind: EventRemoveMember, UserID: *w.UserID}, nil

	case types.FrameTypeAddMembers:
		if len(w.UserIDs) == 0 {
			return Event{}, fmt.Errorf("add_members without user_ids: %w", errMalformedEvent)
		}
		return Event{Kind: EventAddMembers, UserIDs: w.UserIDs}, nil
	}
	if w.Message == nil || strings.TrimSpace(*w.Message) == "" {
		return Event{}, fmt.Errorf("message without text: %w", errMalformedEvent)
	}
	return Event{Kind: EventMessage, Text: *w.Message}, nil
}
