package types

import (
	"encoding/json"
	"strings"
)

// SystemEventKind enumerates the structured events stored as system messages.
type SystemEventKind string

const (
	SystemEventUserJoined SystemEventKind = "user_joined"
	SystemEventUserLeft   SystemEventKind = "user_left"

	// typing is never persisted, it only shares the template table
	SystemEventUserTyping SystemEventKind = "user_typing"
)

// DefaultMessageTemplates are used for kinds missing from the configured table.
var DefaultMessageTemplates = map[string]string{
	string(SystemEventUserJoined): "{username} joined room",
	string(SystemEventUserLeft):   "{username} left room",
	string(SystemEventUserTyping): "{username} is typing ...",
}

// SystemEvent is the payload of a message without author.
type SystemEvent struct {
	Kind     SystemEventKind `json:"kind"`
	Username string          `json:"username,omitempty"`
	Room     string          `json:"room,omitempty"`
}

func NewUserJoinedEvent(user *User) SystemEvent {
	return SystemEvent{Kind: SystemEventUserJoined, Username: user.String()}
}

func NewUserLeftEvent(user *User, room *Room) SystemEvent {
	return SystemEvent{Kind: SystemEventUserLeft, Username: user.String(), Room: room.String()}
}

func NewUserTypingEvent(user *User) SystemEvent {
	return SystemEvent{Kind: SystemEventUserTyping, Username: user.String()}
}

func (e SystemEvent) params() map[string]string {
	return map[string]string{
		"username": e.Username,
		"room":     e.Room,
	}
}

// Render fills the template of the event kind. Kinds without a template render as the literal
// kind.
func (e SystemEvent) Render(templates map[string]string) string {
	tmpl, ok := templates[string(e.Kind)]
	if !ok {
		tmpl, ok = DefaultMessageTemplates[string(e.Kind)]
	}
	if !ok {
		return string(e.Kind)
	}
	params := e.params()
	pairs := make([]string, 0, 2*len(params))
	for name, value := range params {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func (e SystemEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalSystemEvent(raw []byte) (SystemEvent, error) {
	e := SystemEvent{}
	err := json.Unmarshal(raw, &e)
	return e, err
}
