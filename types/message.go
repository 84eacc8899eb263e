package types

import (
	"time"

	"gorm.io/datatypes"
)

// Message is one transcript entry. Messages without UserID are system messages, their content
// lives in Event.
type Message struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	RoomID    uint           `json:"room_id" gorm:"index;not null"`
	Room      *Room          `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	UserID    *uint          `json:"user_id" gorm:"index"`
	User      *User          `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Text      string         `json:"text"`
	Event     datatypes.JSON `json:"event,omitempty"`
	CreatedAt time.Time      `json:"created" gorm:"index"`
	UpdatedAt time.Time      `json:"modified"`
}

func NewChatMessage(room *Room, author *User, text string, at time.Time) *Message {
	userID := author.ID
	return &Message{
		RoomID:    room.ID,
		UserID:    &userID,
		User:      author,
		Text:      text,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func NewSystemMessage(room *Room, event SystemEvent, at time.Time) (*Message, error) {
	raw, err := event.Marshal()
	if err != nil {
		return nil, err
	}
	return &Message{
		RoomID:    room.ID,
		Event:     datatypes.JSON(raw),
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

func (m *Message) IsSystem() bool {
	return m.UserID == nil
}

// Display returns the text shown in the transcript.
func (m *Message) Display(templates map[string]string) string {
	if !m.IsSystem() || len(m.Event) == 0 {
		return m.Text
	}
	event, err := UnmarshalSystemEvent(m.Event)
	if err != nil {
		return m.Text
	}
	return event.Render(templates)
}

// Author returns the author's name, nil for system messages.
func (m *Message) Author() *string {
	if m.IsSystem() || m.User == nil {
		return nil
	}
	name := m.User.String()
	return &name
}
