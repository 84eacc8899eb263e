package types

import (
	"fmt"
	"strings"
	"time"
)

type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
	RoomKindObject RoomKind = "object"
)

const (
	DirectSlugPrefix = "users-"
	GroupSlugPrefix  = "group-"
)

// Room is a chat channel. The slug is its identity, the numeric id is only used for group names
// and foreign keys.
type Room struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Slug       string    `json:"slug" gorm:"size:255;uniqueIndex;not null"`
	Name       string    `json:"name" gorm:"size:200;not null"`
	CreatedAt  time.Time `json:"created"`
	ModifiedAt time.Time `json:"modified" gorm:"index"`
}

// Kind is derived from the slug shape.
func (r *Room) Kind() RoomKind {
	switch {
	case strings.HasPrefix(r.Slug, DirectSlugPrefix):
		return RoomKindDirect
	case strings.HasPrefix(r.Slug, GroupSlugPrefix):
		return RoomKindGroup
	default:
		return RoomKindObject
	}
}

func (r *Room) IsDirect() bool {
	return r.Kind() == RoomKindDirect
}

// GroupName is the bus group carrying the transcript and presence of the room.
func (r *Room) GroupName() string {
	return RoomGroupName(r.ID)
}

func (r *Room) String() string {
	return r.Name
}

func RoomGroupName(roomID uint) string {
	return fmt.Sprintf("room_%d", roomID)
}

// NotifyGroupName is the bus group carrying unread badge refreshes for one user.
func NotifyGroupName(userID uint) string {
	return fmt.Sprintf("notify_%d", userID)
}

// RoomMember associates a user with a room and keeps the read and notify watermarks.
// A nil LastRead means the member has never read the room.
type RoomMember struct {
	RoomID       uint       `json:"room_id" gorm:"primaryKey;autoIncrement:false"`
	UserID       uint       `json:"user_id" gorm:"primaryKey;autoIncrement:false;index"`
	LastRead     *time.Time `json:"last_read"`
	LastNotified time.Time  `json:"last_notified"`
	Room         *Room      `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	User         *User      `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// ReadBefore reports whether the member's last read happened before t. A member that never read
// the room has read before any t.
func (m *RoomMember) ReadBefore(t time.Time) bool {
	return m.LastRead == nil || m.LastRead.Before(t)
}
