package types

// Outbound frame types.
const (
	FrameTypeRoomProperties = "room_properties"
	FrameTypeChatMessage    = "chat_message"
	FrameTypeUserTyping     = "user_typing"
	FrameTypeUserPresence   = "user_presence"
	FrameTypeRoomMembers    = "room_members"
	FrameTypeNewRoom        = "new_room"
	FrameTypeUnreadMessages = "unread_messages"
	FrameTypeUnreadRefresh  = "unread_refresh"
)

// Inbound frame types. Anything else is treated as a chat message.
const (
	FrameTypeMessage      = "message"
	FrameTypeLeaveRoom    = "leave_room"
	FrameTypeRoomMembersQ = "room_members"
	FrameTypeRemoveMember = "remove_member"
	FrameTypeAddMembers   = "add_members"
	FrameTypeUserTypingQ  = "user_typing"
)

// Frame is anything that can be published on the bus and written to a client as JSON.
type Frame interface {
	FrameType() string
}

type RoomPropertiesFrame struct {
	Type         string   `json:"type"`
	RoomName     string   `json:"room_name"`
	RoomID       uint     `json:"room_id"`
	RoomSlug     string   `json:"room_slug"`
	RoomModified string   `json:"room_modified"`
	RoomKind     RoomKind `json:"room_kind"`
	UserCount    int64    `json:"user_count"`
	IsUserToUser bool     `json:"is_user_to_user"`
}

func (f *RoomPropertiesFrame) FrameType() string { return FrameTypeRoomProperties }

type ChatMessageFrame struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Username  *string `json:"username"`
	Timestamp string  `json:"timestamp"`
}

func (f *ChatMessageFrame) FrameType() string { return FrameTypeChatMessage }

type UserTypingFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

func (f *UserTypingFrame) FrameType() string { return FrameTypeUserTyping }

type UserPresenceFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

func (f *UserPresenceFrame) FrameType() string { return FrameTypeUserPresence }

type MemberInfo struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// AddMemberForm describes the users that may be added to a room.
type AddMemberForm struct {
	Candidates []MemberInfo `json:"candidates"`
	// direct rooms cannot drop existing members, adding turns them into a group
	KeepsMembers bool `json:"keeps_members"`
}

type RoomMembersFrame struct {
	Type         string        `json:"type"`
	Members      []MemberInfo  `json:"members"`
	Form         AddMemberForm `json:"form"`
	IsUserToUser bool          `json:"is_user_to_user"`
}

func (f *RoomMembersFrame) FrameType() string { return FrameTypeRoomMembers }

type NewRoomFrame struct {
	Type string `json:"type"`
	Slug string `json:"slug"`
}

func (f *NewRoomFrame) FrameType() string { return FrameTypeNewRoom }

type UnreadRoom struct {
	RoomID         uint   `json:"room_id"`
	Slug           string `json:"slug"`
	UnreadMessages int64  `json:"unread_messages"`
}

type UnreadMessagesFrame struct {
	Type           string       `json:"type"`
	UnreadMessages int64        `json:"unread_messages"`
	UnreadRooms    []UnreadRoom `json:"unread_rooms"`
}

func (f *UnreadMessagesFrame) FrameType() string { return FrameTypeUnreadMessages }

// UnreadRefreshFrame is the bare signal published on notify groups. Sessions answer it with a
// fresh UnreadMessagesFrame.
type UnreadRefreshFrame struct {
	Type string `json:"type"`
}

func (f *UnreadRefreshFrame) FrameType() string { return FrameTypeUnreadRefresh }

func NewUnreadRefreshFrame() *UnreadRefreshFrame {
	return &UnreadRefreshFrame{Type: FrameTypeUnreadRefresh}
}

func MemberInfos(users []*User) []MemberInfo {
	infos := make([]MemberInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, MemberInfo{ID: u.ID, Name: u.String()})
	}
	return infos
}
