package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/types"
)

const inboundQueueSize = 64

type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session drives one participant of one room through connect, active and closed. Inbound
// events are processed one at a time by Run.
type Session struct {
	id   string
	svc  *Service
	user *types.User
	key  string
	room *types.Room
	log  hclog.Logger

	out       *queue
	in        chan Event
	done      chan struct{}
	closeOnce sync.Once

	state State
	mu    sync.Mutex
}

// NewSession creates a session of user for the room identified by key. user is nil for
// unauthenticated connections, which Connect rejects.
func NewSession(svc *Service, user *types.User, key string) *Session {
	id := uuid.New().String()
	return &Session{
		id:   id,
		svc:  svc,
		user: user,
		key:  key,
		log:  svc.Log.With("session", id, "key", key),
		out:  newQueue(svc.Cfg.BusConfig.QueueSize),
		in:   make(chan Event, inboundQueueSize),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Trace("state change", "from", s.state.String(), "to", state.String())
	s.state = state
}

// Room is set once Connect resolved the key.
func (s *Session) Room() *types.Room {
	return s.room
}

func (s *Session) Enqueue(frame types.Frame) bool {
	return s.out.push(frame)
}

func (s *Session) Frames() <-chan types.Frame {
	return s.out.C()
}

func (s *Session) Prepare(ctx context.Context, frame types.Frame) (types.Frame, error) {
	return s.svc.prepare(ctx, s.user, frame)
}

// Connect resolves the room, joins it and sends the room properties and the transcript. On
// error the session is closed.
func (s *Session) Connect(ctx context.Context) error {
	err := s.connect(ctx)
	if err != nil {
		s.Close()
		return err
	}
	s.setState(StateActive)
	s.svc.Presence.Online(s.room, s.user, true)
	s.svc.touchActivity(s.user)
	s.log.Debug("connected", "user", s.user.Username, "room", s.room.Slug)
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if s.user == nil {
		return types.ErrUnauthorized
	}
	room, err := s.svc.Directory.ResolveOrCreate(ctx, s.key, s.user)
	if err != nil {
		return err
	}
	s.room = room
	s.svc.Bus.Subscribe(s, types.NotifyGroupName(s.user.ID))

	_, joined, err := s.svc.Members.Add(ctx, room, s.user)
	if err != nil {
		return err
	}
	if joined {
		err = s.emitSystem(ctx, types.NewUserJoinedEvent(s.user))
		if err != nil {
			return err
		}
	}
	// subscribed after the join message, which is part of the transcript below
	s.svc.Bus.Subscribe(s, room.GroupName())

	_, err = s.svc.Members.TouchRead(ctx, room, s.user, time.Time{})
	if err != nil {
		return err
	}
	props, err := s.roomProperties(ctx)
	if err != nil {
		return err
	}
	messages, err := s.svc.Store.GetMessages(ctx, room.ID)
	if err != nil {
		return err
	}
	// nobody drains the queue before the upgrade; the whole reply has to fit
	s.out.reserve(len(messages) + 1)
	s.Enqueue(props)
	for _, m := range messages {
		s.Enqueue(s.chatFrame(m))
	}
	s.svc.Bus.Publish(types.NotifyGroupName(s.user.ID), types.NewUnreadRefreshFrame())
	return nil
}

// Receive decodes a client frame and queues it for Run. Malformed frames are dropped.
func (s *Session) Receive(raw []byte) {
	ev, err := DecodeEvent(raw)
	if err != nil {
		s.log.Debug("dropping client frame", "error", err)
		return
	}
	s.Deliver(ev)
}

// Deliver queues ev for Run. It returns false if the session is closed.
func (s *Session) Deliver(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.in:
			s.handle(ctx, ev)
		}
	}
}

// Close leaves all groups and closes the outbound queue. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		wasActive := s.State() == StateActive
		s.setState(StateClosed)
		s.svc.Bus.UnsubscribeAll(s)
		if wasActive {
			s.svc.Presence.Online(s.room, s.user, false)
			s.svc.touchActivity(s.user)
		}
		close(s.done)
		s.out.close()
		if dropped := s.out.Dropped(); dropped > 0 {
			s.log.Warn("slow client, dropped frames", "dropped", dropped)
		}
	})
}

// handle applies one event. Events of non-members and failing events change nothing and are
// not answered.
func (s *Session) handle(ctx context.Context, ev Event) {
	if s.State() != StateActive {
		return
	}
	member, err := s.svc.Members.IsMember(ctx, s.room, s.user.ID)
	if err != nil {
		s.log.Error("could not check membership", "error", err)
		return
	}
	if !member {
		s.log.Debug("ignoring event of non-member", "event", ev.Kind.String())
		return
	}
	s.svc.touchActivity(s.user)
	switch ev.Kind {
	case EventLeaveRoom:
		err = s.onLeaveRoom(ctx)

	case EventUserTyping:
		s.svc.Presence.Typing(s.room, s.user)

	case EventRoomMembers:
		var frame *types.RoomMembersFrame
		frame, err = s.membersFrame(ctx)
		if err == nil {
			s.Enqueue(frame)
		}

	case EventRemoveMember:
		err = s.onRemoveMember(ctx, ev.UserID)

	case EventAddMembers:
		err = s.onAddMembers(ctx, ev.UserIDs)

	case EventMessage:
		err = s.onMessage(ctx, ev.Text)

	default:
		s.log.Debug("ignoring unknown event", "event", ev.Kind.String())
	}
	if err != nil {
		s.log.Warn("could not handle event", "event", ev.Kind.String(), "error", err)
	}
}

func (s *Session) onMessage(ctx context.Context, text string) error {
	_, err := s.svc.Members.TouchRead(ctx, s.room, s.user, time.Time{})
	if err != nil {
		return err
	}
	msg := types.NewChatMessage(s.room, s.user, text, s.svc.Clock())
	return s.post(ctx, msg)
}

func (s *Session) onLeaveRoom(ctx context.Context) error {
	err := s.svc.Members.Remove(ctx, s.room, s.user.ID)
	if err != nil {
		return err
	}
	return s.emitSystem(ctx, types.NewUserLeftEvent(s.user, s.room))
}

func (s *Session) onRemoveMember(ctx context.Context, userID uint) error {
	user, err := s.svc.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	member, err := s.svc.Members.IsMember(ctx, s.room, userID)
	if err != nil || !member {
		return err
	}
	err = s.svc.Members.Remove(ctx, s.room, userID)
	if err != nil {
		return err
	}
	return s.emitSystem(ctx, types.NewUserLeftEvent(user, s.room))
}

// onAddMembers turns a direct room into the group room of all members, other rooms get the new
// members added.
func (s *Session) onAddMembers(ctx context.Context, userIDs []uint) error {
	users, err := s.svc.Store.GetUsersByID(ctx, userIDs)
	if err != nil || len(users) == 0 {
		return err
	}
	if s.room.IsDirect() {
		current, err := s.svc.Members.MembersOf(ctx, s.room)
		if err != nil {
			return err
		}
		ids := append(types.UserIDs(current), types.UserIDs(users)...)
		group, err := s.svc.Directory.GetOrCreateGroupForMembers(ctx, ids)
		if err != nil {
			return err
		}
		s.svc.Bus.Publish(s.room.GroupName(), &types.NewRoomFrame{Type: types.FrameTypeNewRoom, Slug: group.Slug})
		return nil
	}
	for _, user := range users {
		_, created, err := s.svc.Members.Add(ctx, s.room, user)
		if err != nil {
			return err
		}
		if created {
			err = s.emitSystem(ctx, types.NewUserJoinedEvent(user))
			if err != nil {
				return err
			}
		}
	}
	frame, err := s.membersFrame(ctx)
	if err != nil {
		return err
	}
	s.svc.Bus.Publish(s.room.GroupName(), frame)
	return nil
}

// emitSystem stores and broadcasts a system message, followed by the changed room properties.
func (s *Session) emitSystem(ctx context.Context, event types.SystemEvent) error {
	msg, err := types.NewSystemMessage(s.room, event, s.svc.Clock())
	if err != nil {
		return err
	}
	err = s.post(ctx, msg)
	if err != nil {
		return err
	}
	props, err := s.roomProperties(ctx)
	if err != nil {
		return err
	}
	s.svc.Bus.Publish(s.room.GroupName(), props)
	return nil
}

// post stores msg, bumps the room and broadcasts the message and the members' badge refresh.
func (s *Session) post(ctx context.Context, msg *types.Message) error {
	err := s.svc.Store.StoreMessage(ctx, msg)
	if err != nil {
		return err
	}
	err = s.svc.Directory.Touch(ctx, s.room)
	if err != nil {
		return err
	}
	s.svc.Bus.Publish(s.room.GroupName(), s.chatFrame(msg))
	members, err := s.svc.Members.MembersOf(ctx, s.room)
	if err != nil {
		return err
	}
	for _, u := range members {
		s.svc.Bus.Publish(types.NotifyGroupName(u.ID), types.NewUnreadRefreshFrame())
	}
	return nil
}

func (s *Session) chatFrame(msg *types.Message) *types.ChatMessageFrame {
	chat := s.svc.Cfg.ChatConfig
	return &types.ChatMessageFrame{
		Type:      types.FrameTypeChatMessage,
		Message:   msg.Display(chat.MessageTypes),
		Username:  msg.Author(),
		Timestamp: msg.CreatedAt.Format(chat.DatetimeFormat),
	}
}

func (s *Session) roomProperties(ctx context.Context) (*types.RoomPropertiesFrame, error) {
	count, err := s.svc.Members.Count(ctx, s.room)
	if err != nil {
		return nil, err
	}
	return &types.RoomPropertiesFrame{
		Type:         types.FrameTypeRoomProperties,
		RoomName:     s.room.Name,
		RoomID:       s.room.ID,
		RoomSlug:     s.room.Slug,
		RoomModified: s.room.ModifiedAt.Format(s.svc.Cfg.ChatConfig.DatetimeFormat),
		RoomKind:     s.room.Kind(),
		UserCount:    count,
		IsUserToUser: s.room.IsDirect(),
	}, nil
}

func (s *Session) membersFrame(ctx context.Context) (*types.RoomMembersFrame, error) {
	members, err := s.svc.Members.MembersOf(ctx, s.room)
	if err != nil {
		return nil, err
	}
	candidates, err := s.svc.Members.EligibleNewMembers(ctx, s.room)
	if err != nil {
		return nil, err
	}
	return &types.RoomMembersFrame{
		Type:    types.FrameTypeRoomMembers,
		Members: types.MemberInfos(members),
		Form: types.AddMemberForm{
			Candidates:   types.MemberInfos(candidates),
			KeepsMembers: s.room.IsDirect(),
		},
		IsUserToUser: s.room.IsDirect(),
	}, nil
}
