package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/notify"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
)

// tickClock advances one second per reading so that every write gets a distinct timestamp.
type tickClock struct {
	now time.Time
	sync.Mutex
}

func (c *tickClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc   *Service
	hub   *Hub
	store *persistence.GormPersist
	users []*types.User
}

func setup(t *testing.T, names ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.NewInMemoryPersister()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	users := make([]*types.User, 0, len(names))
	for _, name := range names {
		u := &types.User{Username: name, Email: name + "@example.com"}
		require.NoError(t, store.StoreUser(ctx, u))
		users = append(users, u)
	}
	clock := &tickClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	cfg := config.Default()
	hub := NewHub(nil)
	registry := room.NewRegistry()
	registry.Register("event", room.ResolverFunc(func(ctx context.Context, pk uint) (string, []uint, error) {
		if pk != 7 {
			return "", nil, types.ErrNotFound
		}
		return "Meetup", nil, nil
	}))
	dir := room.NewDirectory(store, registry, nil)
	dir.Clock = clock.Now
	engine := notify.NewEngine(store, nil, cfg, nil)
	engine.Clock = clock.Now
	svc := NewService(cfg, store, nil, hub, dir, engine, nil)
	svc.Clock = clock.Now
	svc.Members.Clock = clock.Now
	return &fixture{svc: svc, hub: hub, store: store, users: users}
}

func (f *fixture) connect(t *testing.T, user *types.User, key string) *Session {
	t.Helper()
	s := NewSession(f.svc, user, key)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) messageCount(t *testing.T, r *types.Room) int {
	t.Helper()
	msgs, err := f.store.GetMessages(context.Background(), r.ID)
	require.NoError(t, err)
	return len(msgs)
}

// drain returns the frames queued so far without blocking.
func drain(e Endpoint) []types.Frame {
	res := make([]types.Frame, 0)
	for {
		select {
		case f, ok := <-e.Frames():
			if !ok {
				return res
			}
			res = append(res, f)
		default:
			return res
		}
	}
}

func frameTypes(frames []types.Frame) []string {
	res := make([]string, 0, len(frames))
	for _, f := range frames {
		res = append(res, f.FrameType())
	}
	return res
}

func chatTexts(frames []types.Frame) []string {
	res := make([]string, 0)
	for _, f := range frames {
		if c, ok := f.(*types.ChatMessageFrame); ok {
			res = append(res, c.Message)
		}
	}
	return res
}

func lastOf(frames []types.Frame, frameType string) types.Frame {
	var res types.Frame
	for _, f := range frames {
		if f.FrameType() == frameType {
			res = f
		}
	}
	return res
}

func TestConnectDirectRoom(t *testing.T) {
	f := setup(t, "alice", "bob")
	alice := f.users[0]

	s := f.connect(t, alice, "users-2-1")
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "users-1-2", s.Room().Slug)

	frames := drain(s)
	assert.Equal(t, []string{types.FrameTypeRoomProperties, types.FrameTypeUnreadRefresh, types.FrameTypeUserPresence}, frameTypes(frames))
	props := frames[0].(*types.RoomPropertiesFrame)
	assert.Equal(t, "alice & bob", props.RoomName)
	assert.Equal(t, "users-1-2", props.RoomSlug)
	assert.Equal(t, int64(2), props.UserCount)
	assert.Equal(t, types.RoomKindDirect, props.RoomKind)
	assert.True(t, props.IsUserToUser)

	assert.Equal(t, 1, f.hub.Subscribers(s.Room().GroupName()))
	assert.Equal(t, 1, f.hub.Subscribers(types.NotifyGroupName(alice.ID)))
	// creator and partner are members from the start, nobody joined
	assert.Equal(t, 0, f.messageCount(t, s.Room()))
}

func TestConnectErrors(t *testing.T) {
	f := setup(t, "alice", "bob")
	alice := f.users[0]
	tests := []struct {
		key  string
		user *types.User
		err  error
	}{
		{key: "users-1-2", user: nil, err: types.ErrUnauthorized},
		{key: "users-1", user: alice, err: types.ErrInvalidKey},
		{key: "users-1-x", user: alice, err: types.ErrInvalidKey},
		{key: "users-1-99", user: alice, err: types.ErrNotFound},
		{key: "group-42", user: alice, err: types.ErrNotFound},
		{key: "event-8", user: alice, err: types.ErrNotFound},
		{key: "meeting-1", user: alice, err: types.ErrNotFound},
	}
	for _, tt := range tests {
		s := NewSession(f.svc, tt.user, tt.key)
		err := s.Connect(context.Background())
		assert.True(t, errors.Is(err, tt.err), "%s: %v", tt.key, err)
		assert.Equal(t, StateClosed, s.State())
		_, ok := <-s.Frames()
		assert.False(t, ok)
	}
	_, err := f.svc.Directory.Get(context.Background(), "users-1-99")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestJoinAnnouncesNewMember(t *testing.T) {
	f := setup(t, "carol", "dave")
	carol, dave := f.users[0], f.users[1]

	sc := f.connect(t, carol, "event-7")
	assert.Equal(t, "Meetup", sc.Room().Name)
	drain(sc)

	sd := f.connect(t, dave, "event-7")
	dframes := drain(sd)
	// the join is part of the transcript and not delivered twice
	assert.Equal(t, []string{"dave joined room"}, chatTexts(dframes))
	dprops := lastOf(dframes, types.FrameTypeRoomProperties)
	require.NotNil(t, dprops)
	assert.Equal(t, int64(2), dprops.(*types.RoomPropertiesFrame).UserCount)

	cframes := drain(sc)
	assert.Equal(t, []string{"dave joined room"}, chatTexts(cframes))
	props := lastOf(cframes, types.FrameTypeRoomProperties)
	require.NotNil(t, props)
	assert.Equal(t, int64(2), props.(*types.RoomPropertiesFrame).UserCount)
	assert.NotNil(t, lastOf(cframes, types.FrameTypeUserPresence))

	// reconnecting members do not join again
	sd.Close()
	f.connect(t, dave, "event-7")
	assert.Equal(t, 1, f.messageCount(t, sc.Room()))
}

func TestMessageFanOut(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob")
	alice, bob := f.users[0], f.users[1]
	sa := f.connect(t, alice, "users-1-2")
	sb := f.connect(t, bob, "users-1-2")
	created := sa.Room().ModifiedAt
	drain(sa)
	drain(sb)

	sa.handle(ctx, Event{Kind: EventMessage, Text: "hi"})

	for _, s := range []*Session{sa, sb} {
		frames := drain(s)
		chat := lastOf(frames, types.FrameTypeChatMessage)
		require.NotNil(t, chat)
		c := chat.(*types.ChatMessageFrame)
		assert.Equal(t, "hi", c.Message)
		require.NotNil(t, c.Username)
		assert.Equal(t, "alice", *c.Username)
		assert.NotEmpty(t, c.Timestamp)
		assert.NotNil(t, lastOf(frames, types.FrameTypeUnreadRefresh))
	}

	r, err := f.svc.Directory.Get(ctx, "users-1-2")
	require.NoError(t, err)
	assert.True(t, r.ModifiedAt.After(created))

	badge, err := sb.Prepare(ctx, types.NewUnreadRefreshFrame())
	require.NoError(t, err)
	unread := badge.(*types.UnreadMessagesFrame)
	assert.Equal(t, int64(1), unread.UnreadMessages)
	require.Len(t, unread.UnreadRooms, 1)
	assert.Equal(t, "users-1-2", unread.UnreadRooms[0].Slug)

	badge, err = sa.Prepare(ctx, types.NewUnreadRefreshFrame())
	require.NoError(t, err)
	assert.Equal(t, int64(0), badge.(*types.UnreadMessagesFrame).UnreadMessages)

	// a later connect reads the transcript and clears the badge
	sb.Close()
	sb = f.connect(t, bob, "users-1-2")
	assert.Equal(t, []string{"hi"}, chatTexts(drain(sb)))
	badge, err = sb.Prepare(ctx, types.NewUnreadRefreshFrame())
	require.NoError(t, err)
	assert.Equal(t, int64(0), badge.(*types.UnreadMessagesFrame).UnreadMessages)
}

func TestConnectDeliversLongTranscript(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob")
	alice, bob := f.users[0], f.users[1]
	sa := f.connect(t, alice, "users-1-2")
	r := sa.Room()

	n := f.svc.Cfg.BusConfig.QueueSize + 44
	at := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("m%d", i)
		require.NoError(t, f.store.StoreMessage(ctx, types.NewChatMessage(r, alice, text, at.Add(time.Duration(i)*time.Second))))
		want = append(want, text)
	}

	sb := f.connect(t, bob, "users-1-2")
	frames := drain(sb)
	require.NotEmpty(t, frames)
	assert.Equal(t, types.FrameTypeRoomProperties, frames[0].FrameType())
	assert.Equal(t, want, chatTexts(frames))
	assert.Zero(t, sb.out.Dropped())

	// live traffic after the transcript is still bounded by the configured size
	for i := 0; i < 2*n; i++ {
		sb.Enqueue(types.NewUnreadRefreshFrame())
	}
	assert.Positive(t, sb.out.Dropped())
}

func TestAddMembersToDirectRoomCreatesGroup(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob", "carol")
	sa := f.connect(t, f.users[0], "users-1-2")
	sb := f.connect(t, f.users[1], "users-1-2")
	drain(sa)
	drain(sb)

	sa.handle(ctx, Event{Kind: EventAddMembers, UserIDs: []uint{3, 99}})

	var slug string
	for _, s := range []*Session{sa, sb} {
		nr := lastOf(drain(s), types.FrameTypeNewRoom)
		require.NotNil(t, nr)
		slug = nr.(*types.NewRoomFrame).Slug
		assert.True(t, strings.HasPrefix(slug, types.GroupSlugPrefix))
	}
	group, err := f.svc.Directory.Get(ctx, slug)
	require.NoError(t, err)
	members, err := f.svc.Members.MembersOf(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2, 3}, types.UserIDs(members))

	// the direct room keeps its members
	n, err := f.svc.Members.Count(ctx, sa.Room())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// the same member set leads to the same group
	sb.handle(ctx, Event{Kind: EventAddMembers, UserIDs: []uint{3}})
	nr := lastOf(drain(sa), types.FrameTypeNewRoom)
	require.NotNil(t, nr)
	assert.Equal(t, slug, nr.(*types.NewRoomFrame).Slug)
}

func TestAddMembersToGroupRoom(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob", "carol")
	group, err := f.svc.Directory.CreateGroup(ctx, []uint{1, 2})
	require.NoError(t, err)
	sa := f.connect(t, f.users[0], group.Slug)
	assert.Equal(t, 0, f.messageCount(t, group))
	drain(sa)

	sa.handle(ctx, Event{Kind: EventAddMembers, UserIDs: []uint{3, 99}})
	frames := drain(sa)
	assert.Equal(t, []string{"carol joined room"}, chatTexts(frames))
	rm := lastOf(frames, types.FrameTypeRoomMembers)
	require.NotNil(t, rm)
	assert.Len(t, rm.(*types.RoomMembersFrame).Members, 3)
	assert.False(t, rm.(*types.RoomMembersFrame).IsUserToUser)

	sa.handle(ctx, Event{Kind: EventAddMembers, UserIDs: []uint{3}})
	assert.Empty(t, chatTexts(drain(sa)))
	assert.Equal(t, 1, f.messageCount(t, group))
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob")
	sa := f.connect(t, f.users[0], "users-1-2")
	sb := f.connect(t, f.users[1], "users-1-2")
	drain(sa)
	drain(sb)

	sb.handle(ctx, Event{Kind: EventLeaveRoom})
	frames := drain(sa)
	assert.Equal(t, []string{"bob left room"}, chatTexts(frames))
	props := lastOf(frames, types.FrameTypeRoomProperties)
	require.NotNil(t, props)
	assert.Equal(t, int64(1), props.(*types.RoomPropertiesFrame).UserCount)

	// the connection stays open, but events of a non-member change nothing
	sb.handle(ctx, Event{Kind: EventLeaveRoom})
	sb.handle(ctx, Event{Kind: EventMessage, Text: "still here?"})
	sb.handle(ctx, Event{Kind: EventRoomMembers})
	assert.Empty(t, chatTexts(drain(sa)))
	assert.Nil(t, lastOf(drain(sb), types.FrameTypeRoomMembers))
	assert.Equal(t, 1, f.messageCount(t, sa.Room()))
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob", "carol")
	group, err := f.svc.Directory.CreateGroup(ctx, []uint{1, 2})
	require.NoError(t, err)
	sa := f.connect(t, f.users[0], group.Slug)
	drain(sa)

	sa.handle(ctx, Event{Kind: EventRemoveMember, UserID: 2})
	assert.Equal(t, []string{"bob left room"}, chatTexts(drain(sa)))
	ok, err := f.svc.Members.IsMember(ctx, group, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// non-members and unknown users are ignored
	sa.handle(ctx, Event{Kind: EventRemoveMember, UserID: 3})
	sa.handle(ctx, Event{Kind: EventRemoveMember, UserID: 99})
	assert.Empty(t, chatTexts(drain(sa)))
}

func TestRoomMembersQuery(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob", "carol")
	sa := f.connect(t, f.users[0], "users-1-2")
	sb := f.connect(t, f.users[1], "users-1-2")
	drain(sa)
	drain(sb)

	sa.handle(ctx, Event{Kind: EventRoomMembers})
	frames := drain(sa)
	require.Len(t, frames, 1)
	rm := frames[0].(*types.RoomMembersFrame)
	assert.Equal(t, []types.MemberInfo{{ID: 1, Name: "alice"}, {ID: 2, Name: "bob"}}, rm.Members)
	assert.Equal(t, []types.MemberInfo{{ID: 3, Name: "carol"}}, rm.Form.Candidates)
	assert.True(t, rm.Form.KeepsMembers)
	// the answer is private
	assert.Empty(t, drain(sb))
}

func TestTypingReachesRoom(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob")
	sa := f.connect(t, f.users[0], "users-1-2")
	sb := f.connect(t, f.users[1], "users-1-2")
	drain(sa)
	drain(sb)

	sa.handle(ctx, Event{Kind: EventUserTyping})
	typing := lastOf(drain(sb), types.FrameTypeUserTyping)
	require.NotNil(t, typing)
	assert.Equal(t, "alice", typing.(*types.UserTypingFrame).Username)
	assert.Equal(t, 0, f.messageCount(t, sa.Room()))
}

func TestCloseAnnouncesOffline(t *testing.T) {
	f := setup(t, "alice", "bob")
	sa := f.connect(t, f.users[0], "users-1-2")
	sb := f.connect(t, f.users[1], "users-1-2")
	drain(sa)

	sb.Close()
	sb.Close()
	assert.Equal(t, StateClosed, sb.State())
	presence := lastOf(drain(sa), types.FrameTypeUserPresence)
	require.NotNil(t, presence)
	assert.Equal(t, &types.UserPresenceFrame{Type: types.FrameTypeUserPresence, Username: "bob", Online: false}, presence)
	assert.Equal(t, 1, f.hub.Subscribers(sa.Room().GroupName()))
	assert.Equal(t, 0, f.hub.Subscribers(types.NotifyGroupName(2)))
	assert.False(t, sb.Deliver(Event{Kind: EventUserTyping}))
}

func TestRunProcessesReceivedFrames(t *testing.T) {
	f := setup(t, "alice", "bob")
	sa := f.connect(t, f.users[0], "users-1-2")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sa.Run(ctx)
	}()

	sa.Receive([]byte(`{"type":"message","message":"hi"}`))
	sa.Receive([]byte(`{"type":"message","message":""}`))
	sa.Receive([]byte(`garbage`))
	assert.Eventually(t, func() bool {
		msgs, err := f.store.GetMessages(context.Background(), sa.Room().ID)
		return err == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, StateClosed, sa.State())
}

func TestBadgeSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "alice", "bob")
	sa := f.connect(t, f.users[0], "users-1-2")

	b := NewBadgeSession(f.svc, f.users[1])
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(b.Close)
	frames := drain(b)
	require.Len(t, frames, 1)
	snap, err := b.Prepare(ctx, frames[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.(*types.UnreadMessagesFrame).UnreadMessages)

	sa.handle(ctx, Event{Kind: EventMessage, Text: "hi"})
	frames = drain(b)
	require.Len(t, frames, 1)
	snap, err = b.Prepare(ctx, frames[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.(*types.UnreadMessagesFrame).UnreadMessages)

	assert.True(t, errors.Is(NewBadgeSession(f.svc, nil).Connect(ctx), types.ErrUnauthorized))
}
