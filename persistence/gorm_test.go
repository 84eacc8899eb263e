package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/types"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *GormPersist {
	t.Helper()
	p, err := NewInMemoryPersister()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func storeUsers(t *testing.T, p *GormPersist, names ...string) []*types.User {
	t.Helper()
	users := make([]*types.User, 0, len(names))
	for _, name := range names {
		u := &types.User{Username: name, Email: name + "@example.com"}
		require.NoError(t, p.StoreUser(context.Background(), u))
		users = append(users, u)
	}
	return users
}

func TestGetOrCreateRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := setupTestDB(t)
	users := storeUsers(t, p, "alice", "bob")

	room, err := p.GetOrCreateRoom(ctx, &types.Room{Slug: "users-1-2", Name: "alice & bob"}, types.UserIDs(users), t0)
	require.NoError(t, err)
	again, err := p.GetOrCreateRoom(ctx, &types.Room{Slug: "users-1-2", Name: "other"}, types.UserIDs(users), t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, room.ID, again.ID)
	assert.Equal(t, "alice & bob", again.Name)
	count, err := p.CountMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	member, err := p.GetMember(ctx, room.ID, users[0].ID)
	require.NoError(t, err)
	require.NotNil(t, member.LastRead)
	assert.True(t, member.LastRead.Equal(t0))
}

func TestCreateAndFindGroupRooms(t *testing.T) {
	ctx := context.Background()
	p := setupTestDB(t)
	users := storeUsers(t, p, "alice", "bob", "carol")
	ids := types.UserIDs(users)

	first, err := p.CreateGroupRoom(ctx, ids, t0)
	require.NoError(t, err)
	assert.Equal(t, "group-1", first.Slug)
	assert.Equal(t, "Group #1", first.Name)

	second, err := p.CreateGroupRoom(ctx, ids, t0.Add(time.Second))
	require.NoError(t, err)
	_, err = p.CreateGroupRoom(ctx, ids[:2], t0.Add(2*time.Second))
	require.NoError(t, err)

	rooms, err := p.FindGroupRooms(ctx, ids)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, second.ID, rooms[0].ID)
	assert.Equal(t, first.ID, rooms[1].ID)

	rooms, err = p.FindGroupRooms(ctx, ids[1:])
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRenameRoomGuard(t *testing.T) {
	ctx := context.Background()
	p := setupTestDB(t)
	_, err := p.GetOrCreateRoom(ctx, &types.Room{Slug: "task-1", Name: "Task #1"}, nil, t0)
	require.NoError(t, err)

	other := "Something else"
	require.NoError(t, p.RenameRoom(ctx, "task-1", "Auto name", &other))
	room, err := p.GetRoomBySlug(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Task #1", room.Name)

	current := "Task #1"
	require.NoError(t, p.RenameRoom(ctx, "task-1", "Auto name", &current))
	room, err = p.GetRoomBySlug(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Auto name", room.Name)

	require.NoError(t, p.RenameRoom(ctx, "missing-1", "x", nil))
}

func TestMembershipWatermarks(t *testing.T) {
	ctx := context.Background()
	p := setupTestDB(t)
	users := storeUsers(t, p, "alice", "bob")
	room, err := p.GetOrCreateRoom(ctx, &types.Room{Slug: "task-7", Name: "Task"}, nil, t0)
	require.NoError(t, err)

	member, created, err := p.AddMember(ctx, room.ID, users[0].ID, t0, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, member.LastRead)
	_, created, err = p.AddMember(ctx, room.ID, users[0].ID, t0, nil)
	require.NoError(t, err)
	assert.False(t, created)

	member, err = p.SetLastRead(ctx, room.ID, users[1].ID, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, member.LastRead)
	assert.True(t, member.LastRead.Equal(t0.Add(time.Minute)))

	require.NoError(t, p.SetLastNotified(ctx, room.ID, users[1].ID, t0.Add(time.Hour)))
	member, err = p.GetMember(ctx, room.ID, users[1].ID)
	require.NoError(t, err)
	assert.True(t, member.LastNotified.Equal(t0.Add(time.Hour)))

	require.NoError(t, p.RemoveMember(ctx, room.ID, users[1].ID))
	require.NoError(t, p.RemoveMember(ctx, room.ID, users[1].ID))
	assert.ErrorIs(t, p.SetLastNotified(ctx, room.ID, users[1].ID, t0), types.ErrNotFound)

	nonMembers, err := p.GetNonMembers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, nonMembers, 1)
	assert.Equal(t, "bob", nonMembers[0].Username)
}

func TestCountUnread(t *testing.T) {
	ctx := context.Background()
	p := setupTestDB(t)
	users := storeUsers(t, p, "alice", "bob")
	alice, bob := users[0], users[1]
	room, err := p.GetOrCreateRoom(ctx, &types.Room{Slug: "users-1-2", Name: "alice & bob"}, types.UserIDs(users), t0)
	require.NoError(t, err)

	require.NoError(t, p.StoreMessage(ctx, types.NewChatMessage(room, bob, "before", t0.Add(-time.Minute))))
	require.NoError(t, p.StoreMessage(ctx, types.NewChatMessage(room, bob, "after 1", t0.Add(time.Minute))))
	require.NoError(t, p.StoreMessage(ctx, types.NewChatMessage(room, bob, "after 2", t0.Add(2*time.Minute))))
	require.NoError(t, p.StoreMessage(ctx, types.NewChatMessage(room, alice, "own", t0.Add(3*time.Minute))))
	sys, err := types.NewSystemMessage(room, types.NewUserJoinedEvent(bob), t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.NoError(t, p.StoreMessage(ctx, sys))

	counts, err := p.CountUnread(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int64{room.ID: 2}, counts)

	messages, err := p.GetUnreadMessages(ctx, alice.ID, room.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "after 1", messages[0].Text)
	require.NotNil(t, messages[0].User)
	assert.Equal(t, "bob", messages[0].User.Username)

	counts, err = p.CountUnread(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int64{room.ID: 1}, counts)

	transcript, err := p.GetMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 5)
	assert.Equal(t, "before", transcript[0].Text)
	assert.True(t, transcript[4].IsSystem())
}
