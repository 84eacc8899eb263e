package room

import (
	"context"
	"errors"
	"time"

	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Members manages room memberships and their read/notify watermarks. Every mutation is a single
// row operation in the store.
type Members struct {
	store persistence.Persister

	// Clock defaults to types.Now.
	Clock types.Clock
}

func NewMembers(store persistence.Persister) *Members {
	return &Members{store: store, Clock: types.Now}
}

// Add makes user a member of room. It reports whether the membership was created.
func (m *Members) Add(ctx context.Context, room *types.Room, user *types.User) (*types.RoomMember, bool, error) {
	return m.store.AddMember(ctx, room.ID, user.ID, m.Clock(), nil)
}

// Remove deletes the membership, absent memberships are ignored.
func (m *Members) Remove(ctx context.Context, room *types.Room, userID uint) error {
	return m.store.RemoveMember(ctx, room.ID, userID)
}

func (m *Members) MembersOf(ctx context.Context, room *types.Room) ([]*types.User, error) {
	return m.store.GetRoomUsers(ctx, room.ID)
}

// EligibleNewMembers returns all users that are not members of room.
func (m *Members) EligibleNewMembers(ctx context.Context, room *types.Room) ([]*types.User, error) {
	return m.store.GetNonMembers(ctx, room.ID)
}

// TouchRead sets last_read of the membership to at (now if at is zero), creating the
// membership if needed.
func (m *Members) TouchRead(ctx context.Context, room *types.Room, user *types.User, at time.Time) (*types.RoomMember, error) {
	if at.IsZero() {
		at = m.Clock()
	}
	return m.store.SetLastRead(ctx, room.ID, user.ID, at)
}

// TouchNotified sets last_notified of an existing membership to at (now if at is zero).
func (m *Members) TouchNotified(ctx context.Context, room *types.Room, user *types.User, at time.Time) error {
	if at.IsZero() {
		at = m.Clock()
	}
	return m.store.SetLastNotified(ctx, room.ID, user.ID, at)
}

func (m *Members) Get(ctx context.Context, room *types.Room, userID uint) (*types.RoomMember, error) {
	return m.store.GetMember(ctx, room.ID, userID)
}

func (m *Members) IsMember(ctx context.Context, room *types.Room, userID uint) (bool, error) {
	_, err := m.store.GetMember(ctx, room.ID, userID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Members) Count(ctx context.Context, room *types.Room) (int64, error) {
	return m.store.CountMembers(ctx, room.ID)
}
