package persistence

import (
	"context"
	"time"

	"github.com/tcriess/lightspeed-rooms/types"
)

// Persister is the storage collaborator of the chat core. Every single-row mutation is atomic;
// CreateGroupRoom and GetOrCreateRoom are the only multi-row operations and run in a
// transaction. Missing rows are reported as types.ErrNotFound.
type Persister interface {
	StoreUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id uint) (*types.User, error)
	GetUserByName(ctx context.Context, username string) (*types.User, error)
	GetUsersByID(ctx context.Context, ids []uint) ([]*types.User, error)
	GetUsers(ctx context.Context) ([]*types.User, error)

	GetRoomBySlug(ctx context.Context, slug string) (*types.Room, error)
	GetRooms(ctx context.Context) ([]*types.Room, error)
	// GetOrCreateRoom inserts room unless a room with the same slug exists, then adds the members
	// (with last_read set to at) that are not members yet. It returns the stored room.
	GetOrCreateRoom(ctx context.Context, room *types.Room, memberIDs []uint, at time.Time) (*types.Room, error)
	// CreateGroupRoom creates a fresh group-<id> room with the given members.
	CreateGroupRoom(ctx context.Context, memberIDs []uint, at time.Time) (*types.Room, error)
	// FindGroupRooms returns the group rooms whose member set is exactly memberIDs, newest first.
	FindGroupRooms(ctx context.Context, memberIDs []uint) ([]*types.Room, error)
	RenameRoom(ctx context.Context, slug, name string, onlyIfCurrent *string) error
	TouchRoom(ctx context.Context, room *types.Room, at time.Time) error

	GetMember(ctx context.Context, roomID, userID uint) (*types.RoomMember, error)
	AddMember(ctx context.Context, roomID, userID uint, at time.Time, lastRead *time.Time) (*types.RoomMember, bool, error)
	RemoveMember(ctx context.Context, roomID, userID uint) error
	GetRoomUsers(ctx context.Context, roomID uint) ([]*types.User, error)
	GetNonMembers(ctx context.Context, roomID uint) ([]*types.User, error)
	CountMembers(ctx context.Context, roomID uint) (int64, error)
	SetLastRead(ctx context.Context, roomID, userID uint, at time.Time) (*types.RoomMember, error)
	SetLastNotified(ctx context.Context, roomID, userID uint, at time.Time) error
	GetMemberships(ctx context.Context, userID uint) ([]*types.RoomMember, error)

	StoreMessage(ctx context.Context, message *types.Message) error
	GetMessages(ctx context.Context, roomID uint) ([]*types.Message, error)
	// CountUnread returns unread message counts per room for the user, rooms without unread
	// messages are omitted.
	CountUnread(ctx context.Context, userID uint) (map[uint]int64, error)
	GetUnreadMessages(ctx context.Context, userID, roomID uint) ([]*types.Message, error)

	Close() error
}

// ActivityStore keeps the last time a user was seen active.
type ActivityStore interface {
	Touch(userID uint, at time.Time) error
	LastActive(userID uint) (time.Time, bool, error)
	Close() error
}
