package notify

import (
	"context"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

// RoomUnread is a room of a user together with the number of messages the user has not read.
type RoomUnread struct {
	Room   *types.Room
	Unread int64
}

// Engine computes unread counts and digest candidates from the memberships' watermarks.
type Engine struct {
	store    persistence.Persister
	activity persistence.ActivityStore
	cfg      config.NotifyConfig
	log      hclog.Logger

	// Clock defaults to types.Now.
	Clock types.Clock
}

// NewEngine creates an engine. activity may be nil; it is only consulted if
// notify.use_activity is set.
func NewEngine(store persistence.Persister, activity persistence.ActivityStore, cfg *config.Config, logger hclog.Logger) *Engine {
	return &Engine{
		store:    store,
		activity: activity,
		cfg:      cfg.NotifyConfig,
		log:      globals.Logger(logger, "notify"),
		Clock:    types.Now,
	}
}

// UnreadCount counts the unread messages of the user, in one room if roomID is set. Own and
// system messages never count.
func (e *Engine) UnreadCount(ctx context.Context, userID uint, roomID *uint) (int64, error) {
	counts, err := e.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if roomID != nil {
		return counts[*roomID], nil
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

// RoomsWithUnread maps the ids of the user's rooms with unread messages to their counts.
func (e *Engine) RoomsWithUnread(ctx context.Context, userID uint) (map[uint]int64, error) {
	return e.store.CountUnread(ctx, userID)
}

func (e *Engine) memberships(ctx context.Context, userID uint) ([]*types.RoomMember, map[uint]int64, error) {
	members, err := e.store.GetMemberships(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	counts, err := e.store.CountUnread(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return members, counts, nil
}

func sortByModified(rooms []RoomUnread) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i].Room, rooms[j].Room
		if !a.ModifiedAt.Equal(b.ModifiedAt) {
			return a.ModifiedAt.After(b.ModifiedAt)
		}
		return a.ID > b.ID
	})
}

// RecentRooms returns the user's rooms with unread messages or modified within the recent
// window, most recently modified first.
func (e *Engine) RecentRooms(ctx context.Context, userID uint) ([]RoomUnread, error) {
	members, counts, err := e.memberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	since := e.Clock().Add(-e.cfg.RecentWindow)
	res := make([]RoomUnread, 0, len(members))
	for _, m := range members {
		if m.Room == nil {
			continue
		}
		unread := counts[m.RoomID]
		if unread >= 1 || !m.Room.ModifiedAt.Before(since) {
			res = append(res, RoomUnread{Room: m.Room, Unread: unread})
		}
	}
	sortByModified(res)
	return res, nil
}

// DigestCandidates returns the rooms the user should be mailed about: rooms with unread
// messages where both watermarks are older than the threshold and the last notification
// predates the last modification. With activity tracking enabled the user must have been
// inactive for the threshold, too.
func (e *Engine) DigestCandidates(ctx context.Context, user *types.User) ([]RoomUnread, error) {
	threshold := e.Clock().Add(-e.cfg.Threshold)
	if e.cfg.UseActivity && e.activity != nil {
		last, found, err := e.activity.LastActive(user.ID)
		if err != nil {
			return nil, err
		}
		if found && !last.Before(threshold) {
			return nil, nil
		}
	}
	members, counts, err := e.memberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	res := make([]RoomUnread, 0)
	for _, m := range members {
		if m.Room == nil || counts[m.RoomID] < 1 {
			continue
		}
		if !m.LastNotified.Before(threshold) || !m.ReadBefore(threshold) || !m.LastNotified.Before(m.Room.ModifiedAt) {
			continue
		}
		res = append(res, RoomUnread{Room: m.Room, Unread: counts[m.RoomID]})
	}
	sortByModified(res)
	return res, nil
}

// Snapshot builds the unread badge frame of the user.
func (e *Engine) Snapshot(ctx context.Context, userID uint) (*types.UnreadMessagesFrame, error) {
	members, counts, err := e.memberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomUnread, 0, len(counts))
	for _, m := range members {
		if m.Room != nil && counts[m.RoomID] > 0 {
			rooms = append(rooms, RoomUnread{Room: m.Room, Unread: counts[m.RoomID]})
		}
	}
	sortByModified(rooms)
	frame := &types.UnreadMessagesFrame{
		Type:        types.FrameTypeUnreadMessages,
		UnreadRooms: make([]types.UnreadRoom, 0, len(rooms)),
	}
	for _, r := range rooms {
		frame.UnreadMessages += r.Unread
		frame.UnreadRooms = append(frame.UnreadRooms, types.UnreadRoom{
			RoomID:         r.Room.ID,
			Slug:           r.Room.Slug,
			UnreadMessages: r.Unread,
		})
	}
	return frame, nil
}
