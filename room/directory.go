package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
	"golang.org/x/sync/singleflight"
)

// Directory resolves room keys to rooms, creating slug-derived rooms on first use.
type Directory struct {
	store    persistence.Persister
	registry *Registry
	log      hclog.Logger

	// Clock defaults to types.Now.
	Clock types.Clock

	flight     singleflight.Group
	groupLocks *keyedMutex
}

func NewDirectory(store persistence.Persister, registry *Registry, logger hclog.Logger) *Directory {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Directory{
		store:      store,
		registry:   registry,
		log:        globals.Logger(logger, "directory"),
		Clock:      types.Now,
		groupLocks: newKeyedMutex(),
	}
}

func (d *Directory) Registry() *Registry {
	return d.registry
}

// ResolveOrCreate returns the room identified by key. Direct and object-anchored rooms are
// created on first use with their members (and the requester) added. Group rooms are only
// resolved, never created from a key.
func (d *Directory) ResolveOrCreate(ctx context.Context, key string, requester *types.User) (*types.Room, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	slug := k.Slug()
	if k.Kind == types.RoomKindGroup {
		return d.store.GetRoomBySlug(ctx, slug)
	}
	room, err := d.store.GetRoomBySlug(ctx, slug)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	// concurrent first connections to the same slug share one creation, which must outlive a
	// leader that goes away
	v, err, shared := d.flight.Do(slug, func() (interface{}, error) {
		return d.create(context.WithoutCancel(ctx), k, requester)
	})
	if err != nil {
		return nil, err
	}
	room = v.(*types.Room)
	if shared && requester != nil {
		// the requester of a collapsed call was not added by the leader
		at := d.Clock()
		_, _, err = d.store.AddMember(ctx, room.ID, requester.ID, at, &at)
		if err != nil {
			return nil, err
		}
	}
	return room, nil
}

func (d *Directory) create(ctx context.Context, k Key, requester *types.User) (*types.Room, error) {
	var name string
	var memberIDs []uint
	switch k.Kind {
	case types.RoomKindDirect:
		users, err := d.store.GetUsersByID(ctx, k.IDs)
		if err != nil {
			return nil, err
		}
		if len(users) != len(k.IDs) {
			return nil, fmt.Errorf("users of %s: %w", k.Slug(), types.ErrNotFound)
		}
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.String()
		}
		name = strings.Join(names, " & ")
		memberIDs = k.IDs

	case types.RoomKindObject:
		resolver, ok := d.registry.Lookup(k.Token)
		if !ok {
			return nil, fmt.Errorf("no resolver for %q: %w", k.Token, types.ErrNotFound)
		}
		var err error
		name, memberIDs, err = resolver.Resolve(ctx, k.PK)
		if err != nil {
			return nil, err
		}

	default:
		return nil, types.ErrInvalidKey
	}
	if requester != nil {
		memberIDs = append(append(make([]uint, 0, len(memberIDs)+1), memberIDs...), requester.ID)
	}
	room, err := d.store.GetOrCreateRoom(ctx, &types.Room{Slug: k.Slug(), Name: name}, normalizeIDs(memberIDs), d.Clock())
	if err != nil {
		return nil, err
	}
	d.log.Info("created room", "slug", room.Slug, "members", len(memberIDs))
	return room, nil
}

// CreateGroup always creates a fresh group room with the given members.
func (d *Directory) CreateGroup(ctx context.Context, userIDs []uint) (*types.Room, error) {
	room, err := d.store.CreateGroupRoom(ctx, normalizeIDs(userIDs), d.Clock())
	if err != nil {
		return nil, err
	}
	d.log.Info("created group", "slug", room.Slug)
	return room, nil
}

// GetOrCreateGroupForMembers returns the newest group room whose member set equals userIDs,
// creating one if there is none. Identical requests are serialized within the process; two
// processes may still race and create one room each.
func (d *Directory) GetOrCreateGroupForMembers(ctx context.Context, userIDs []uint) (*types.Room, error) {
	ids := normalizeIDs(userIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty member set: %w", types.ErrInvalidKey)
	}
	hash, err := hashstructure.Hash(ids, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, err
	}
	unlock := d.groupLocks.lock(hash)
	defer unlock()

	rooms, err := d.store.FindGroupRooms(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(rooms) > 0 {
		return rooms[0], nil
	}
	return d.CreateGroup(ctx, ids)
}

// Rename sets the name of the room. If onlyIfCurrent is set, the name is only changed while it
// still equals *onlyIfCurrent. Unknown slugs are ignored.
func (d *Directory) Rename(ctx context.Context, slug, newName string, onlyIfCurrent *string) error {
	return d.store.RenameRoom(ctx, slug, newName, onlyIfCurrent)
}

func (d *Directory) Get(ctx context.Context, slug string) (*types.Room, error) {
	return d.store.GetRoomBySlug(ctx, slug)
}

// List returns all rooms, most recently modified first.
func (d *Directory) List(ctx context.Context) ([]*types.Room, error) {
	return d.store.GetRooms(ctx)
}

// Touch bumps the modified timestamp of the room.
func (d *Directory) Touch(ctx context.Context, room *types.Room) error {
	return d.store.TouchRoom(ctx, room, d.Clock())
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint64]*refMutex)}
}

func (k *keyedMutex) lock(key uint64) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
