package room

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tcriess/lightspeed-rooms/types"
)

var objectKeyRe = regexp.MustCompile(`^([a-z][a-z0-9_]*)-([0-9]+)$`)

// Key is a parsed room key.
type Key struct {
	Kind types.RoomKind
	// IDs are the participants of a direct room, sorted ascending and without duplicates.
	IDs []uint
	// Token is the model token of an object-anchored room.
	Token string
	// PK is the group id or the primary key of the anchoring object.
	PK uint
	raw string
}

// Slug returns the canonical slug of the key. Direct keys are normalized, all other keys are
// returned as given.
func (k Key) Slug() string {
	if k.Kind == types.RoomKindDirect {
		return DirectSlug(k.IDs...)
	}
	return k.raw
}

// ParseKey parses users-<id>-<id>[...], group-<id> and <model>-<pk> keys.
func ParseKey(key string) (Key, error) {
	switch {
	case strings.HasPrefix(key, types.DirectSlugPrefix):
		ids, err := parseIDs(strings.Split(key[len(types.DirectSlugPrefix):], "-"))
		if err != nil {
			return Key{}, fmt.Errorf("%q: %w", key, err)
		}
		ids = normalizeIDs(ids)
		if len(ids) < 2 {
			return Key{}, fmt.Errorf("%q needs at least two distinct users: %w", key, types.ErrInvalidKey)
		}
		return Key{Kind: types.RoomKindDirect, IDs: ids, raw: key}, nil

	case strings.HasPrefix(key, types.GroupSlugPrefix):
		ids, err := parseIDs([]string{key[len(types.GroupSlugPrefix):]})
		if err != nil {
			return Key{}, fmt.Errorf("%q: %w", key, err)
		}
		return Key{Kind: types.RoomKindGroup, PK: ids[0], raw: key}, nil
	}
	m := objectKeyRe.FindStringSubmatch(key)
	if m == nil {
		return Key{}, fmt.Errorf("%q: %w", key, types.ErrInvalidKey)
	}
	ids, err := parseIDs(m[2:3])
	if err != nil {
		return Key{}, fmt.Errorf("%q: %w", key, err)
	}
	return Key{Kind: types.RoomKindObject, Token: m[1], PK: ids[0], raw: key}, nil
}

func parseIDs(parts []string) ([]uint, error) {
	ids := make([]uint, 0, len(parts))
	for _, part := range parts {
		if part == "" || strings.TrimLeft(part, "0123456789") != "" {
			return nil, types.ErrInvalidKey
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil || id == 0 {
			return nil, types.ErrInvalidKey
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

// normalizeIDs sorts ids ascending and removes duplicates.
func normalizeIDs(ids []uint) []uint {
	res := make([]uint, 0, len(ids))
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// DirectSlug composes the slug of the direct room between the given users.
func DirectSlug(ids ...uint) string {
	ids = normalizeIDs(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return types.DirectSlugPrefix + strings.Join(parts, "-")
}
