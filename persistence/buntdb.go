package persistence

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tidwall/buntdb"
)

// BuntActivityStore keeps the last activity of users in a BuntDB file. Activity is written on
// every processed event, so it lives outside of the relational store.
type BuntActivityStore struct {
	db *buntdb.DB
}

// NewBuntActivityStore opens the configured file. It returns nil if no path is configured.
func NewBuntActivityStore(cfg *config.Config) (ActivityStore, error) {
	if cfg.ActivityConfig.Path == "" {
		return nil, nil
	}
	return OpenBuntActivityStore(cfg.ActivityConfig.Path)
}

// OpenBuntActivityStore opens path, which may be ":memory:".
func OpenBuntActivityStore(path string) (*BuntActivityStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("activityts", "activity:*", buntdb.IndexInt)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BuntActivityStore{db: db}, nil
}

func activityKey(userID uint) string {
	return fmt.Sprintf("activity:%d", userID)
}

// Touch records activity at the given time. Older timestamps never overwrite newer ones.
func (p *BuntActivityStore) Touch(userID uint, at time.Time) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := activityKey(userID)
		prev, err := tx.Get(key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if err == nil {
			if ts, err := strconv.ParseInt(prev, 10, 64); err == nil && ts >= at.UnixNano() {
				return nil
			}
		}
		_, _, err = tx.Set(key, strconv.FormatInt(at.UnixNano(), 10), nil)
		return err
	})
}

func (p *BuntActivityStore) LastActive(userID uint) (time.Time, bool, error) {
	var last time.Time
	found := false
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(activityKey(userID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ts, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		last = time.Unix(0, ts).UTC()
		found = true
		return nil
	})
	return last, found, err
}

// ActiveSince returns the ids of users active at or after t.
func (p *BuntActivityStore) ActiveSince(t time.Time) ([]uint, error) {
	ids := make([]uint, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("activityts", strconv.FormatInt(t.UnixNano(), 10), func(key, val string) bool {
			id, err := strconv.ParseUint(key[len("activity:"):], 10, 64)
			if err == nil {
				ids = append(ids, uint(id))
			}
			return true
		})
	})
	return ids, err
}

func (p *BuntActivityStore) Close() error {
	return p.db.Close()
}
