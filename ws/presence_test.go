package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
)

func TestTypingIsThrottled(t *testing.T) {
	cfg := config.Default()
	cfg.ChatConfig.TypingRate = 0.001
	cfg.ChatConfig.TypingBurst = 3
	hub := NewHub(nil)
	p := NewPresence(hub, cfg)
	room := &types.Room{ID: 1, Slug: "users-1-2"}
	alice := &types.User{ID: 1, Username: "alice"}
	bob := &types.User{ID: 2, Username: "bob"}
	sub := newFakeSub("sub", 10)
	hub.Subscribe(sub, room.GroupName())

	sent := 0
	for i := 0; i < 10; i++ {
		if p.Typing(room, alice) {
			sent++
		}
	}
	assert.Equal(t, 3, sent)
	// limits are per user
	assert.True(t, p.Typing(room, bob))

	f := <-sub.q.C()
	typing, ok := f.(*types.UserTypingFrame)
	if assert.True(t, ok) {
		assert.Equal(t, "alice", typing.Username)
		assert.Equal(t, "alice is typing ...", typing.Text)
	}
}

func TestTypingLimitersAreBounded(t *testing.T) {
	cfg := config.Default()
	cfg.ChatConfig.TypingRate = 0.001
	cfg.ChatConfig.TypingBurst = 1
	p := newPresence(NewHub(nil), cfg, 2)
	room := &types.Room{ID: 1}
	alice := &types.User{ID: 1, Username: "alice"}

	assert.True(t, p.Typing(room, alice))
	assert.False(t, p.Typing(room, alice))
	for id := uint(2); id <= 5; id++ {
		assert.True(t, p.Typing(room, &types.User{ID: id, Username: "u"}))
	}
	assert.Equal(t, 2, p.limiters.Len())
	// alice was evicted and starts over
	assert.True(t, p.Typing(room, alice))
}

func TestTypingUnlimited(t *testing.T) {
	cfg := config.Default()
	cfg.ChatConfig.TypingRate = 0
	cfg.ChatConfig.TypingBurst = 0
	p := NewPresence(NewHub(nil), cfg)
	room := &types.Room{ID: 1}
	alice := &types.User{ID: 1, Username: "alice"}
	for i := 0; i < 100; i++ {
		assert.True(t, p.Typing(room, alice))
	}
}

func TestOnline(t *testing.T) {
	hub := NewHub(nil)
	p := NewPresence(hub, config.Default())
	room := &types.Room{ID: 7}
	sub := newFakeSub("sub", 10)
	hub.Subscribe(sub, "room_7")

	p.Online(room, &types.User{ID: 1, Username: "alice"}, false)
	f := <-sub.q.C()
	assert.Equal(t, &types.UserPresenceFrame{Type: types.FrameTypeUserPresence, Username: "alice", Online: false}, f)
}
