package ws

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
	"golang.org/x/time/rate"
)

// typingLimiters bounds the number of users with a remembered typing limit. An evicted user
// starts over with a full burst.
const typingLimiters = 4096

// Presence broadcasts ephemeral typing and online indicators to room groups. Nothing is stored.
type Presence struct {
	bus       Bus
	templates map[string]string
	limit     rate.Limit
	burst     int

	limiters *lru.Cache
	sync.Mutex
}

func NewPresence(bus Bus, cfg *config.Config) *Presence {
	return newPresence(bus, cfg, typingLimiters)
}

func newPresence(bus Bus, cfg *config.Config, size int) *Presence {
	limit := rate.Limit(cfg.ChatConfig.TypingRate)
	if cfg.ChatConfig.TypingRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.ChatConfig.TypingBurst
	if burst < 1 {
		burst = 1
	}
	// lru.New only fails for non-positive sizes
	limiters, _ := lru.New(size)
	return &Presence{
		bus:       bus,
		templates: cfg.ChatConfig.MessageTypes,
		limit:     limit,
		burst:     burst,
		limiters:  limiters,
	}
}

func (p *Presence) allow(userID uint) bool {
	p.Lock()
	defer p.Unlock()
	v, ok := p.limiters.Get(userID)
	if !ok {
		v = rate.NewLimiter(p.limit, p.burst)
		p.limiters.Add(userID, v)
	}
	return v.(*rate.Limiter).Allow()
}

// Typing broadcasts a user_typing frame to the room group. Floods are dropped; it reports
// whether the frame was sent.
func (p *Presence) Typing(room *types.Room, user *types.User) bool {
	if !p.allow(user.ID) {
		return false
	}
	p.bus.Publish(room.GroupName(), &types.UserTypingFrame{
		Type:     types.FrameTypeUserTyping,
		Username: user.String(),
		Text:     types.NewUserTypingEvent(user).Render(p.templates),
	})
	return true
}

// Online broadcasts that user connected to or disconnected from room.
func (p *Presence) Online(room *types.Room, user *types.User, online bool) {
	p.bus.Publish(room.GroupName(), &types.UserPresenceFrame{
		Type:     types.FrameTypeUserPresence,
		Username: user.String(),
		Online:   online,
	})
}
