package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/types"
)

// BadgeSession streams the unread badge of one user. It only listens to the user's notify
// group and ignores client input.
type BadgeSession struct {
	id   string
	svc  *Service
	user *types.User
	log  hclog.Logger

	out       *queue
	done      chan struct{}
	closeOnce sync.Once
}

func NewBadgeSession(svc *Service, user *types.User) *BadgeSession {
	id := uuid.New().String()
	return &BadgeSession{
		id:   id,
		svc:  svc,
		user: user,
		log:  svc.Log.With("session", id, "badge", true),
		out:  newQueue(svc.Cfg.BusConfig.QueueSize),
		done: make(chan struct{}),
	}
}

func (b *BadgeSession) ID() string {
	return b.id
}

// Connect subscribes to the user's notify group and queues the initial snapshot.
func (b *BadgeSession) Connect(ctx context.Context) error {
	if b.user == nil {
		b.Close()
		return types.ErrUnauthorized
	}
	b.svc.Bus.Subscribe(b, types.NotifyGroupName(b.user.ID))
	b.Enqueue(types.NewUnreadRefreshFrame())
	return nil
}

func (b *BadgeSession) Enqueue(frame types.Frame) bool {
	return b.out.push(frame)
}

func (b *BadgeSession) Frames() <-chan types.Frame {
	return b.out.C()
}

func (b *BadgeSession) Prepare(ctx context.Context, frame types.Frame) (types.Frame, error) {
	return b.svc.prepare(ctx, b.user, frame)
}

func (b *BadgeSession) Receive(raw []byte) {
	b.log.Trace("ignoring client frame", "size", len(raw))
}

func (b *BadgeSession) Run(ctx context.Context) {
	defer b.Close()
	select {
	case <-ctx.Done():
	case <-b.done:
	}
}

func (b *BadgeSession) Close() {
	b.closeOnce.Do(func() {
		b.svc.Bus.UnsubscribeAll(b)
		close(b.done)
		b.out.close()
	})
}
