package ws

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/notify"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Service bundles the collaborators shared by all sessions.
type Service struct {
	Bus       Bus
	Directory *room.Directory
	Members   *room.Members
	Store     persistence.Persister
	Engine    *notify.Engine
	Presence  *Presence
	Activity  persistence.ActivityStore // optional
	Cfg       *config.Config
	Clock     types.Clock
	Log       hclog.Logger
}

func NewService(cfg *config.Config, store persistence.Persister, activity persistence.ActivityStore, bus Bus, directory *room.Directory, engine *notify.Engine, logger hclog.Logger) *Service {
	return &Service{
		Bus:       bus,
		Directory: directory,
		Members:   room.NewMembers(store),
		Store:     store,
		Engine:    engine,
		Presence:  NewPresence(bus, cfg),
		Activity:  activity,
		Cfg:       cfg,
		Clock:     types.Now,
		Log:       globals.Logger(logger, "ws"),
	}
}

// An Endpoint is the server side of one websocket connection.
type Endpoint interface {
	// Receive handles one raw client frame.
	Receive(raw []byte)
	// Frames yields the outbound frames, it is closed when the endpoint is closed.
	Frames() <-chan types.Frame
	// Prepare turns a queued frame into the frame written to the client.
	Prepare(ctx context.Context, frame types.Frame) (types.Frame, error)
	// Run processes events until ctx is done or the endpoint is closed, then closes it.
	Run(ctx context.Context)
	Close()
}

// prepare answers unread refresh signals with the user's current unread snapshot.
func (svc *Service) prepare(ctx context.Context, user *types.User, frame types.Frame) (types.Frame, error) {
	if _, ok := frame.(*types.UnreadRefreshFrame); ok {
		return svc.Engine.Snapshot(ctx, user.ID)
	}
	return frame, nil
}

func (svc *Service) touchActivity(user *types.User) {
	if svc.Activity == nil {
		return
	}
	err := svc.Activity.Touch(user.ID, svc.Clock())
	if err != nil {
		svc.Log.Warn("could not record activity", "user", user.Username, "error", err)
	}
}
