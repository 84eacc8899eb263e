package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/filter"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

const digestDescription = "You have unread chat messages"

//go:embed templates/digest.txt
var templateFS embed.FS

var digestTemplate = template.Must(template.ParseFS(templateFS, "templates/digest.txt"))

type DigestMessage struct {
	Author    string
	Text      string
	Timestamp string
}

type DigestRoom struct {
	Room     *types.Room
	Messages []DigestMessage
}

// Digest is the data the mail template is rendered with.
type Digest struct {
	Recipient   *types.User
	Subject     string
	Description string
	SiteName    string
	Rooms       []DigestRoom
}

// Sweeper mails every user a digest of the rooms returned by Engine.DigestCandidates and
// advances the notify watermarks of those rooms.
type Sweeper struct {
	engine    *Engine
	store     persistence.Persister
	activity  persistence.ActivityStore
	mailer    Mailer
	recipient *filter.RecipientFilter
	lock      *flock.Flock
	running   sync.Mutex
	chatCfg   config.ChatConfig
	siteName  string
	log       hclog.Logger

	// Clock defaults to types.Now.
	Clock types.Clock
}

func NewSweeper(engine *Engine, store persistence.Persister, activity persistence.ActivityStore, mailer Mailer, cfg *config.Config, logger hclog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		engine:   engine,
		store:    store,
		activity: activity,
		mailer:   mailer,
		chatCfg:  cfg.ChatConfig,
		siteName: cfg.NotifyConfig.SiteName,
		log:      globals.Logger(logger, "digest"),
		Clock:    types.Now,
	}
	if cfg.NotifyConfig.RecipientFilter != "" {
		f, err := filter.Compile(cfg.NotifyConfig.RecipientFilter)
		if err != nil {
			return nil, err
		}
		s.recipient = f
	}
	if cfg.NotifyConfig.LockPath != "" {
		s.lock = flock.New(cfg.NotifyConfig.LockPath)
	}
	return s, nil
}

// Subject is the subject of every digest mail.
func (s *Sweeper) Subject() string {
	return fmt.Sprintf("[%s] %s", s.siteName, digestDescription)
}

// Run sends one digest to every user with digest candidates and returns the number of users
// notified. Delivery failures are logged and do not stop the watermarks from advancing; errors
// for one user never stop the sweep. If another process holds the sweep lock, Run does nothing.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		s.log.Info("a sweep is already running, skipping")
		return 0, nil
	}
	defer s.running.Unlock()
	if s.lock != nil {
		locked, err := s.lock.TryLock()
		if err != nil {
			return 0, fmt.Errorf("could not acquire sweep lock: %w", err)
		}
		if !locked {
			s.log.Info("another sweep is running, skipping")
			return 0, nil
		}
		defer s.lock.Unlock()
	}
	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return 0, err
	}
	notified := 0
	for _, user := range users {
		if ctx.Err() != nil {
			return notified, ctx.Err()
		}
		ok, err := s.notifyUser(ctx, user)
		if err != nil {
			s.log.Error("could not notify user", "user", user.Username, "error", err)
			continue
		}
		if ok {
			notified++
		}
	}
	s.log.Info("digest sweep done", "users", len(users), "notified", notified)
	return notified, nil
}

func (s *Sweeper) matches(user *types.User, now time.Time) (bool, error) {
	if s.recipient == nil {
		return true, nil
	}
	var lastActive time.Time
	if s.activity != nil {
		last, found, err := s.activity.LastActive(user.ID)
		if err != nil {
			return false, err
		}
		if found {
			lastActive = last
		}
	}
	return s.recipient.Match(filter.NewEnv(user, lastActive, now))
}

func (s *Sweeper) notifyUser(ctx context.Context, user *types.User) (bool, error) {
	now := s.Clock()
	ok, err := s.matches(user, now)
	if err != nil || !ok {
		return false, err
	}
	rooms, err := s.engine.DigestCandidates(ctx, user)
	if err != nil || len(rooms) == 0 {
		return false, err
	}
	digest := &Digest{
		Recipient:   user,
		Subject:     s.Subject(),
		Description: digestDescription,
		SiteName:    s.siteName,
		Rooms:       make([]DigestRoom, 0, len(rooms)),
	}
	for _, r := range rooms {
		messages, err := s.store.GetUnreadMessages(ctx, user.ID, r.Room.ID)
		if err != nil {
			return false, err
		}
		dr := DigestRoom{Room: r.Room, Messages: make([]DigestMessage, 0, len(messages))}
		for _, m := range messages {
			dm := DigestMessage{
				Text:      m.Display(s.chatCfg.MessageTypes),
				Timestamp: m.CreatedAt.Format(s.chatCfg.DatetimeFormat),
			}
			if author := m.Author(); author != nil {
				dm.Author = *author
			}
			dr.Messages = append(dr.Messages, dm)
		}
		digest.Rooms = append(digest.Rooms, dr)
	}
	body := &bytes.Buffer{}
	err = digestTemplate.Execute(body, digest)
	if err != nil {
		return false, err
	}
	err = s.mailer.Send(ctx, Mail{To: user.Email, Subject: digest.Subject, Body: body.String()})
	if err != nil {
		s.log.Warn("could not deliver digest", "user", user.Username, "error", err)
	}
	for _, r := range rooms {
		err := s.store.SetLastNotified(ctx, r.Room.ID, user.ID, now)
		if err != nil {
			s.log.Error("could not update last notified", "user", user.Username, "room", r.Room.Slug, "error", err)
		}
	}
	return true, nil
}
