package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-rooms/auth"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/notify"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
	"github.com/tcriess/lightspeed-rooms/ws"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

type server struct {
	svc  *ws.Service
	auth auth.Authenticator
	log  hclog.Logger
}

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewGormPersister(cfg)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		globals.AppLogger.Warn("no persistence configured, using an in-memory database")
		persister, err = persistence.NewInMemoryPersister()
		if err != nil {
			panic(err)
		}
	}
	defer persister.Close()

	activity, err := persistence.NewBuntActivityStore(cfg)
	if err != nil {
		panic(err)
	}
	if activity != nil {
		defer activity.Close()
	}

	hub := ws.NewHub(nil)
	directory := room.NewDirectory(persister, room.NewRegistry(), nil)
	engine := notify.NewEngine(persister, activity, cfg, nil)
	authenticator, err := auth.New(cfg, persister, nil)
	if err != nil {
		panic(err)
	}
	s := &server{
		svc:  ws.NewService(cfg, persister, activity, hub, directory, engine, nil),
		auth: authenticator,
		log:  globals.AppLogger.Named("http"),
	}

	var scheduler *notify.Scheduler
	if cfg.NotifyConfig.CronSpec != "" {
		sweeper, err := notify.NewSweeper(engine, persister, activity, notify.NewMailer(cfg, nil), cfg, nil)
		if err != nil {
			panic(err)
		}
		scheduler, err = notify.NewScheduler(sweeper, cfg.NotifyConfig.CronSpec, nil)
		if err != nil {
			panic(err)
		}
		scheduler.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
		// hijacked websocket connections are not tracked by Shutdown, they end with this context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		globals.AppLogger.Info("listening", "addr", cfg.Addr)
		var err error
		if *sslCert != "" && *sslKey != "" {
			err = srv.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if scheduler != nil {
			scheduler.Stop(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if err != nil {
		globals.AppLogger.Error("stopped listening", "error", err)
		return
	}
	globals.AppLogger.Info("stopped")
}

func (s *server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws/chat/unread-messages/", s.badgeHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/chat/{slug}/", s.roomHandler).Methods(http.MethodGet)
	return router
}

// statusFor maps the errors of authentication and connect to the HTTP answer of the refused
// upgrade.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *server) refuse(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	s.log.Debug("refusing connection", "path", r.URL.Path, "status", status, "error", err)
	http.Error(w, http.StatusText(status), status)
}

// Handle incoming websockets of a room
func (s *server) roomHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)
	if err != nil {
		s.refuse(w, r, err)
		return
	}
	session := ws.NewSession(s.svc, user, mux.Vars(r)["slug"])
	err = session.Connect(r.Context())
	if err != nil {
		s.refuse(w, r, err)
		return
	}
	s.serve(w, r, session)
}

// Handle incoming websockets of the unread badge
func (s *server) badgeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)
	if err != nil {
		s.refuse(w, r, err)
		return
	}
	session := ws.NewBadgeSession(s.svc, user)
	err = session.Connect(r.Context())
	if err != nil {
		s.refuse(w, r, err)
		return
	}
	s.serve(w, r, session)
}

func (s *server) serve(w http.ResponseWriter, r *http.Request, endpoint ws.Endpoint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade error", "error", err)
		endpoint.Close()
		return
	}
	ws.NewClient(conn, endpoint, s.log).Serve(r.Context())
}
