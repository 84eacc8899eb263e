package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-rooms/globals"
)

// Scheduler runs the digest sweep on a cron schedule. A sweep still running when the next one
// is due causes the next one to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	log     hclog.Logger
}

func NewScheduler(sweeper *Sweeper, spec string, logger hclog.Logger) (*Scheduler, error) {
	logger = globals.Logger(logger, "scheduler")
	cronLogger := cron.PrintfLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		sweeper: sweeper,
		log:     logger,
	}
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) sweep() {
	n, err := s.sweeper.Run(context.Background())
	if err != nil {
		s.log.Error("digest sweep failed", "error", err)
		return
	}
	s.log.Debug("digest sweep finished", "notified", n)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
