package gateway

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dethon/relay/internal/logger"
)

// Janitor periodically ends sessions that have seen no activity. Idle
// teardown frees stream state and pending approvals that a vanished client
// would otherwise leak.
type Janitor struct {
	service *Service
	maxIdle time.Duration
	cron    *cron.Cron
	logger  *logger.Logger
}

// NewJanitor creates the idle-session sweeper. maxIdle is the inactivity
// threshold after which a session is ended.
func NewJanitor(service *Service, maxIdle time.Duration, log *logger.Logger) *Janitor {
	return &Janitor{
		service: service,
		maxIdle: maxIdle,
		cron:    cron.New(),
		logger:  log.WithComponent("session-janitor"),
	}
}

// Start schedules the sweep every five minutes.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 5m", j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("session janitor started",
		slog.Duration("max_idle", j.maxIdle))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("session janitor stopped")
}

func (j *Janitor) sweep() {
	idle := j.service.sessions.IdleTopics(j.maxIdle)
	for _, topicID := range idle {
		// Never reap a topic with work in flight; activity tracking can lag
		// behind a long-running turn.
		if j.service.IsProcessing(topicID) {
			j.service.sessions.Touch(topicID)
			continue
		}
		j.service.EndSession(topicID)
	}

	if len(idle) > 0 {
		j.logger.Info("idle sweep finished", slog.Int("ended", len(idle)))
	}
}
