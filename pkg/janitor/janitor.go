// Package janitor runs scheduled housekeeping: a best-effort sweep of
// expired lock leases. Lock expiry stays passive (readers always check the
// lease timestamp), so a missed sweep is never a correctness problem.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// LockSweeper deletes lapsed lock leases. The relational backend implements
// it; the filesystem backend's redis leases expire on their own.
type LockSweeper interface {
	SweepExpiredLocks(ctx context.Context) (int, error)
}

// DefaultSchedule sweeps every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// Janitor owns the cron scheduler.
type Janitor struct {
	cron    *cron.Cron
	sweeper LockSweeper
	log     *logrus.Logger
	timeout time.Duration
}

// New creates a janitor sweeping on the given cron schedule.
func New(sweeper LockSweeper, schedule string, log *logrus.Logger) (*Janitor, error) {
	if log == nil {
		log = logrus.New()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	j := &Janitor{
		cron:    cron.New(),
		sweeper: sweeper,
		log:     log,
		timeout: time.Minute,
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins scheduled sweeps in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	swept, err := j.sweeper.SweepExpiredLocks(ctx)
	if err != nil {
		j.log.WithError(err).Warn("lock sweep failed")
		return
	}
	if swept > 0 {
		j.log.WithField("count", swept).Info("swept expired lock leases")
	}
}
