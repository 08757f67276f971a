package routedb

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Expirer is the part of a route database the sweeper needs.
type Expirer interface {
	Expire(olderThan time.Time)
}

// Sweeper periodically forgets failures older than the retention
// period, so a route that failed long ago competes with fresh routes
// again instead of being postponed forever.
type Sweeper struct {
	cron      *cron.Cron
	db        Expirer
	retention time.Duration
}

// NewSweeper creates a sweeper running on the given cron schedule
// (e.g. "@every 5m"). Failures older than retention are forgotten on
// each sweep.
func NewSweeper(db Expirer, schedule string, retention time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(),
		db:        db,
		retention: retention,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins sweeping on the configured schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the schedule. A sweep already in progress completes.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.retention)
	log.Trace().Time("cutoff", cutoff).Msg("Sweeping route failures")
	s.db.Expire(cutoff)
}
