// Package janitor periodically reclaims streams whose producer died without
// reaching a terminal state, and purges expired event logs.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"

	"github.com/rzbill/chatrelay/pkg/log"
)

// DefaultInterval is how often a sweep runs.
const DefaultInterval = 30 * time.Second

// Orphans removes non-terminal streams whose liveness marker expired.
type Orphans interface {
	SweepOrphans(ctx context.Context) (int, error)
}

// Logs drops event logs whose retention deadline passed.
type Logs interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Config holds the janitor's collaborators.
type Config struct {
	Orphans  Orphans
	Logs     Logs
	Clock    clock.Clock
	Interval time.Duration
	Logger   log.Logger
	// OnSweep observes each report after it is logged.
	OnSweep func(Report)
}

// Validate returns an error if the config cannot be used.
func (c Config) Validate() error {
	if c.Orphans == nil {
		return errors.New("janitor: nil Orphans")
	}
	if c.Clock == nil {
		return errors.New("janitor: nil Clock")
	}
	if c.Interval < 0 {
		return errors.New("janitor: negative Interval")
	}
	return nil
}

// Report is the outcome of one sweep.
type Report struct {
	At         time.Time     `json:"at"`
	Orphans    int           `json:"orphans_removed"`
	PurgedLogs int           `json:"logs_purged"`
	Took       time.Duration `json:"took_ns"`
	Err        error         `json:"-"`
}

// Janitor runs sweeps on a fixed interval.
type Janitor struct {
	cfg Config
	log log.Logger
}

func New(cfg Config) (*Janitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Janitor{cfg: cfg, log: logger.WithComponent("janitor")}, nil
}

// Run sweeps every interval until ctx is done. Sweep failures are logged
// and never stop the loop.
func (j *Janitor) Run(ctx context.Context) error {
	j.log.Info("started", log.Dur("interval", j.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			j.log.Info("stopped")
			return nil
		case <-j.cfg.Clock.After(j.cfg.Interval):
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce reclaims orphaned streams and purges expired logs.
func (j *Janitor) SweepOnce(ctx context.Context) Report {
	start := j.cfg.Clock.Now()
	rep := Report{At: start.UTC()}

	n, err := j.cfg.Orphans.SweepOrphans(ctx)
	rep.Orphans = n
	if err != nil {
		j.log.Error("orphan sweep failed", log.Err(err))
		rep.Err = err
	}
	if j.cfg.Logs != nil {
		n, err := j.cfg.Logs.PurgeExpired(ctx, start)
		rep.PurgedLogs = n
		if err != nil {
			j.log.Error("log purge failed", log.Err(err))
			rep.Err = errors.Join(rep.Err, err)
		}
	}
	rep.Took = j.cfg.Clock.Now().Sub(start)

	if rep.Orphans > 0 || rep.PurgedLogs > 0 {
		j.log.Info("sweep", log.Int("orphans_removed", rep.Orphans), log.Int("logs_purged", rep.PurgedLogs))
	} else {
		j.log.Debug("sweep found nothing")
	}
	if j.cfg.OnSweep != nil {
		j.cfg.OnSweep(rep)
	}
	return rep
}
