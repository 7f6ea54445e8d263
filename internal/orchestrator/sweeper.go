package orchestrator

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically runs SweepExpired on both managers. Sessions are also
// swept on every start and expired on lookup, so the sweeper only keeps idle
// roots tidy.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper schedules svc.SweepExpired every interval (at least one second).
func NewSweeper(svc *Service, interval time.Duration, log *slog.Logger) (*Sweeper, error) {
	if interval < time.Second {
		interval = time.Second
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		relayed, transcoded := svc.SweepExpired()
		if relayed+transcoded > 0 {
			log.Info("expired sessions swept",
				slog.Int("relay", relayed),
				slog.Int("transcode", transcoded))
		}
	}); err != nil {
		return nil, err
	}
	return &Sweeper{cron: c}, nil
}

// Start begins scheduling in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
