package agenda

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "taskrecur/internal/log"
)

// Scheduler runs the digest on a cron schedule.
type Scheduler struct {
	builder *Builder
	cron    *cron.Cron
	days    int
	now     func() time.Time
}

// NewScheduler parses spec (standard 5-field cron) evaluated in loc.
func NewScheduler(b *Builder, spec string, loc *time.Location, days int) (*Scheduler, error) {
	s := &Scheduler{
		builder: b,
		cron:    cron.New(cron.WithLocation(loc)),
		days:    days,
		now:     time.Now,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("agenda schedule %q: %w", spec, err)
	}
	return s, nil
}

// ValidateSpec reports whether spec is a usable cron expression.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// RunOnce builds and logs one digest immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	return s.builder.Digest(ctx, s.now(), s.days)
}

func (s *Scheduler) tick() {
	if _, err := s.RunOnce(context.Background()); err != nil {
		appLog.Error("agenda digest failed", err)
	}
}

// Start runs the schedule until ctx is done, then waits for a running job.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	appLog.Info("agenda scheduler started", "entries", len(s.cron.Entries()))
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		appLog.Info("agenda scheduler stopped")
	}()
}
