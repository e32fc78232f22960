package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/models"
)

// Scheduler re-runs the pipeline over a trailing window of days so late
// truth data fills in keys that were Missing on earlier runs.
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration
	lookback int
	now      func() time.Time
}

func NewScheduler(p *Pipeline, interval time.Duration, lookbackDays int) *Scheduler {
	return &Scheduler{
		pipeline: p,
		interval: interval,
		lookback: lookbackDays,
		now:      time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// window ends yesterday, the latest day truth data can exist for.
func (s *Scheduler) window() (models.Date, models.Date) {
	end := models.DateOf(s.now().UTC()).AddDays(-1)
	return end.AddDays(-(s.lookback - 1)), end
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start, end := s.window()
	rep, err := s.pipeline.Run(ctx, start, end, Options{ComputeMissing: true, Export: true})
	if err != nil {
		log.Errorf("scheduler: run %s..%s: %v", start, end, err)
		return
	}
	log.Printf("scheduler: %s..%s: %s", start, end, rep)
}
