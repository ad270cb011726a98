package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/tasksync/config"
	"github.com/tazhate/tasksync/internal/service"
)

// Scheduler drives periodic sync passes on the configured cron schedule.
type Scheduler struct {
	cron        *cron.Cron
	cfg         *config.Config
	syncService *service.SyncService
}

func New(cfg *config.Config, syncSvc *service.SyncService) *Scheduler {
	c := cron.New(cron.WithLocation(cfg.Timezone))
	return &Scheduler{
		cron:        c,
		cfg:         cfg,
		syncService: syncSvc,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SyncSchedule, func() { s.runSync(ctx) }); err != nil {
		return fmt.Errorf("add sync job: %w", err)
	}

	s.cron.Start()
	log.Printf("Scheduler started (TZ: %s, schedule: %s)", s.cfg.Timezone, s.cfg.SyncSchedule)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler stopped")
}

func (s *Scheduler) runSync(parent context.Context) {
	// A pass over slow links should not outlive the schedule interval by much.
	ctx, cancel := context.WithTimeout(parent, 10*time.Minute)
	defer cancel()

	start := time.Now()
	if err := s.syncService.SyncAll(ctx); err != nil {
		log.Printf("Sync pass finished with errors after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("Sync pass completed in %s", time.Since(start).Round(time.Millisecond))
}
