// Package cron posts scheduled task-summary digests to the support channel.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tasklink/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Poster delivers the digest text. Implemented by the telegram channel.
type Poster interface {
	SendChannelReply(chatID int64, messageID int, text string) error
}

// Config holds the dependencies for the digest scheduler.
type Config struct {
	Store    *store.Store
	Poster   Poster
	Logger   *slog.Logger
	ChatID   int64         // chat the digest is posted to
	Spec     string        // cron expression, e.g. "0 9 * * 1-5"
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks whether the digest is due and posts it.
type Scheduler struct {
	store    *store.Store
	poster   Poster
	logger   *slog.Logger
	chatID   int64
	spec     string
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler. The cron spec is validated at
// construction so a bad expression fails at startup.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	next, err := NextRunTime(cfg.Spec, time.Now())
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:    cfg.Store,
		poster:   cfg.Poster,
		logger:   logger,
		chatID:   cfg.ChatID,
		spec:     cfg.Spec,
		interval: interval,
		nextRun:  next,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("digest scheduler started", "spec", s.spec, "next_run", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("digest scheduler stopped")
}

// NextRun returns the next scheduled digest time.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires the digest when its time has come and reschedules.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	s.mu.Unlock()
	if !due {
		return
	}

	fireErr := s.fire(ctx)
	if fireErr != nil {
		// Reschedule anyway; a failed digest waits for the next slot.
		s.logger.Error("digest not posted", "error", fireErr)
	}

	next, err := NextRunTime(s.spec, now)
	if err != nil {
		// Spec was validated at construction; a parse failure here means
		// nothing sane can be scheduled.
		s.logger.Error("digest reschedule failed", "spec", s.spec, "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
	if fireErr == nil {
		s.logger.Info("digest posted", "next_run", next)
	}
}

func (s *Scheduler) fire(ctx context.Context) error {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}
	return s.poster.SendChannelReply(s.chatID, 0, FormatDigest(stats))
}

// FormatDigest renders the daily summary.
func FormatDigest(s store.TaskStats) string {
	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Completed) / float64(s.Total) * 100
	}
	var b strings.Builder
	b.WriteString("Daily task digest\n")
	fmt.Fprintf(&b, "  total: %d\n", s.Total)
	fmt.Fprintf(&b, "  new: %d\n", s.New)
	fmt.Fprintf(&b, "  in progress: %d\n", s.InProgress)
	fmt.Fprintf(&b, "  completed: %d\n", s.Completed)
	fmt.Fprintf(&b, "  cancelled: %d\n", s.Cancelled)
	fmt.Fprintf(&b, "  completion rate: %.0f%%", rate)
	return b.String()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
