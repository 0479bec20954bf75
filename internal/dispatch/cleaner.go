package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/observability"
)

// RoomReaper tears down rooms older than maxAge whose name has prefix.
type RoomReaper interface {
	CleanupStale(ctx context.Context, prefix string, maxAge time.Duration) ([]string, error)
}

// EventPruner drops call events older than maxAge.
type EventPruner interface {
	Prune(maxAge time.Duration) int
}

// CleanerConfig wires a Cleaner.
type CleanerConfig struct {
	Rooms    RoomReaper
	Events   EventPruner
	Records  *Store
	Prefix   string
	MaxAge   time.Duration
	Schedule string
	Logger   *observability.Logger
	Tracer   *observability.Tracer
}

// CleanupReport describes one cleanup pass.
type CleanupReport struct {
	Rooms         []string `json:"rooms"`
	EventsPruned  int      `json:"events_pruned"`
	RecordsPruned int      `json:"records_pruned"`
}

// Cleaner periodically reclaims rooms that outlived their call.
type Cleaner struct {
	cfg  CleanerConfig
	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewCleaner validates the schedule and returns a cleaner.
func NewCleaner(cfg CleanerConfig) (*Cleaner, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("dispatch: room reaper is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRoomPrefix
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	cfg.Logger = cfg.Logger.WithFields("component", "cleanup")
	schedule, err := config.ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("dispatch: cleanup schedule: %w", err)
	}

	c := &Cleaner{cfg: cfg, cron: cron.New()}
	c.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := c.RunOnce(context.Background()); err != nil {
			c.cfg.Logger.Warn(context.Background(), "scheduled cleanup failed", "error", err)
		}
	}))
	return c, nil
}

// Start runs the schedule in the background.
func (c *Cleaner) Start() { c.cron.Start() }

// Stop halts the schedule and waits for a running pass.
func (c *Cleaner) Stop() {
	<-c.cron.Stop().Done()
}

// RunOnce performs one cleanup pass. Overlapping passes are skipped.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupReport, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return CleanupReport{}, nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	var report CleanupReport
	err := observability.WithSpan(ctx, c.cfg.Tracer, "rooms.cleanup", func(ctx context.Context, span trace.Span) error {
		rooms, err := c.cfg.Rooms.CleanupStale(ctx, c.cfg.Prefix, c.cfg.MaxAge)
		report.Rooms = rooms
		if c.cfg.Events != nil {
			report.EventsPruned = c.cfg.Events.Prune(c.cfg.MaxAge)
		}
		if c.cfg.Records != nil {
			report.RecordsPruned = c.cfg.Records.Prune(c.cfg.MaxAge)
		}
		c.cfg.Tracer.SetAttributes(span, "cleanup.rooms", len(rooms), "cleanup.events_pruned", report.EventsPruned)
		return err
	})

	if len(report.Rooms) > 0 || err != nil {
		c.cfg.Logger.Info(ctx, "stale rooms cleaned up",
			"rooms", len(report.Rooms),
			"events_pruned", report.EventsPruned,
			"records_pruned", report.RecordsPruned,
			"error", err,
		)
	}
	return report, err
}
