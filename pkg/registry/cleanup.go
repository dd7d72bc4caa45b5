package registry

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultIdleAge is how long a session may sit untouched before the
	// sweep evicts it.
	DefaultIdleAge = 24 * time.Hour
	// DefaultSchedule runs the sweep at the top of every hour.
	DefaultSchedule = "@hourly"
)

// Cleanup evicts idle sessions on a cron schedule. Eviction is safe at any
// time: a client presenting the same token afterwards just gets a fresh
// session, with its conversation still in the shared memory store.
type Cleanup struct {
	registry *Registry
	idleAge  time.Duration
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
}

// NewCleanup creates a cleanup sweeper for a registry.
func NewCleanup(registry *Registry, idleAge time.Duration, schedule string, logger zerolog.Logger) *Cleanup {
	if idleAge <= 0 {
		idleAge = DefaultIdleAge
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Cleanup{
		registry: registry,
		idleAge:  idleAge,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the sweep.
func (c *Cleanup) Start() error {
	if c.cron != nil {
		return fmt.Errorf("registry: cleanup is already running")
	}

	runner := cron.New()
	if _, err := runner.AddFunc(c.schedule, c.sweep); err != nil {
		return fmt.Errorf("registry: invalid cleanup schedule %q: %w", c.schedule, err)
	}
	runner.Start()
	c.cron = runner

	c.logger.Info().
		Str("schedule", c.schedule).
		Dur("idle_age", c.idleAge).
		Msg("Idle session cleanup started")
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (c *Cleanup) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil
	c.logger.Info().Msg("Idle session cleanup stopped")
}

// SweepNow runs one sweep immediately.
func (c *Cleanup) SweepNow() {
	c.sweep()
}

func (c *Cleanup) sweep() {
	now := time.Now()
	evicted := 0

	for _, id := range c.registry.IDs() {
		s, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		idle := now.Sub(s.LastActive())
		if idle < c.idleAge {
			continue
		}
		if err := c.registry.Evict(id); err != nil {
			c.logger.Warn().
				Str("session_id", id).
				Err(err).
				Msg("Failed to evict idle session")
			continue
		}
		evicted++
		c.logger.Debug().
			Str("session_id", id).
			Dur("idle", idle).
			Msg("Idle session evicted")
	}

	if evicted > 0 {
		c.logger.Info().Int("evicted", evicted).Msg("Idle session sweep complete")
	}
}
