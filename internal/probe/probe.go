package probe

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const checkTimeout = 15 * time.Second

// Monitor periodically checks that the agent binary is present and
// responsive by running it with --version.
type Monitor struct {
	binary string
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.RWMutex
	healthy bool
	version string
	lastErr string
}

// NewMonitor creates a monitor for the given agent binary. schedule is
// either a cron expression or a plain duration like "1m".
func NewMonitor(binary, schedule string, logger *slog.Logger) (*Monitor, error) {
	m := &Monitor{
		binary: binary,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := m.cron.AddFunc(normalizeSchedule(schedule), m.check); err != nil {
		return nil, err
	}
	return m, nil
}

// Start runs one immediate check, then checks on the schedule until
// Stop is called.
func (m *Monitor) Start() {
	m.check()
	m.cron.Start()
}

// Stop halts scheduled checks.
func (m *Monitor) Stop() {
	m.cron.Stop()
}

// Healthy reports the result of the most recent check.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Version returns the agent version string from the last healthy check.
func (m *Monitor) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// LastError returns the failure detail of the last unhealthy check.
func (m *Monitor) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, m.binary, "--version").Output()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.healthy {
			m.logger.Warn("agent binary probe failed", "binary", m.binary, "error", err)
		}
		m.healthy = false
		m.lastErr = err.Error()
		return
	}
	if !m.healthy {
		m.logger.Info("agent binary probe recovered", "binary", m.binary)
	}
	m.healthy = true
	m.lastErr = ""
	m.version = strings.TrimSpace(string(out))
}

// normalizeSchedule accepts either a cron expression or a duration
// string, mapping durations onto cron's @every syntax.
func normalizeSchedule(schedule string) string {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return "@every 1m"
	}
	if d, err := time.ParseDuration(schedule); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return schedule
}
