// Package alert pushes operator notifications for events that need a human
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Notice is one operator-facing notification
type Notice struct {
	Level   Level
	Title   string
	Message string
	At      time.Time
	Fields  map[string]string
}

// Channel delivers notices somewhere an operator looks
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notice) error
}

const sendTimeout = 10 * time.Second

// Manager fans notices out to all registered channels. Delivery is
// asynchronous; alerting must never block the trading path.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
	now      func() time.Time
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert"),
		now:    time.Now,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel registered", "name", ch.Name())
}

// Notify sends the notice to every channel without waiting for delivery
func (m *Manager) Notify(ctx context.Context, n Notice) {
	if n.At.IsZero() {
		n.At = m.now()
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, n); err != nil {
				m.logger.Error("alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// HandleEvent routes published events that warrant operator attention.
// It matches the outbox sink signature so it can be chained after the
// regular sink; events it does not care about pass through silently.
func (m *Manager) HandleEvent(ctx context.Context, e core.OutboxEvent) error {
	switch e.Type {
	case core.EventKillSwitchTriggered:
		m.Notify(ctx, Notice{
			Level:   LevelCritical,
			Title:   "Kill switch tripped",
			Message: "Automated trading halted. Review and release manually.",
			Fields:  map[string]string{"event_id": e.ID, "payload": e.PayloadJSON},
		})
	case core.EventKillSwitchReleased:
		m.Notify(ctx, Notice{
			Level:   LevelWarning,
			Title:   "Kill switch released",
			Message: "Automated trading resumed.",
			Fields:  map[string]string{"event_id": e.ID, "payload": e.PayloadJSON},
		})
	}
	return nil
}
