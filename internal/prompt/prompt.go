// Package prompt captures the platform's deferred install prompt and
// replays it on demand.
package prompt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/model"
)

type Choice string

const (
	ChoiceAccepted    Choice = "accepted"
	ChoiceDismissed   Choice = "dismissed"
	ChoiceUnavailable Choice = "unavailable"
)

// Prompt is the platform's deferred install offer.
type Prompt interface {
	Show(ctx context.Context) (Choice, error)
}

type Manager struct {
	events *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	captured Prompt
}

func NewManager(events *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{events: events, logger: logger}
}

// Capture stores the first deferred prompt of the session. Later
// captures are dropped; the platform only replays one.
func (m *Manager) Capture(p Prompt) bool {
	if p == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured != nil {
		m.logger.Debug("install prompt already captured, dropping")
		return false
	}
	m.captured = p
	return true
}

func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captured != nil
}

// Show replays the captured prompt and reports the user's choice. The
// prompt is discarded only on accept; whether a dismissed prompt can
// be shown again is the platform's call, not ours.
func (m *Manager) Show(ctx context.Context) Choice {
	m.mu.Lock()
	captured := m.captured
	m.mu.Unlock()
	if captured == nil {
		return ChoiceUnavailable
	}

	choice, err := captured.Show(ctx)
	if err != nil {
		m.logger.Warn("install prompt failed", zap.Error(err))
		return ChoiceUnavailable
	}
	if choice == ChoiceAccepted {
		m.mu.Lock()
		m.captured = nil
		m.mu.Unlock()
		if m.events != nil {
			m.events.Emit(model.EventInstalled, nil)
		}
	}
	return choice
}
