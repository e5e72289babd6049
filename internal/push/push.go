// Package push manages the notification permission and push
// subscription lifecycle. Push is an enhancement: every failure path
// resolves to a sentinel, never an error across the public surface.
package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/model"
)

// Subscription is the handle handed to the application for delivering
// pushes through the backend.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	P256DH   string `json:"p256dh"`
}

// Platform is the push capability of the host environment. A nil
// platform means push is unsupported.
type Platform interface {
	RequestPermission(ctx context.Context) (bool, error)
	Subscribe(ctx context.Context, serverKey string) (*Subscription, error)
	Unsubscribe(ctx context.Context) (bool, error)
}

type Manager struct {
	platform Platform
	events   *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	permitted bool
	current   *Subscription
}

func NewManager(platform Platform, events *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{platform: platform, events: events, logger: logger}
}

// Setup requests notification permission. Denial or missing platform
// support returns false with no side effects.
func (m *Manager) Setup(ctx context.Context) bool {
	if m.platform == nil {
		return false
	}
	granted, err := m.platform.RequestPermission(ctx)
	if err != nil {
		m.logger.Warn("notification permission request failed", zap.Error(err))
		return false
	}
	m.mu.Lock()
	m.permitted = granted
	m.mu.Unlock()
	return granted
}

// Subscribe requires a prior successful Setup. Platform rejection or
// quota resolves to nil and a SubscriptionFailed event.
func (m *Manager) Subscribe(ctx context.Context, serverKey string) *Subscription {
	m.mu.Lock()
	permitted := m.permitted
	m.mu.Unlock()
	if m.platform == nil || !permitted {
		return nil
	}
	sub, err := m.platform.Subscribe(ctx, serverKey)
	if err != nil {
		m.logger.Warn("push subscribe failed", zap.Error(err))
		if m.events != nil {
			m.events.Emit(model.EventSubscriptionFailed, err.Error())
		}
		return nil
	}
	m.mu.Lock()
	m.current = sub
	m.mu.Unlock()
	return sub
}

// Unsubscribe is idempotent: nothing to unsubscribe is success.
func (m *Manager) Unsubscribe(ctx context.Context) bool {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if m.platform == nil || current == nil {
		return true
	}
	ok, err := m.platform.Unsubscribe(ctx)
	if err != nil {
		m.logger.Warn("push unsubscribe failed", zap.Error(err))
		return false
	}
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return ok
}

func (m *Manager) Current() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Supported reports whether the platform offers push at all.
func (m *Manager) Supported() bool {
	return m.platform != nil
}
