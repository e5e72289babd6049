package model

import (
	"encoding/json"
	"time"
)

// EffectiveType is the coarse classification of current network quality.
type EffectiveType string

const (
	EffectiveUnknown EffectiveType = "unknown"
	Effective2G      EffectiveType = "2g"
	Effective3G      EffectiveType = "3g"
	Effective4G      EffectiveType = "4g"
)

// ConnectivityState is the single source of truth for reachability and
// quality. It is derived from probe samples and never persisted.
type ConnectivityState struct {
	Online         bool          `json:"online"`
	SlowConnection bool          `json:"slow_connection"`
	EffectiveType  EffectiveType `json:"effective_type"`
	DownlinkMbps   float64       `json:"downlink_mbps,omitempty"`
	RoundTripMs    int64         `json:"round_trip_ms,omitempty"`
	CheckedAt      time.Time     `json:"checked_at"`
}

type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionDead    ActionStatus = "dead"
)

// DeferredAction is a user-initiated mutation recorded while the
// backend is unreachable, replayed in creation order once it returns.
type DeferredAction struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Status    ActionStatus    `json:"status"`
	Seq       uint64          `json:"seq"`
}

// OfflineSettings is owned by the coordinator and persisted on every
// mutation.
type OfflineSettings struct {
	AutoSync            bool          `json:"auto_sync"`
	SyncInterval        time.Duration `json:"sync_interval"`
	MaxCacheAge         time.Duration `json:"max_cache_age"`
	EnableNotifications bool          `json:"enable_notifications"`
}

func DefaultSettings() OfflineSettings {
	return OfflineSettings{
		AutoSync:            true,
		SyncInterval:        30 * time.Second,
		MaxCacheAge:         24 * time.Hour,
		EnableNotifications: true,
	}
}

// SettingsPatch is a partial settings update; nil fields are unchanged.
type SettingsPatch struct {
	AutoSync            *bool          `json:"auto_sync,omitempty"`
	SyncInterval        *time.Duration `json:"sync_interval,omitempty"`
	MaxCacheAge         *time.Duration `json:"max_cache_age,omitempty"`
	EnableNotifications *bool          `json:"enable_notifications,omitempty"`
}

// WorkerPhase is the sync-worker lifecycle state.
type WorkerPhase string

const (
	WorkerUnregistered    WorkerPhase = "unregistered"
	WorkerRegistering     WorkerPhase = "registering"
	WorkerRegistered      WorkerPhase = "registered"
	WorkerUpdateFound     WorkerPhase = "update_found"
	WorkerUpdateInstalled WorkerPhase = "update_installed"
	WorkerActivated       WorkerPhase = "activated"
)

type WorkerUpdateState struct {
	Phase           WorkerPhase `json:"phase"`
	ActiveVersion   string      `json:"active_version,omitempty"`
	WaitingVersion  string      `json:"waiting_version,omitempty"`
	UpdateAvailable bool        `json:"update_available"`
}

// EventKind names the events published on the coordinator bus. The
// error taxonomy is surfaced as events rather than propagated errors.
type EventKind string

const (
	EventStatusChanged      EventKind = "status_changed"
	EventSyncCompleted      EventKind = "sync_completed"
	EventStorageDegraded    EventKind = "storage_degraded"
	EventRegistrationFailed EventKind = "registration_failed"
	EventActionAbandoned    EventKind = "action_abandoned"
	EventSubscriptionFailed EventKind = "subscription_failed"
	EventUpdateAvailable    EventKind = "update_available"
	EventInstalled          EventKind = "installed"
	EventBackgroundSync     EventKind = "background_sync"
	EventRestartRequested   EventKind = "restart_requested"
)

// Capabilities flags which optional subsystems survived init.
type Capabilities struct {
	DurableStore bool `json:"durable_store"`
	Worker       bool `json:"worker"`
	Push         bool `json:"push"`
}

// Error codes defined by API contract.
const (
	ErrInvalidRequest    = "E_INVALID_REQUEST"
	ErrNotFound          = "E_NOT_FOUND"
	ErrDrainBusy         = "E_DRAIN_BUSY"
	ErrWorkerUnavailable = "E_WORKER_UNAVAILABLE"
	ErrPromptUnavailable = "E_PROMPT_UNAVAILABLE"
	ErrInternal          = "E_INTERNAL"
)
