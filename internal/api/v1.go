// Package api defines the wire types of the furrowd UDS API.
package api

import (
	"encoding/json"
	"time"

	"github.com/croftlabs/furrow/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type StatusEnvelope struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Connectivity  model.ConnectivityState `json:"connectivity"`
	Worker        model.WorkerUpdateState `json:"worker"`
	Capabilities  model.Capabilities      `json:"capabilities"`
	QueueDepth    int                     `json:"queue_depth"`
	DeadLetters   int                     `json:"dead_letters"`
}

type SettingsEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Settings      model.OfflineSettings `json:"settings"`
}

// SettingsPatchRequest carries durations in milliseconds on the wire.
type SettingsPatchRequest struct {
	AutoSync            *bool  `json:"auto_sync,omitempty"`
	SyncIntervalMs      *int64 `json:"sync_interval_ms,omitempty"`
	MaxCacheAgeMs       *int64 `json:"max_cache_age_ms,omitempty"`
	EnableNotifications *bool  `json:"enable_notifications,omitempty"`
}

type ActionItem struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Status    string          `json:"status"`
}

type QueueEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Actions       []ActionItem `json:"actions"`
}

type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type EnqueueResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Action        ActionItem `json:"action"`
}

type RequeueRequest struct {
	ID string `json:"id"`
}

type SyncResponse struct {
	SchemaVersion   string       `json:"schema_version"`
	GeneratedAt     time.Time    `json:"generated_at"`
	AlreadyDraining bool         `json:"already_draining"`
	Succeeded       []ActionItem `json:"succeeded"`
	Failed          []ActionItem `json:"failed"`
}

type WorkerVersionEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Version       string    `json:"version,omitempty"`
}

type ApplyUpdateResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Applied       bool      `json:"applied"`
	Phase         string    `json:"phase"`
}

type PromptShowResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Choice        string    `json:"choice"`
}

type WatchLine struct {
	SchemaVersion string    `json:"schema_version"`
	EmittedAt     time.Time `json:"emitted_at"`
	Kind          string    `json:"kind"`
	Payload       any       `json:"payload,omitempty"`
}
