// Package workerproto is the line-delimited JSON message protocol
// spoken between the coordinator and the sync worker over its unix
// socket.
package workerproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	SchemaVersion = "furrow.worker.v1"
	MaxFrameBytes = 1 << 20
)

// Message types.
const (
	TypeSkipWaiting      = "SKIP_WAITING"
	TypeGetVersion       = "GET_VERSION"
	TypeVersion          = "VERSION"
	TypeControllerChange = "CONTROLLER_CHANGE"
	TypeBackgroundSync   = "BACKGROUND_SYNC"
)

var (
	ErrInvalidFrame    = errors.New("workerproto: invalid frame")
	ErrFrameTooLarge   = errors.New("workerproto: frame too large")
	ErrUnsupportedVers = errors.New("workerproto: unsupported schema version")
)

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	RequestID     string          `json:"request_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type VersionPayload struct {
	Version string `json:"version"`
}

type SyncPayload struct {
	Tag string `json:"tag,omitempty"`
}

func NewEnvelope(msgType, requestID string, payload any) (Envelope, error) {
	if strings.TrimSpace(msgType) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	var body json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		body = data
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          strings.TrimSpace(msgType),
		RequestID:     strings.TrimSpace(requestID),
		SentAt:        time.Now().UTC(),
		Payload:       body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	return nil
}

// Write emits one envelope as a single newline-terminated JSON line.
func Write(w io.Writer, e Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Read consumes one line and validates the envelope.
func Read(r *bufio.Reader) (Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Envelope{}, err
	}
	if len(line) > MaxFrameBytes {
		return Envelope{}, ErrFrameTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
