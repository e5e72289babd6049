// Package queue records user-initiated mutations that could not be
// applied immediately and replays them in creation order once the
// backend is reachable. Replay is at-least-once: executors must be
// idempotent or carry their own idempotency key.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/security"
	"github.com/croftlabs/furrow/internal/store"
)

// Executor applies one action against the real backend. It must
// reject on any non-success response.
type Executor func(ctx context.Context, action model.DeferredAction) error

type DrainResult struct {
	Succeeded       []model.DeferredAction `json:"succeeded"`
	Failed          []model.DeferredAction `json:"failed"`
	AlreadyDraining bool                   `json:"already_draining"`
}

type Queue struct {
	store       *store.Store
	events      *bus.Bus
	logger      *zap.Logger
	maxAttempts int
	schemas     *SchemaRegistry

	draining atomic.Bool

	mu      sync.Mutex
	pending []model.DeferredAction
	dead    []model.DeferredAction
	seq     uint64
}

func New(st *store.Store, events *bus.Bus, logger *zap.Logger, maxAttempts int) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		store:       st,
		events:      events,
		logger:      logger,
		maxAttempts: maxAttempts,
		schemas:     NewSchemaRegistry(),
	}
}

// RegisterSchema attaches a JSON schema to an action kind. Payloads of
// that kind are validated at enqueue and rejected locally when invalid.
func (q *Queue) RegisterSchema(kind, schemaJSON string) error {
	return q.schemas.Register(kind, schemaJSON)
}

// Load restores the pending and dead-letter sets from the store.
func (q *Queue) Load(ctx context.Context) error {
	pending, maxSeq, err := q.loadSet(ctx, store.QueueNS)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	dead, deadSeq, err := q.loadSet(ctx, store.DeadNS)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = pending
	q.dead = dead
	q.seq = maxSeq
	if deadSeq > q.seq {
		q.seq = deadSeq
	}
	return nil
}

// Enqueue always succeeds locally unless the payload fails its kind's
// registered schema. The record is persisted immediately and returned
// so callers can show pending state.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (model.DeferredAction, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return model.DeferredAction{}, fmt.Errorf("enqueue: kind is required")
	}
	if err := q.schemas.Validate(kind, payload); err != nil {
		return model.DeferredAction{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}

	q.mu.Lock()
	q.seq++
	action := model.DeferredAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Status:    model.ActionPending,
		Seq:       q.seq,
	}
	q.pending = append(q.pending, action)
	q.mu.Unlock()

	q.persist(ctx, store.QueueNS, action)
	return action, nil
}

// Drain replays pending actions strictly in enqueue order. A failing
// action is retried on a later pass; it never blocks the actions
// behind it. Concurrent calls are mutually exclusive: the loser
// returns immediately with AlreadyDraining set.
func (q *Queue) Drain(ctx context.Context, exec Executor) DrainResult {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{AlreadyDraining: true}
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	snapshot := append([]model.DeferredAction(nil), q.pending...)
	q.mu.Unlock()

	var result DrainResult
	for _, action := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if err := exec(ctx, action); err != nil {
			q.logger.Debug("action replay failed",
				zap.String("id", action.ID),
				zap.String("kind", action.Kind),
				zap.String("payload", security.RedactPayload(action.Payload)),
				zap.String("cause", security.Redact(err.Error())))
			result.Failed = append(result.Failed, q.recordFailure(ctx, action.ID, err))
			continue
		}
		q.remove(ctx, action.ID)
		result.Succeeded = append(result.Succeeded, action)
	}
	return result
}

// Pending returns the active queue in replay order.
func (q *Queue) Pending() []model.DeferredAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DeferredAction(nil), q.pending...)
}

// DeadLetters returns abandoned actions, kept for inspection.
func (q *Queue) DeadLetters() []model.DeferredAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DeferredAction(nil), q.dead...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Requeue moves a dead-lettered action back to the tail of the active
// queue with its attempt count reset.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	idx := -1
	for i, a := range q.dead {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("requeue %s: not found", id)
	}
	action := q.dead[idx]
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	deadKey := key(store.DeadNS, action)
	q.seq++
	action.Seq = q.seq
	action.Attempts = 0
	action.LastError = ""
	action.Status = model.ActionPending
	q.pending = append(q.pending, action)
	q.mu.Unlock()

	q.store.Delete(ctx, deadKey)
	q.persist(ctx, store.QueueNS, action)
	return nil
}

func (q *Queue) recordFailure(ctx context.Context, id string, cause error) model.DeferredAction {
	q.mu.Lock()
	idx := -1
	for i, a := range q.pending {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return model.DeferredAction{ID: id, LastError: cause.Error()}
	}
	q.pending[idx].Attempts++
	q.pending[idx].LastError = cause.Error()
	action := q.pending[idx]

	abandoned := action.Attempts >= q.maxAttempts
	var pendingKey string
	if abandoned {
		pendingKey = key(store.QueueNS, action)
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		action.Status = model.ActionDead
		q.dead = append(q.dead, action)
	}
	q.mu.Unlock()

	if abandoned {
		q.logger.Warn("action abandoned after retry ceiling",
			zap.String("id", action.ID),
			zap.String("kind", action.Kind),
			zap.Int("attempts", action.Attempts),
			zap.String("last_error", security.Redact(action.LastError)))
		q.store.Delete(ctx, pendingKey)
		q.persist(ctx, store.DeadNS, action)
		if q.events != nil {
			q.events.Emit(model.EventActionAbandoned, action)
		}
	} else {
		q.persist(ctx, store.QueueNS, action)
	}
	return action
}

func (q *Queue) remove(ctx context.Context, id string) {
	q.mu.Lock()
	idx := -1
	for i, a := range q.pending {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	action := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.mu.Unlock()
	q.store.Delete(ctx, key(store.QueueNS, action))
}

func (q *Queue) persist(ctx context.Context, ns string, action model.DeferredAction) {
	data, err := json.Marshal(action)
	if err != nil {
		q.logger.Error("marshal action", zap.String("id", action.ID), zap.Error(err))
		return
	}
	q.store.Set(ctx, key(ns, action), data)
}

func (q *Queue) loadSet(ctx context.Context, ns string) ([]model.DeferredAction, uint64, error) {
	keys, err := q.store.Keys(ctx, ns)
	if err != nil {
		return nil, 0, err
	}
	var actions []model.DeferredAction
	var maxSeq uint64
	for _, k := range keys {
		data, ok, err := q.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var action model.DeferredAction
		if err := json.Unmarshal(data, &action); err != nil {
			q.logger.Warn("dropping corrupt queue entry", zap.String("key", k), zap.Error(err))
			q.store.Delete(ctx, k)
			continue
		}
		actions = append(actions, action)
		if action.Seq > maxSeq {
			maxSeq = action.Seq
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if !actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].CreatedAt.Before(actions[j].CreatedAt)
		}
		return actions[i].Seq < actions[j].Seq
	})
	return actions, maxSeq, nil
}

// key layout: zero-padded sequence first, so lexical store order
// matches enqueue order.
func key(ns string, action model.DeferredAction) string {
	return fmt.Sprintf("%s%016d-%s", ns, action.Seq, action.ID)
}
