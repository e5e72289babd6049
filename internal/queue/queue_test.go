package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/testutil"
)

func TestEnqueueDrainOrder(t *testing.T) {
	st, events, ctx := testutil.NewMemoryStore(t)
	q := New(st, events, zap.NewNop(), 5)

	for i := 0; i < 3; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		if _, err := q.Enqueue(ctx, "note.create", payload); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Len())
	}

	var replayed []string
	result := q.Drain(ctx, func(_ context.Context, action model.DeferredAction) error {
		replayed = append(replayed, string(action.Payload))
		return nil
	})
	if result.AlreadyDraining {
		t.Fatalf("unexpected AlreadyDraining")
	}
	if len(result.Succeeded) != 3 || len(result.Failed) != 0 {
		t.Fatalf("expected 3 successes, got %+v", result)
	}
	want := []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}
	for i, got := range replayed {
		if got != want[i] {
			t.Fatalf("replay order broken at %d: got %s, want %s", i, got, want[i])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after drain, got %d", q.Len())
	}
}

func TestFailedActionDoesNotBlockOthers(t *testing.T) {
	st, events, ctx := testutil.NewMemoryStore(t)
	q := New(st, events, zap.NewNop(), 5)

	bad, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{"bad":true}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	good, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{"bad":false}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := q.Drain(ctx, func(_ context.Context, action model.DeferredAction) error {
		if action.ID == bad.ID {
			return errors.New("server rejected")
		}
		return nil
	})
	if len(result.Succeeded) != 1 || result.Succeeded[0].ID != good.ID {
		t.Fatalf("later action should succeed past a failing one: %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != bad.ID {
		t.Fatalf("expected the bad action in Failed: %+v", result)
	}
	if result.Failed[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", result.Failed[0].Attempts)
	}

	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != bad.ID {
		t.Fatalf("failed action should stay pending: %+v", pending)
	}
	if pending[0].LastError != "server rejected" {
		t.Fatalf("expected last error recorded, got %q", pending[0].LastError)
	}
}

func TestRetryCeilingMovesToDeadLetter(t *testing.T) {
	st, events, ctx := testutil.NewMemoryStore(t)
	log := testutil.CollectEvents(t, events)
	q := New(st, events, zap.NewNop(), 3)

	action, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alwaysFail := func(_ context.Context, _ model.DeferredAction) error {
		return errors.New("unreachable")
	}
	for i := 0; i < 3; i++ {
		q.Drain(ctx, alwaysFail)
	}

	if q.Len() != 0 {
		t.Fatalf("abandoned action should leave the pending set")
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].ID != action.ID {
		t.Fatalf("expected the action in dead letters: %+v", dead)
	}
	if dead[0].Status != model.ActionDead || dead[0].Attempts != 3 {
		t.Fatalf("dead letter state wrong: %+v", dead[0])
	}
	if log.Count(model.EventActionAbandoned) != 1 {
		t.Fatalf("expected one abandonment event, got %d", log.Count(model.EventActionAbandoned))
	}

	// A further drain finds nothing to do.
	result := q.Drain(ctx, alwaysFail)
	if len(result.Succeeded)+len(result.Failed) != 0 {
		t.Fatalf("dead letters must not be retried: %+v", result)
	}
}

func TestRequeueResetsAttempts(t *testing.T) {
	st, events, ctx := testutil.NewMemoryStore(t)
	q := New(st, events, zap.NewNop(), 1)

	action, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Drain(ctx, func(_ context.Context, _ model.DeferredAction) error {
		return errors.New("boom")
	})
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("expected dead letter with maxAttempts=1")
	}

	if err := q.Requeue(ctx, action.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := q.Requeue(ctx, action.ID); err == nil {
		t.Fatalf("second requeue of same id should fail")
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Attempts != 0 || pending[0].LastError != "" {
		t.Fatalf("requeued action should reset retry state: %+v", pending)
	}

	result := q.Drain(ctx, func(_ context.Context, _ model.DeferredAction) error { return nil })
	if len(result.Succeeded) != 1 {
		t.Fatalf("requeued action should drain: %+v", result)
	}
}

func TestConcurrentDrainGuard(t *testing.T) {
	st, events, ctx := testutil.NewMemoryStore(t)
	q := New(st, events, zap.NewNop(), 5)
	if _, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var first DrainResult
	go func() {
		defer wg.Done()
		first = q.Drain(ctx, func(_ context.Context, _ model.DeferredAction) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	second := q.Drain(ctx, func(_ context.Context, _ model.DeferredAction) error { return nil })
	if !second.AlreadyDraining {
		t.Fatalf("overlapping drain should report AlreadyDraining")
	}
	close(release)
	wg.Wait()
	if first.AlreadyDraining || len(first.Succeeded) != 1 {
		t.Fatalf("first drain should complete normally: %+v", first)
	}

	third := q.Drain(ctx, func(_ context.Context, _ model.DeferredAction) error { return nil })
	if third.AlreadyDraining {
		t.Fatalf("drain after completion should run")
	}
}

func TestLoadRestoresAcrossRestart(t *testing.T) {
	st, events, ctx := testutil.NewStore(t)
	q := New(st, events, zap.NewNop(), 2)

	first, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "note.update", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Push one action over the ceiling so both namespaces have data.
	q.Drain(ctx, func(_ context.Context, action model.DeferredAction) error {
		if action.ID == first.ID {
			return errors.New("rejected")
		}
		return nil
	})
	q.Drain(ctx, func(_ context.Context, action model.DeferredAction) error {
		return errors.New("rejected")
	})
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("expected one dead letter before restart")
	}

	restored := New(st, events, zap.NewNop(), 2)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Len() != 0 {
		t.Fatalf("pending set should be empty after restore, got %d", restored.Len())
	}
	dead := restored.DeadLetters()
	if len(dead) != 1 || dead[0].ID != first.ID {
		t.Fatalf("dead letter should survive restart: %+v", dead)
	}

	// New enqueues continue the sequence rather than colliding.
	next, err := restored.Enqueue(ctx, "note.create", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue after restore: %v", err)
	}
	if next.Seq <= dead[0].Seq {
		t.Fatalf("sequence should continue past %d, got %d", dead[0].Seq, next.Seq)
	}
}

func TestSchemaValidationRejectsAtEnqueue(t *testing.T) {
	st, events, ctx := testutil.NewMemoryStore(t)
	q := New(st, events, zap.NewNop(), 5)
	schema := `{
		"type": "object",
		"required": ["title"],
		"properties": {"title": {"type": "string", "minLength": 1}}
	}`
	if err := q.RegisterSchema("note.create", schema); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	if _, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{"title":""}`)); err == nil {
		t.Fatalf("expected schema rejection for empty title")
	}
	if _, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected schema rejection for missing title")
	}
	if _, err := q.Enqueue(ctx, "note.create", json.RawMessage(`{"title":"ok"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	// Kinds without a schema pass unchecked.
	if _, err := q.Enqueue(ctx, "unvalidated.kind", json.RawMessage(`{"anything":1}`)); err != nil {
		t.Fatalf("unvalidated kind rejected: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("only valid payloads should be queued, got %d", q.Len())
	}
}
