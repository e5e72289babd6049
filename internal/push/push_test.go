package push

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/testutil"
)

type fakePlatform struct {
	grant        bool
	grantErr     error
	sub          *Subscription
	subErr       error
	unsubOK      bool
	unsubErr     error
	unsubscribes int
}

func (p *fakePlatform) RequestPermission(context.Context) (bool, error) {
	return p.grant, p.grantErr
}

func (p *fakePlatform) Subscribe(context.Context, string) (*Subscription, error) {
	return p.sub, p.subErr
}

func (p *fakePlatform) Unsubscribe(context.Context) (bool, error) {
	p.unsubscribes++
	return p.unsubOK, p.unsubErr
}

func TestNilPlatformIsUnsupported(t *testing.T) {
	m := NewManager(nil, nil, zap.NewNop())
	ctx := context.Background()
	if m.Supported() {
		t.Fatalf("nil platform must report unsupported")
	}
	if m.Setup(ctx) {
		t.Fatalf("setup must fail without a platform")
	}
	if m.Subscribe(ctx, "key") != nil {
		t.Fatalf("subscribe must resolve nil without a platform")
	}
	if !m.Unsubscribe(ctx) {
		t.Fatalf("unsubscribe with nothing subscribed is success")
	}
}

func TestPermissionDenied(t *testing.T) {
	m := NewManager(&fakePlatform{grant: false}, nil, zap.NewNop())
	ctx := context.Background()
	if m.Setup(ctx) {
		t.Fatalf("denied permission must return false")
	}
	if m.Subscribe(ctx, "key") != nil {
		t.Fatalf("subscribe without permission must resolve nil")
	}
}

func TestPermissionErrorResolvesFalse(t *testing.T) {
	m := NewManager(&fakePlatform{grantErr: errors.New("platform down")}, nil, zap.NewNop())
	if m.Setup(context.Background()) {
		t.Fatalf("permission error must resolve to false")
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	platform := &fakePlatform{
		grant:   true,
		sub:     &Subscription{Endpoint: "https://push.example/ep", Auth: "a", P256DH: "p"},
		unsubOK: true,
	}
	m := NewManager(platform, nil, zap.NewNop())
	ctx := context.Background()

	if !m.Setup(ctx) {
		t.Fatalf("setup should succeed")
	}
	sub := m.Subscribe(ctx, "server-key")
	if sub == nil || sub.Endpoint != "https://push.example/ep" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if m.Current() == nil {
		t.Fatalf("current subscription should be retained")
	}

	if !m.Unsubscribe(ctx) {
		t.Fatalf("unsubscribe should succeed")
	}
	if m.Current() != nil {
		t.Fatalf("subscription should be cleared")
	}
	if !m.Unsubscribe(ctx) {
		t.Fatalf("second unsubscribe is still success")
	}
	if platform.unsubscribes != 1 {
		t.Fatalf("platform unsubscribe should only be called while subscribed, got %d", platform.unsubscribes)
	}
}

func TestSubscribeFailurePublishesEvent(t *testing.T) {
	events := bus.New(zap.NewNop())
	log := testutil.CollectEvents(t, events)
	platform := &fakePlatform{grant: true, subErr: errors.New("quota exceeded")}
	m := NewManager(platform, events, zap.NewNop())
	ctx := context.Background()

	if !m.Setup(ctx) {
		t.Fatalf("setup should succeed")
	}
	if m.Subscribe(ctx, "key") != nil {
		t.Fatalf("platform rejection must resolve nil")
	}
	if log.Count(model.EventSubscriptionFailed) != 1 {
		t.Fatalf("expected one subscription-failed event")
	}
	if m.Current() != nil {
		t.Fatalf("no subscription should be retained on failure")
	}
}
