package subs

import (
	"context"
	"sync"
	"testing"

	"github.com/lumetrade/streamcore/errs"
	"github.com/lumetrade/streamcore/internal/schema"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	frames    []schema.ControlFrame
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) SendControl(_ context.Context, frame schema.ControlFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSender) sent() []schema.ControlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.ControlFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

type fakeAuth struct{ authorized bool }

func (f *fakeAuth) Authorized() bool { return f.authorized }

func TestSubscribeSendsOnFirstRefWhileConnected(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(sender, &fakeAuth{})
	ctx := context.Background()

	if err := r.Subscribe(ctx, "price.BTC"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := r.Subscribe(ctx, "price.BTC"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if got := r.RefCount("price.BTC"); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}
	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("frames = %v, want a single subscribe", frames)
	}
	if frames[0].Action != schema.ActionSubscribe || frames[0].Channel != "price.BTC" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestSubscribeDefersWhileDisconnected(t *testing.T) {
	sender := &fakeSender{connected: false}
	r := NewRegistry(sender, &fakeAuth{})
	ctx := context.Background()

	if err := r.Subscribe(ctx, "price.BTC"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Errorf("frames sent while disconnected: %v", sender.sent())
	}

	sender.setConnected(true)
	if err := r.ReplayAll(ctx); err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}
	frames := sender.sent()
	if len(frames) != 1 || frames[0].Channel != "price.BTC" {
		t.Errorf("replay frames = %v", frames)
	}
}

func TestUnsubscribeSendsOnLastRefOnly(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(sender, &fakeAuth{})
	ctx := context.Background()

	_ = r.Subscribe(ctx, "price.ETH")
	_ = r.Subscribe(ctx, "price.ETH")

	r.Unsubscribe(ctx, "price.ETH")
	if got := r.RefCount("price.ETH"); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}

	r.Unsubscribe(ctx, "price.ETH")
	if got := r.RefCount("price.ETH"); got != 0 {
		t.Errorf("RefCount = %d, want 0", got)
	}

	frames := sender.sent()
	unsubs := 0
	for _, f := range frames {
		if f.Action == schema.ActionUnsubscribe {
			unsubs++
		}
	}
	if unsubs != 1 {
		t.Errorf("unsubscribe frames = %d, want 1", unsubs)
	}
}

func TestUnsubscribeNeverGoesNegative(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(sender, &fakeAuth{})
	ctx := context.Background()

	r.Unsubscribe(ctx, "price.BTC")
	r.Unsubscribe(ctx, "price.BTC")
	if got := r.RefCount("price.BTC"); got != 0 {
		t.Errorf("RefCount = %d, want 0", got)
	}
	if len(sender.sent()) != 0 {
		t.Errorf("frames sent for uninterested channel: %v", sender.sent())
	}
}

func TestReplayAllSendsExactDesiredSet(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(sender, &fakeAuth{authorized: true})
	ctx := context.Background()

	_ = r.Subscribe(ctx, "price.BTC")
	_ = r.Subscribe(ctx, "price.BTC") // refCount 2, still one replay frame
	_ = r.Subscribe(ctx, "price.ETH")
	_ = r.Subscribe(ctx, "position.0xabc")
	r.Unsubscribe(ctx, "price.ETH") // dropped before replay

	sender.mu.Lock()
	sender.frames = nil
	sender.mu.Unlock()

	if err := r.ReplayAll(ctx); err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}

	frames := sender.sent()
	got := map[string]int{}
	for _, f := range frames {
		if f.Action != schema.ActionSubscribe {
			t.Errorf("replay sent non-subscribe frame: %+v", f)
		}
		got[f.Channel]++
	}
	want := map[string]int{"price.BTC": 1, "position.0xabc": 1}
	if len(got) != len(want) {
		t.Fatalf("replayed channels = %v, want %v", got, want)
	}
	for channel, n := range want {
		if got[channel] != n {
			t.Errorf("channel %s replayed %d times, want %d", channel, got[channel], n)
		}
	}
}

func TestAuthenticatedChannelRejectedWhileUnauthorized(t *testing.T) {
	sender := &fakeSender{connected: true}
	auth := &fakeAuth{authorized: false}
	r := NewRegistry(sender, auth)
	ctx := context.Background()

	err := r.Subscribe(ctx, "position.0xabc")
	if !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Fatalf("Subscribe() error = %v, want unauthorized", err)
	}
	if got := r.RefCount("position.0xabc"); got != 0 {
		t.Errorf("RefCount = %d, want 0", got)
	}

	auth.authorized = true
	if err := r.Subscribe(ctx, "position.0xabc"); err != nil {
		t.Fatalf("Subscribe() after authorization error = %v", err)
	}
}

func TestDropAuthenticatedRemovesOnlyAuthenticatedChannels(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(sender, &fakeAuth{authorized: true})
	ctx := context.Background()

	_ = r.Subscribe(ctx, "price.BTC")
	_ = r.Subscribe(ctx, "position.0xabc")
	_ = r.Subscribe(ctx, "fill.ord-1")

	r.DropAuthenticated(ctx)

	if got := r.Channels(); len(got) != 1 || got[0] != "price.BTC" {
		t.Errorf("Channels() = %v, want [price.BTC]", got)
	}

	unsubs := map[string]bool{}
	for _, f := range sender.sent() {
		if f.Action == schema.ActionUnsubscribe {
			unsubs[f.Channel] = true
		}
	}
	if !unsubs["position.0xabc"] || !unsubs["fill.ord-1"] {
		t.Errorf("unsubscribe frames = %v", unsubs)
	}
	if unsubs["price.BTC"] {
		t.Error("public channel unsubscribed by authenticated drop")
	}
}

func TestInvalidChannelKeyRejected(t *testing.T) {
	r := NewRegistry(&fakeSender{}, &fakeAuth{})
	if err := r.Subscribe(context.Background(), "nokey"); !errs.IsCode(err, errs.CodeInvalid) {
		t.Errorf("Subscribe(nokey) error = %v, want invalid_request", err)
	}
}

func TestConcurrentSubscribersSerialized(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(sender, &fakeAuth{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Subscribe(ctx, "price.BTC")
		}()
	}
	wg.Wait()

	if got := r.RefCount("price.BTC"); got != 32 {
		t.Errorf("RefCount = %d, want 32", got)
	}

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Unsubscribe(ctx, "price.BTC")
		}()
	}
	wg.Wait()

	if got := r.RefCount("price.BTC"); got != 0 {
		t.Errorf("RefCount after drain = %d, want 0", got)
	}
}
