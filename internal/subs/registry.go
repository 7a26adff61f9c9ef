// Package subs tracks reference-counted interest in named channels and emits
// subscribe/unsubscribe frames.
package subs

import (
	"context"
	"sort"
	"sync"

	"github.com/lumetrade/streamcore/errs"
	"github.com/lumetrade/streamcore/internal/observability"
	"github.com/lumetrade/streamcore/internal/schema"
)

// Sender sends control frames on the live connection.
type Sender interface {
	// Connected reports whether frames can be sent right now.
	Connected() bool
	// SendControl writes a control frame to the wire.
	SendControl(ctx context.Context, frame schema.ControlFrame) error
}

// Authorizer gates access to authenticated channel keys.
type Authorizer interface {
	// Authorized reports whether the delegated-trading credential currently
	// permits authenticated data.
	Authorized() bool
}

// Registry tracks per-channel ref counts. All mutation is serialized through
// one mutex because independent feature contexts subscribe concurrently.
//
// A channel is wanted on the wire iff its ref count is > 0. Frames are sent
// immediately while connected and deferred otherwise; the desired set survives
// disconnects so a later connect restores prior interest. Replay after a
// reconnect is set-based and idempotent: the server tolerates duplicate
// subscribe requests for an already-subscribed channel.
type Registry struct {
	mu     sync.Mutex
	refs   map[string]int
	sender Sender
	auth   Authorizer
}

// NewRegistry constructs a registry bound to the frame sender and authorizer.
func NewRegistry(sender Sender, auth Authorizer) *Registry {
	r := new(Registry)
	r.refs = make(map[string]int)
	r.sender = sender
	r.auth = auth
	return r
}

// Subscribe increments interest in the channel. On the 0→1 transition a
// subscribe frame is sent if connected, otherwise deferred until the next
// connected replay. Authenticated channels are rejected while unauthorized.
func (r *Registry) Subscribe(ctx context.Context, channel string) error {
	if _, _, err := schema.ParseChannel(channel); err != nil {
		return err
	}
	if schema.RequiresAuth(channel) && (r.auth == nil || !r.auth.Authorized()) {
		return errs.New("subs/subscribe", errs.CodeUnauthorized,
			errs.WithMessage("channel requires an approved delegated-trading credential"),
			errs.WithRemediation("complete agent wallet authorization before subscribing"))
	}

	r.mu.Lock()
	r.refs[channel]++
	first := r.refs[channel] == 1
	r.mu.Unlock()

	if first && r.sender.Connected() {
		if err := r.sender.SendControl(ctx, schema.Subscribe(channel)); err != nil {
			// Interest is retained; the connected replay repairs the wire state.
			observability.Log().Warn("subscribe frame send failed",
				observability.Field{Key: "channel", Value: channel},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return nil
}

// Unsubscribe decrements interest in the channel. On the 1→0 transition an
// unsubscribe frame is sent if connected. Extra calls on a channel with no
// interest are no-ops; the count never goes negative.
func (r *Registry) Unsubscribe(ctx context.Context, channel string) {
	r.mu.Lock()
	count, ok := r.refs[channel]
	if !ok || count == 0 {
		r.mu.Unlock()
		return
	}
	count--
	last := count == 0
	if last {
		delete(r.refs, channel)
	} else {
		r.refs[channel] = count
	}
	r.mu.Unlock()

	if last && r.sender.Connected() {
		if err := r.sender.SendControl(ctx, schema.Unsubscribe(channel)); err != nil {
			observability.Log().Warn("unsubscribe frame send failed",
				observability.Field{Key: "channel", Value: channel},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// ReplayAll resends one subscribe frame per channel with positive interest.
// Invoked on every connected transition.
func (r *Registry) ReplayAll(ctx context.Context) error {
	channels := r.Channels()
	var sendErrs []error
	for _, channel := range channels {
		if err := r.sender.SendControl(ctx, schema.Subscribe(channel)); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}
	observability.Telemetry().IncCounter("subs_replays_total", 1, nil)
	if len(sendErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors("subscription replay", sendErrs,
		observability.Field{Key: "channel_count", Value: len(channels)},
	)
}

// DropAuthenticated force-unsubscribes every authenticated channel regardless
// of ref count. Called synchronously on credential loss so no authenticated
// data remains reachable after logout.
func (r *Registry) DropAuthenticated(ctx context.Context) {
	r.mu.Lock()
	dropped := make([]string, 0, len(r.refs))
	for channel := range r.refs {
		if schema.RequiresAuth(channel) {
			dropped = append(dropped, channel)
			delete(r.refs, channel)
		}
	}
	r.mu.Unlock()

	sort.Strings(dropped)
	for _, channel := range dropped {
		if r.sender.Connected() {
			if err := r.sender.SendControl(ctx, schema.Unsubscribe(channel)); err != nil {
				observability.Log().Warn("authenticated channel drop send failed",
					observability.Field{Key: "channel", Value: channel},
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
		}
	}
	if len(dropped) > 0 {
		observability.Log().Info("authenticated subscriptions dropped",
			observability.Field{Key: "channels", Value: dropped},
		)
	}
}

// RefCount reports the current interest in the channel.
func (r *Registry) RefCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[channel]
}

// Channels returns the sorted set of channels with positive interest.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.refs))
	for channel, count := range r.refs {
		if count > 0 {
			out = append(out, channel)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
