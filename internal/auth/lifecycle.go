package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumetrade/streamcore/errs"
	"github.com/lumetrade/streamcore/internal/observability"
)

// State identifies a step in the delegated-trading authorization flow.
type State string

const (
	// StateUnauthorized means no wallet is connected.
	StateUnauthorized State = "unauthorized"
	// StateWalletConnected means the user's wallet is connected but no agent wallet exists.
	StateWalletConnected State = "wallet_connected"
	// StateAgentPending means an agent wallet was created and awaits the user's signature.
	StateAgentPending State = "agent_wallet_pending"
	// StateAgentApproved means the delegated credential is approved for trading data.
	StateAgentApproved State = "agent_wallet_approved"
	// StateFullyAuthorized means the builder-fee approval is also in place.
	StateFullyAuthorized State = "fully_authorized"
)

// PendingApproval carries the material the user must sign to approve an agent wallet.
type PendingApproval struct {
	Address       string
	MessageToSign string
}

// Dropper force-drops authenticated subscriptions on credential loss.
type Dropper interface {
	DropAuthenticated(ctx context.Context)
}

// Lifecycle is the state machine over the delegated-trading credential.
// All mutation is serialized through one mutex; credential predicates are
// recomputed on demand against wall-clock time.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	pending PendingApproval
	cred    Credential

	store     Store
	dropper   Dropper
	threshold time.Duration
	now       func() time.Time

	watchMu  sync.RWMutex
	watchers map[string]func(State)
}

// NewLifecycle constructs a lifecycle in the unauthorized state.
func NewLifecycle(store Store, refreshThreshold time.Duration) *Lifecycle {
	l := new(Lifecycle)
	l.state = StateUnauthorized
	l.store = store
	l.threshold = refreshThreshold
	l.now = time.Now
	l.watchers = make(map[string]func(State))
	return l
}

// SetDropper wires the subscription registry hook invoked on credential loss.
func (l *Lifecycle) SetDropper(d Dropper) {
	l.mu.Lock()
	l.dropper = d
	l.mu.Unlock()
}

// Restore loads a persisted credential from secure storage. A valid stored
// credential resumes the flow at agent_wallet_approved; anything else leaves
// the lifecycle unauthorized.
func (l *Lifecycle) Restore() bool {
	address, okAddr := l.store.Get(KeyAgentAddress)
	expiresRaw, okExp := l.store.Get(KeyExpiresAt)
	approvedRaw, okApp := l.store.Get(KeyApproved)
	if !okAddr || !okExp || !okApp {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, expiresRaw)
	if err != nil {
		return false
	}
	approved, err := strconv.ParseBool(approvedRaw)
	if err != nil {
		return false
	}

	cred := Credential{
		Address:          address,
		ExpiresAt:        expiresAt,
		Approved:         approved,
		RefreshThreshold: l.threshold,
	}
	if !cred.Valid(l.now()) {
		return false
	}

	l.mu.Lock()
	l.cred = cred
	l.transitionLocked(StateAgentApproved)
	return true
}

// ConnectWallet records a wallet connection. Valid only from unauthorized.
func (l *Lifecycle) ConnectWallet() error {
	l.mu.Lock()
	if l.state != StateUnauthorized {
		defer l.mu.Unlock()
		return l.invalidTransition("connect wallet")
	}
	l.transitionLocked(StateWalletConnected)
	return nil
}

// BeginAgentApproval records a freshly created agent wallet awaiting signature.
func (l *Lifecycle) BeginAgentApproval(pending PendingApproval) error {
	l.mu.Lock()
	if l.state != StateWalletConnected {
		defer l.mu.Unlock()
		return l.invalidTransition("begin agent approval")
	}
	l.pending = pending
	l.transitionLocked(StateAgentPending)
	return nil
}

// CompleteAgentApproval installs the approved credential and persists it.
func (l *Lifecycle) CompleteAgentApproval(cred Credential) error {
	l.mu.Lock()
	if l.state != StateAgentPending {
		defer l.mu.Unlock()
		return l.invalidTransition("complete agent approval")
	}
	cred.Approved = true
	if cred.RefreshThreshold <= 0 {
		cred.RefreshThreshold = l.threshold
	}
	l.cred = cred
	l.pending = PendingApproval{}

	l.store.Set(KeyAgentAddress, cred.Address)
	l.store.Set(KeyExpiresAt, cred.ExpiresAt.UTC().Format(time.RFC3339))
	l.store.Set(KeyApproved, strconv.FormatBool(cred.Approved))

	l.transitionLocked(StateAgentApproved)
	return nil
}

// ApproveBuilderFee records the one-time builder-fee approval completing the flow.
func (l *Lifecycle) ApproveBuilderFee() error {
	l.mu.Lock()
	if l.state != StateAgentApproved {
		defer l.mu.Unlock()
		return l.invalidTransition("approve builder fee")
	}
	l.transitionLocked(StateFullyAuthorized)
	return nil
}

// WalletDisconnected forces the lifecycle to unauthorized from any state. It
// synchronously drops every authenticated subscription and clears persisted
// credential material; no authenticated data may remain reachable after logout.
func (l *Lifecycle) WalletDisconnected(ctx context.Context) {
	l.mu.Lock()
	l.cred = Credential{}
	l.pending = PendingApproval{}
	dropper := l.dropper
	l.transitionLocked(StateUnauthorized)

	l.store.Clear(KeyAgentAddress, KeyExpiresAt, KeyApproved, KeyBearerToken)
	if dropper != nil {
		dropper.DropAuthenticated(ctx)
	}
}

// Authorized reports whether authenticated channels may be opened: the flow
// reached agent approval and the credential is approved and unexpired.
func (l *Lifecycle) Authorized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAgentApproved && l.state != StateFullyAuthorized {
		return false
	}
	return l.cred.Valid(l.now())
}

// NeedsRefresh reports whether the current credential is close enough to
// expiry to prompt reauthorization. Expiry itself does not drop subscriptions;
// the registry re-checks authorization on each (re)subscribe.
func (l *Lifecycle) NeedsRefresh() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAgentApproved && l.state != StateFullyAuthorized {
		return false
	}
	return l.cred.NeedsRefresh(l.now())
}

// Credential returns the current credential, if the flow holds one.
func (l *Lifecycle) Credential() (Credential, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAgentApproved && l.state != StateFullyAuthorized {
		return Credential{}, false
	}
	return l.cred, true
}

// Pending returns the approval material awaiting signature.
func (l *Lifecycle) Pending() (PendingApproval, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAgentPending {
		return PendingApproval{}, false
	}
	return l.pending, true
}

// CurrentState returns the lifecycle state.
func (l *Lifecycle) CurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Watch registers a state watcher and returns its cancel handle.
func (l *Lifecycle) Watch(fn func(State)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	id := uuid.NewString()
	l.watchMu.Lock()
	l.watchers[id] = fn
	l.watchMu.Unlock()
	return func() {
		l.watchMu.Lock()
		delete(l.watchers, id)
		l.watchMu.Unlock()
	}
}

// transitionLocked sets the state, releases the state lock, and notifies
// watchers. Callers must hold l.mu.
func (l *Lifecycle) transitionLocked(next State) {
	prev := l.state
	l.state = next
	l.mu.Unlock()

	observability.Log().Info("authorization state changed",
		observability.Field{Key: "from", Value: string(prev)},
		observability.Field{Key: "to", Value: string(next)},
	)

	l.watchMu.RLock()
	watchers := make([]func(State), 0, len(l.watchers))
	for _, fn := range l.watchers {
		watchers = append(watchers, fn)
	}
	l.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(next)
	}
}

func (l *Lifecycle) invalidTransition(op string) error {
	return errs.New("auth/lifecycle", errs.CodeConflict,
		errs.WithMessage(op+" is not valid from state "+string(l.state)))
}
