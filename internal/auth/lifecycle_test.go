package auth

import (
	"context"
	"testing"
	"time"

	"github.com/lumetrade/streamcore/errs"
)

const week = 7 * 24 * time.Hour

func TestCredentialPredicates(t *testing.T) {
	now := time.Now()

	cred := Credential{
		ExpiresAt:        now.Add(3 * 24 * time.Hour),
		Approved:         true,
		RefreshThreshold: week,
	}
	if cred.Expired(now) {
		t.Error("Expired = true for credential expiring in 3 days")
	}
	if !cred.NeedsRefresh(now) {
		t.Error("NeedsRefresh = false with 3 days left and a 7 day threshold")
	}
	if !cred.Valid(now) {
		t.Error("Valid = false for approved, unexpired credential")
	}

	expired := Credential{
		ExpiresAt:        now.Add(-time.Second),
		Approved:         true,
		RefreshThreshold: week,
	}
	if !expired.Expired(now) {
		t.Error("Expired = false for credential expired one second ago")
	}
	if expired.Valid(now) {
		t.Error("Valid = true for expired credential")
	}

	unapproved := Credential{
		ExpiresAt:        now.Add(30 * 24 * time.Hour),
		Approved:         false,
		RefreshThreshold: week,
	}
	if unapproved.Valid(now) {
		t.Error("Valid = true for unapproved credential")
	}
}

func newApprovedLifecycle(t *testing.T, store Store) *Lifecycle {
	t.Helper()
	l := NewLifecycle(store, week)
	if err := l.ConnectWallet(); err != nil {
		t.Fatal(err)
	}
	if err := l.BeginAgentApproval(PendingApproval{Address: "0xagent", MessageToSign: "approve 0xagent"}); err != nil {
		t.Fatal(err)
	}
	if err := l.CompleteAgentApproval(Credential{
		Address:   "0xagent",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(90 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestHappyPathTransitions(t *testing.T) {
	l := newApprovedLifecycle(t, NewMemoryStore())

	if got := l.CurrentState(); got != StateAgentApproved {
		t.Fatalf("state = %q, want agent_wallet_approved", got)
	}
	if !l.Authorized() {
		t.Error("Authorized = false after agent approval")
	}

	if err := l.ApproveBuilderFee(); err != nil {
		t.Fatalf("ApproveBuilderFee() error = %v", err)
	}
	if got := l.CurrentState(); got != StateFullyAuthorized {
		t.Errorf("state = %q, want fully_authorized", got)
	}
	if !l.Authorized() {
		t.Error("Authorized = false in fully_authorized")
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	l := NewLifecycle(NewMemoryStore(), week)

	if err := l.ApproveBuilderFee(); !errs.IsCode(err, errs.CodeConflict) {
		t.Errorf("ApproveBuilderFee from unauthorized = %v, want conflict", err)
	}
	if err := l.BeginAgentApproval(PendingApproval{}); !errs.IsCode(err, errs.CodeConflict) {
		t.Errorf("BeginAgentApproval from unauthorized = %v, want conflict", err)
	}
	if err := l.ConnectWallet(); err != nil {
		t.Fatal(err)
	}
	if err := l.ConnectWallet(); !errs.IsCode(err, errs.CodeConflict) {
		t.Errorf("double ConnectWallet = %v, want conflict", err)
	}
}

func TestPendingApprovalExposedOnlyWhilePending(t *testing.T) {
	l := NewLifecycle(NewMemoryStore(), week)
	if _, ok := l.Pending(); ok {
		t.Error("Pending = true before flow started")
	}

	_ = l.ConnectWallet()
	_ = l.BeginAgentApproval(PendingApproval{Address: "0xagent", MessageToSign: "msg"})

	pending, ok := l.Pending()
	if !ok || pending.MessageToSign != "msg" {
		t.Errorf("Pending = (%+v, %v)", pending, ok)
	}
}

type dropRecorder struct {
	calls int
}

func (d *dropRecorder) DropAuthenticated(context.Context) { d.calls++ }

func TestWalletDisconnectForcesUnauthorizedAndDropsSubscriptions(t *testing.T) {
	store := NewMemoryStore()
	l := newApprovedLifecycle(t, store)
	dropper := &dropRecorder{}
	l.SetDropper(dropper)

	l.WalletDisconnected(context.Background())

	if got := l.CurrentState(); got != StateUnauthorized {
		t.Errorf("state = %q, want unauthorized", got)
	}
	if dropper.calls != 1 {
		t.Errorf("DropAuthenticated calls = %d, want 1", dropper.calls)
	}
	if l.Authorized() {
		t.Error("Authorized = true after wallet disconnect")
	}
	if _, ok := store.Get(KeyAgentAddress); ok {
		t.Error("credential address survived disconnect")
	}
	if _, ok := store.Get(KeyBearerToken); ok {
		t.Error("bearer token survived disconnect")
	}
}

func TestExpiredCredentialIsNotAuthorized(t *testing.T) {
	l := newApprovedLifecycle(t, NewMemoryStore())

	// Move the clock past credential expiry.
	l.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }

	if l.Authorized() {
		t.Error("Authorized = true for expired credential")
	}
	if got := l.CurrentState(); got != StateAgentApproved {
		t.Errorf("expiry must not change lifecycle state, got %q", got)
	}
}

func TestNeedsRefreshNearExpiry(t *testing.T) {
	l := newApprovedLifecycle(t, NewMemoryStore())

	if l.NeedsRefresh() {
		t.Error("NeedsRefresh = true with 90 days left")
	}
	l.now = func() time.Time { return time.Now().Add(87 * 24 * time.Hour) }
	if !l.NeedsRefresh() {
		t.Error("NeedsRefresh = false with 3 days left and a 7 day threshold")
	}
	if !l.Authorized() {
		t.Error("Authorized = false for a credential that merely needs refresh")
	}
}

func TestRestoreFromSecureStorage(t *testing.T) {
	store := NewMemoryStore()
	store.Set(KeyAgentAddress, "0xagent")
	store.Set(KeyExpiresAt, time.Now().Add(30*24*time.Hour).UTC().Format(time.RFC3339))
	store.Set(KeyApproved, "true")

	l := NewLifecycle(store, week)
	if !l.Restore() {
		t.Fatal("Restore() = false for valid stored credential")
	}
	if got := l.CurrentState(); got != StateAgentApproved {
		t.Errorf("state = %q, want agent_wallet_approved", got)
	}
	if !l.Authorized() {
		t.Error("Authorized = false after restore")
	}
}

func TestRestoreRejectsExpiredOrPartialMaterial(t *testing.T) {
	store := NewMemoryStore()
	store.Set(KeyAgentAddress, "0xagent")
	store.Set(KeyExpiresAt, time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
	store.Set(KeyApproved, "true")

	l := NewLifecycle(store, week)
	if l.Restore() {
		t.Error("Restore() = true for expired credential")
	}

	partial := NewMemoryStore()
	partial.Set(KeyAgentAddress, "0xagent")
	l = NewLifecycle(partial, week)
	if l.Restore() {
		t.Error("Restore() = true for partial material")
	}
}

func TestWatcherSeesTransitions(t *testing.T) {
	l := NewLifecycle(NewMemoryStore(), week)

	var states []State
	cancel := l.Watch(func(s State) { states = append(states, s) })
	defer cancel()

	_ = l.ConnectWallet()
	_ = l.BeginAgentApproval(PendingApproval{Address: "0xagent"})

	if len(states) != 2 || states[0] != StateWalletConnected || states[1] != StateAgentPending {
		t.Errorf("observed states = %v", states)
	}
}
