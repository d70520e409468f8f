package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"social/internal/backend"
	"social/internal/gateway"
	"social/internal/models"
)

func newTestSession(t *testing.T) (*Session, *backend.Backend) {
	t.Helper()
	b, err := backend.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	return New(b, b, nil), b
}

func signUp(t *testing.T, b *backend.Backend, email string) *models.Account {
	t.Helper()
	acct, err := b.SignUp(context.Background(), email, "secret1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	return acct
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSignInSignOut(t *testing.T) {
	sess, b := newTestSession(t)
	signUp(t, b, "alice@example.com")

	if sess.State() != Unauthenticated {
		t.Fatalf("initial state = %s", sess.State())
	}
	if err := sess.SignIn(context.Background(), "alice@example.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if sess.State() != Authenticated {
		t.Fatalf("state = %s, want authenticated", sess.State())
	}
	if sess.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", sess.Generation())
	}
	if sess.AccountID() == "" || sess.Token() == "" {
		t.Fatal("missing account or token")
	}

	sess.SignOut(context.Background())
	if sess.State() != Unauthenticated {
		t.Fatalf("state after sign-out = %s", sess.State())
	}
	if sess.Generation() != 2 {
		t.Fatalf("generation = %d, want 2", sess.Generation())
	}
}

func TestSignInFailureReturnsToUnauthenticated(t *testing.T) {
	sess, b := newTestSession(t)
	signUp(t, b, "alice@example.com")

	if err := sess.SignIn(context.Background(), "alice@example.com", "wrong"); err == nil {
		t.Fatal("want error for bad password")
	}
	if sess.State() != Unauthenticated {
		t.Fatalf("state = %s", sess.State())
	}
	if sess.Generation() != 0 {
		t.Fatalf("failed sign-in must not bump generation, got %d", sess.Generation())
	}
}

func TestOnChangeFiresPerTransition(t *testing.T) {
	sess, b := newTestSession(t)
	signUp(t, b, "alice@example.com")

	ch, cancel := sess.OnChange()
	defer cancel()

	if err := sess.SignIn(context.Background(), "alice@example.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	first := <-ch
	if first.State != Authenticating {
		t.Fatalf("first transition = %s, want authenticating", first.State)
	}
	second := <-ch
	if second.State != Authenticated || second.Generation != 1 {
		t.Fatalf("second transition = %+v", second)
	}
	if second.Account == nil || second.Account.Email != "alice@example.com" {
		t.Fatalf("transition missing account")
	}
}

func TestProfileProvisionedOnFirstSignIn(t *testing.T) {
	sess, b := newTestSession(t)
	acct := signUp(t, b, "alice@example.com")

	if err := sess.SignIn(context.Background(), "alice@example.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	// provisioning is async and must not block the sign-in
	waitFor(t, func() bool {
		recs, err := b.Query(context.Background(), gateway.Query{
			Kind:   models.KindProfile,
			Filter: gateway.Eq("id", acct.ID),
		})
		return err == nil && len(recs) == 1
	})
	recs, _ := b.Query(context.Background(), gateway.Query{
		Kind:   models.KindProfile,
		Filter: gateway.Eq("id", acct.ID),
	})
	p := recs[0].(*models.Profile)
	want := "alice-" + acct.ID[:6]
	if p.Username != want {
		t.Fatalf("username = %q, want %q", p.Username, want)
	}
}

func TestProfileNotDuplicatedOnSecondSignIn(t *testing.T) {
	sess, b := newTestSession(t)
	acct := signUp(t, b, "alice@example.com")

	for i := 0; i < 2; i++ {
		if err := sess.SignIn(context.Background(), "alice@example.com", "secret1"); err != nil {
			t.Fatalf("sign in %d: %v", i, err)
		}
		waitFor(t, func() bool {
			n, err := b.Count(context.Background(), gateway.Query{
				Kind:   models.KindProfile,
				Filter: gateway.Eq("id", acct.ID),
			})
			return err == nil && n == 1
		})
		sess.SignOut(context.Background())
	}
}

func TestRefreshFailureDropsToUnauthenticated(t *testing.T) {
	sess, b := newTestSession(t)
	signUp(t, b, "alice@example.com")
	if err := sess.SignIn(context.Background(), "alice@example.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	gen := sess.Generation()

	// the server revokes the session out from under the client
	if err := b.SignOut(context.Background(), sess.Token()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := sess.Refresh(context.Background()); err == nil {
		t.Fatal("want refresh failure")
	}
	if sess.State() != Unauthenticated {
		t.Fatalf("state = %s, want unauthenticated", sess.State())
	}
	if sess.Generation() == gen {
		t.Fatal("generation must move on forced sign-out")
	}
}

func TestUsernameDerivation(t *testing.T) {
	tests := []struct {
		email string
		id    string
		want  string
	}{
		{"alice@example.com", "abcdef123", "alice-abcdef"},
		{"Bob.Smith@example.com", "xyz999000", "bob-smith-xyz999"},
		{"no-at-sign", "123456789", "no-at-sign-123456"},
	}
	for _, tt := range tests {
		got := usernameFrom(&models.Account{Email: tt.email, ID: tt.id})
		if got != tt.want {
			t.Errorf("usernameFrom(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestSignOutWhileSignedOutIsNoOp(t *testing.T) {
	sess, _ := newTestSession(t)
	ch, cancel := sess.OnChange()
	defer cancel()

	sess.SignOut(context.Background())
	if got := sess.Generation(); got != 0 {
		t.Fatalf("generation = %d, want 0", got)
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected transition %+v", c)
	default:
	}
}
