// Package session owns the authenticated identity every other client
// component reads from. It runs the Unauthenticated → Authenticating →
// Authenticated state machine and stamps each sign-in with a monotonic
// generation; caches and subscriptions tied to an old generation must be
// torn down when the generation moves.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"social/internal/gateway"
	"social/internal/models"
)

type State string

const (
	Unauthenticated State = "unauthenticated"
	Authenticating  State = "authenticating"
	Authenticated   State = "authenticated"
)

// Change is one session transition. Generation increments on every
// sign-in and sign-out, never repeats, and identifies which caches and
// subscriptions are still live.
type Change struct {
	State      State
	Account    *models.Account
	Generation uint64
}

type Session struct {
	auth gateway.Auth
	gw   gateway.Gateway
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	account    *models.Account
	token      string
	generation uint64
	signedInAt time.Time
	watchers   map[int]chan Change
	nextWatch  int
}

func New(auth gateway.Auth, gw gateway.Gateway, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		auth:     auth,
		gw:       gw,
		log:      log,
		state:    Unauthenticated,
		watchers: make(map[int]chan Change),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Account returns the current identity, or nil when signed out.
func (s *Session) Account() *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return s.account.ID
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// SignedInAt is when the current session became Authenticated. Unread
// derivation compares item timestamps against it.
func (s *Session) SignedInAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedInAt
}

// OnChange registers a watcher. The channel fires once per actual
// transition; the returned cancel must be called when the consumer goes
// away.
func (s *Session) OnChange() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan Change, 8)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

func (s *Session) SignIn(ctx context.Context, email, password string) error {
	return s.signIn(ctx, func() (*gateway.Token, error) {
		return s.auth.SignIn(ctx, email, password)
	})
}

func (s *Session) SignInWithProvider(ctx context.Context, provider, subject, email string) error {
	return s.signIn(ctx, func() (*gateway.Token, error) {
		return s.auth.SignInWithProvider(ctx, provider, subject, email)
	})
}

func (s *Session) SignInWithOTP(ctx context.Context, email, code string) error {
	return s.signIn(ctx, func() (*gateway.Token, error) {
		return s.auth.VerifyOTP(ctx, email, code)
	})
}

func (s *Session) signIn(ctx context.Context, do func() (*gateway.Token, error)) error {
	s.mu.Lock()
	if s.state == Authenticating {
		s.mu.Unlock()
		return errors.New("sign-in already in progress")
	}
	s.transitionLocked(Authenticating, nil, false)
	s.mu.Unlock()

	tok, err := do()
	if err != nil {
		s.mu.Lock()
		s.transitionLocked(Unauthenticated, nil, false)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.token = tok.AccessToken
	s.signedInAt = time.Now().UTC()
	s.transitionLocked(Authenticated, tok.Account, true)
	s.mu.Unlock()

	// Best effort: the session is Authenticated whether or not this works.
	go s.ensureProfile(context.WithoutCancel(ctx), tok.Account)
	return nil
}

func (s *Session) SignOut(ctx context.Context) {
	s.mu.Lock()
	if s.state == Unauthenticated {
		// nothing to tear down; signing out twice must not churn watchers
		s.mu.Unlock()
		return
	}
	token := s.token
	s.token = ""
	s.transitionLocked(Unauthenticated, nil, true)
	s.mu.Unlock()
	if token != "" {
		if err := s.auth.SignOut(ctx, token); err != nil {
			s.log.Warn("session: remote sign-out failed", "error", err)
		}
	}
}

// Refresh rotates the access token. A refresh failure means the session
// is gone server-side, so the state machine drops to Unauthenticated.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return errors.New("not signed in")
	}
	tok, err := s.auth.Refresh(ctx, token)
	if err != nil {
		s.log.Warn("session: refresh failed, signing out", "error", err)
		s.mu.Lock()
		s.token = ""
		s.transitionLocked(Unauthenticated, nil, true)
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.token = tok.AccessToken
	s.mu.Unlock()
	return nil
}

// transitionLocked updates state and notifies watchers. bumpGeneration is
// true only for real identity changes (signed in / signed out), not for
// the intermediate Authenticating hop.
func (s *Session) transitionLocked(next State, acct *models.Account, bumpGeneration bool) {
	if s.state == next && !bumpGeneration {
		return
	}
	s.state = next
	s.account = acct
	if bumpGeneration {
		s.generation++
	}
	ch := Change{State: next, Account: acct, Generation: s.generation}
	for _, w := range s.watchers {
		select {
		case w <- ch:
		default:
			// a stalled watcher loses transitions rather than blocking the session
		}
	}
}

// ensureProfile provisions the 1:1 profile on first sign-in if absent.
// Never blocks or fails the sign-in; provisioning is retried lazily the
// next time a view needs the profile.
func (s *Session) ensureProfile(ctx context.Context, acct *models.Account) {
	recs, err := s.gw.Query(ctx, gateway.Query{
		Kind:   models.KindProfile,
		Filter: gateway.Eq("id", acct.ID),
		Limit:  1,
	})
	if err != nil {
		s.log.Warn("session: profile lookup failed", "error", err, "account", acct.ID)
		return
	}
	if len(recs) > 0 {
		return
	}
	base := usernameFrom(acct)
	for attempt := 0; attempt < 3; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d", base, attempt)
		}
		_, err = s.gw.Mutate(ctx, gateway.Mutation{
			Kind:    models.KindProfile,
			Op:      gateway.OpInsert,
			Record:  &models.Profile{ID: acct.ID, Username: name},
			ActorID: acct.ID,
		})
		if err == nil {
			return
		}
		if !errors.Is(err, gateway.ErrConflict) {
			break
		}
	}
	s.log.Warn("session: profile provisioning failed", "error", err, "account", acct.ID)
}

// usernameFrom derives a deterministic username from identity metadata:
// the email local part plus a short account-id suffix to disambiguate.
func usernameFrom(acct *models.Account) string {
	local := acct.Email
	if i := strings.IndexByte(local, '@'); i > 0 {
		local = local[:i]
	}
	local = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, local)
	suffix := acct.ID
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return local + "-" + suffix
}
