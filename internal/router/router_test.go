package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"social/internal/cache"
	"social/internal/engine"
	"social/internal/gateway"
	"social/internal/models"
	"social/internal/session"
)

type stubSub struct {
	ch   chan gateway.Event
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *stubSub) Events() <-chan gateway.Event { return s.ch }

func (s *stubSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubSub) Cancel() { s.once.Do(func() { close(s.ch) }) }

func (s *stubSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Cancel()
}

type stubGateway struct {
	mu    sync.Mutex
	subs  []*stubSub
	fails int // subscribe failures to inject before succeeding
}

func (g *stubGateway) Subscribe(ctx context.Context, kind models.Kind, f gateway.Filter) (gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fails > 0 {
		g.fails--
		return nil, gateway.Errf(gateway.ErrNetwork, "subscribe refused")
	}
	s := &stubSub{ch: make(chan gateway.Event, 16)}
	g.subs = append(g.subs, s)
	return s, nil
}

func (g *stubGateway) current() *stubSub {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subs) == 0 {
		return nil
	}
	return g.subs[len(g.subs)-1]
}

func (g *stubGateway) push(ev gateway.Event) {
	if s := g.current(); s != nil {
		defer func() { recover() }() // pushing after cancel is a test-side race, ignore
		s.ch <- ev
	}
}

func (g *stubGateway) Query(ctx context.Context, q gateway.Query) ([]models.Entity, error) {
	return nil, nil
}
func (g *stubGateway) Count(ctx context.Context, q gateway.Query) (int64, error) { return 0, nil }
func (g *stubGateway) Mutate(ctx context.Context, m gateway.Mutation) (models.Entity, error) {
	return m.Record, nil
}

type stubAuth struct{}

func (stubAuth) SignUp(ctx context.Context, email, password string) (*models.Account, error) {
	return &models.Account{ID: "acct-1", Email: email}, nil
}
func (stubAuth) SignIn(ctx context.Context, email, password string) (*gateway.Token, error) {
	return &gateway.Token{AccessToken: "tok", Account: &models.Account{ID: "acct-1", Email: email}}, nil
}
func (stubAuth) SignInWithProvider(ctx context.Context, provider, subject, email string) (*gateway.Token, error) {
	return nil, errors.New("unsupported")
}
func (stubAuth) IssueOTP(ctx context.Context, email string) (string, error) {
	return "", errors.New("unsupported")
}
func (stubAuth) VerifyOTP(ctx context.Context, email, code string) (*gateway.Token, error) {
	return nil, errors.New("unsupported")
}
func (stubAuth) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	return "", errors.New("unsupported")
}
func (stubAuth) ResetPassword(ctx context.Context, token, newPassword string) error {
	return errors.New("unsupported")
}
func (stubAuth) Refresh(ctx context.Context, accessToken string) (*gateway.Token, error) {
	return nil, errors.New("unsupported")
}
func (stubAuth) SignOut(ctx context.Context, accessToken string) error { return nil }

func msg(id string, at time.Time) *models.Message {
	return &models.Message{ID: id, ChatID: "c1", AuthorID: "peer", Body: "m", CreatedAt: at}
}

func newFixture(t *testing.T) (*stubGateway, *session.Session, *Router) {
	t.Helper()
	gw := &stubGateway{}
	sess := session.New(stubAuth{}, gw, nil)
	if err := sess.SignIn(context.Background(), "a@b.com", "secret"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	eng := engine.New(gw, nil)
	r := New(gw, eng, sess, nil)
	t.Cleanup(r.Close)
	return gw, sess, r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestIncomingMessageAppendsInOrder(t *testing.T) {
	gw, _, r := newFixture(t)
	view := cache.New(cache.OldestFirst)
	base := time.Now().UTC()
	view.Replace([]models.Entity{msg("m1", base), msg("m2", base.Add(time.Second))})

	rt := r.Open(Spec{Kind: models.KindMessage, Filter: gateway.Eq("chat_id", "c1"), View: view})
	defer rt.Close()
	waitFor(t, func() bool { return gw.current() != nil })

	gw.push(gateway.Event{Kind: gateway.EventInsert, Entity: msg("m3", base.Add(2*time.Second))})
	waitFor(t, func() bool { return view.Len() == 3 })

	items := view.Items()
	for i, want := range []string{"m1", "m2", "m3"} {
		if items[i].EntityID() != want {
			t.Fatalf("item %d = %s, want %s", i, items[i].EntityID(), want)
		}
	}
}

func TestUpdateAndDeleteEvents(t *testing.T) {
	gw, _, r := newFixture(t)
	view := cache.New(cache.OldestFirst)
	base := time.Now().UTC()
	view.Replace([]models.Entity{msg("m1", base)})

	rt := r.Open(Spec{Kind: models.KindMessage, View: view})
	defer rt.Close()
	waitFor(t, func() bool { return gw.current() != nil })

	edited := msg("m1", base)
	edited.Body = "edited"
	gw.push(gateway.Event{Kind: gateway.EventUpdate, Entity: edited})
	waitFor(t, func() bool {
		e, ok := view.Get("m1")
		return ok && e.(*models.Message).Body == "edited"
	})

	gw.push(gateway.Event{Kind: gateway.EventDelete, Entity: edited})
	waitFor(t, func() bool { return view.Len() == 0 })
}

// An event for the same id delivered twice (mutate response plus change
// event) must leave the cache exactly as a single delivery would.
func TestDuplicateDeliveryIdempotent(t *testing.T) {
	gw, _, r := newFixture(t)
	view := cache.New(cache.OldestFirst)

	rt := r.Open(Spec{Kind: models.KindMessage, View: view})
	defer rt.Close()
	waitFor(t, func() bool { return gw.current() != nil })

	m := msg("m1", time.Now().UTC())
	gw.push(gateway.Event{Kind: gateway.EventInsert, Entity: m})
	gw.push(gateway.Event{Kind: gateway.EventInsert, Entity: m})
	waitFor(t, func() bool { return view.Len() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if view.Len() != 1 {
		t.Fatalf("cache has %d entries after duplicate delivery, want 1", view.Len())
	}
}

func TestGenerationChangeTearsDownRoutes(t *testing.T) {
	gw, sess, r := newFixture(t)
	view := cache.New(cache.OldestFirst)
	base := time.Now().UTC()

	rt := r.Open(Spec{Kind: models.KindMessage, View: view})
	_ = rt
	waitFor(t, func() bool { return gw.current() != nil })
	gw.push(gateway.Event{Kind: gateway.EventInsert, Entity: msg("m1", base)})
	waitFor(t, func() bool { return view.Len() == 1 })

	sess.SignOut(context.Background())
	waitFor(t, func() bool { return view.Len() == 0 })

	// a second account signs in; nothing from the old route may fire
	if err := sess.SignIn(context.Background(), "other@b.com", "secret"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if view.Len() != 0 {
		t.Fatalf("stale route delivered into cleared cache")
	}
}

func TestResubscribeAfterStreamDrop(t *testing.T) {
	gw, _, r := newFixture(t)
	view := cache.New(cache.OldestFirst)

	rt := r.Open(Spec{Kind: models.KindMessage, View: view})
	defer rt.Close()
	waitFor(t, func() bool { return gw.current() != nil })
	first := gw.current()

	first.fail(gateway.Errf(gateway.ErrNetwork, "stream lost"))
	waitFor(t, func() bool { return gw.current() != first })

	gw.push(gateway.Event{Kind: gateway.EventInsert, Entity: msg("m1", time.Now().UTC())})
	waitFor(t, func() bool { return view.Len() == 1 })
}

func TestSubscribeFailureBacksOff(t *testing.T) {
	gw := &stubGateway{fails: 2}
	sess := session.New(stubAuth{}, gw, nil)
	if err := sess.SignIn(context.Background(), "a@b.com", "secret"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	r := New(gw, engine.New(gw, nil), sess, nil)
	t.Cleanup(r.Close)

	view := cache.New(cache.OldestFirst)
	rt := r.Open(Spec{Kind: models.KindMessage, View: view})
	defer rt.Close()

	// both failures consumed, then a live subscription
	waitFor(t, func() bool { return gw.current() != nil })
	gw.push(gateway.Event{Kind: gateway.EventInsert, Entity: msg("m1", time.Now().UTC())})
	waitFor(t, func() bool { return view.Len() == 1 })
}
