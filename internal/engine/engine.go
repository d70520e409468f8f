// Package engine centralizes the optimistic-then-reconcile contract: one
// place decides how a user action is applied locally, written remotely,
// confirmed or rolled back, so every mutation site behaves identically.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"social/internal/cache"
	"social/internal/gateway"
	"social/internal/models"
)

// ErrInFlight rejects a toggle while its predecessor is unresolved. The
// double-toggle policy is reject, not queue; callers surface it to the
// user as "try again".
var ErrInFlight = errors.New("action already in flight")

// ProvisionalID mints a locally-unique id for an optimistic record. The
// prefix keeps provisional ids disjoint from server-assigned ones.
func ProvisionalID() string {
	return "local-" + uuid.NewString()
}

// IsProvisional reports whether id was minted locally.
func IsProvisional(id string) bool {
	return len(id) > 6 && id[:6] == "local-"
}

type pendingWrite struct {
	provisionalID string
	kind          models.Kind
	view          *cache.View
	match         func(models.Entity) bool
	resolved      bool
}

type Engine struct {
	gw  gateway.Gateway
	log *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	pending  map[string]*pendingWrite
}

func New(gw gateway.Gateway, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		gw:       gw,
		log:      log,
		inflight: make(map[string]struct{}),
		pending:  make(map[string]*pendingWrite),
	}
}

// SideEffect is a dependent write (typically a notification insert) fired
// after the primary succeeds. Its failure is logged and never rolls back
// the primary.
type SideEffect func(ctx context.Context, authoritative models.Entity) error

// Insert applies provisional to view immediately, issues the insert, and
// reconciles the provisional entry with the authoritative record. match
// lets the event router recognize the authoritative record if the change
// event outruns the mutate response.
func (e *Engine) Insert(ctx context.Context, view *cache.View, provisional models.Entity, m gateway.Mutation, match func(models.Entity) bool, side SideEffect) (models.Entity, error) {
	provID := provisional.EntityID()
	pw := &pendingWrite{
		provisionalID: provID,
		kind:          m.Kind,
		view:          view,
		match:         match,
	}
	e.mu.Lock()
	e.pending[provID] = pw
	e.mu.Unlock()

	view.UpsertPending(provisional)

	authoritative, err := e.gw.Mutate(ctx, m)
	if err != nil {
		view.Remove(provID)
		e.mu.Lock()
		delete(e.pending, provID)
		e.mu.Unlock()
		return nil, fmt.Errorf("insert %s: %w", m.Kind, err)
	}

	e.mu.Lock()
	alreadyResolved := pw.resolved
	pw.resolved = true
	delete(e.pending, provID)
	e.mu.Unlock()

	if alreadyResolved {
		// the router got there first via the change event; applying the
		// authoritative record again is a no-op by id
		view.Upsert(authoritative)
	} else {
		view.Confirm(provID, authoritative)
	}

	if side != nil {
		go e.runSide(ctx, side, authoritative)
	}
	return authoritative, nil
}

// Resolve is called by the event router before treating an insert event
// as fresh. If the entity matches a pending optimistic write for the same
// view it is applied as a reconciliation and Resolve reports true.
func (e *Engine) Resolve(view *cache.View, ent models.Entity) bool {
	e.mu.Lock()
	var hit *pendingWrite
	for _, pw := range e.pending {
		if pw.resolved || pw.view != view || pw.kind != ent.EntityKind() {
			continue
		}
		if pw.match != nil && pw.match(ent) {
			hit = pw
			break
		}
	}
	if hit != nil {
		hit.resolved = true
	}
	e.mu.Unlock()
	if hit == nil {
		return false
	}
	view.Confirm(hit.provisionalID, ent)
	return true
}

// Update is the contract for non-insert optimistic actions: toggles,
// renames, read marks, deletes. Apply and Rollback are exact inverses
// over the caller's cache.
type Update struct {
	// Key guards in-flight exclusivity; "" disables the guard.
	Key       string
	Apply     func()
	Rollback  func()
	Mutate    func(ctx context.Context) (models.Entity, error)
	Reconcile func(authoritative models.Entity)
	Side      SideEffect
}

// Run executes the update: apply locally, write remotely, reconcile on
// success, roll back on failure. A second Run with the same live Key
// fails immediately with ErrInFlight.
func (e *Engine) Run(ctx context.Context, u Update) error {
	if u.Key != "" {
		e.mu.Lock()
		if _, busy := e.inflight[u.Key]; busy {
			e.mu.Unlock()
			return ErrInFlight
		}
		e.inflight[u.Key] = struct{}{}
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, u.Key)
			e.mu.Unlock()
		}()
	}

	if u.Apply != nil {
		u.Apply()
	}
	authoritative, err := u.Mutate(ctx)
	if err != nil {
		if u.Rollback != nil {
			u.Rollback()
		}
		return err
	}
	if u.Reconcile != nil {
		u.Reconcile(authoritative)
	}
	if u.Side != nil {
		go e.runSide(ctx, u.Side, authoritative)
	}
	return nil
}

func (e *Engine) runSide(ctx context.Context, side SideEffect, authoritative models.Entity) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := side(ctx, authoritative); err != nil {
		e.log.Warn("engine: side mutation failed", "error", err)
	}
}

// Notify is the shared side-effect builder: insert a notification for
// recipient unless the actor is notifying themselves.
func (e *Engine) Notify(actorID, recipientID string, kind models.NotificationKind, targetID string) SideEffect {
	if actorID == recipientID {
		return nil
	}
	return func(ctx context.Context, _ models.Entity) error {
		_, err := e.gw.Mutate(ctx, gateway.Mutation{
			Kind: models.KindNotification,
			Op:   gateway.OpInsert,
			Record: &models.Notification{
				ID:          ProvisionalID(),
				RecipientID: recipientID,
				Kind:        kind,
				TargetID:    targetID,
				OriginID:    actorID,
			},
			ActorID: actorID,
		})
		return err
	}
}
