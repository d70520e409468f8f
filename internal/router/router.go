// Package router consumes the gateway's change streams and merges events
// into the open view caches. One route exists per (entity kind, filter,
// session generation); a generation bump tears every route down before
// anything for the new identity is opened, so no cache ever sees another
// account's events.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"social/internal/cache"
	"social/internal/engine"
	"social/internal/gateway"
	"social/internal/models"
	"social/internal/session"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// Spec declares one route. Handle, when set, runs before the default
// apply; returning true means the event was fully handled (views use
// this to fold like/comment events into derived post counts). Events are
// applied strictly in delivery order.
type Spec struct {
	Kind   models.Kind
	Filter gateway.Filter
	View   *cache.View
	Handle func(gateway.Event) bool
}

type Route struct {
	spec       Spec
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Close cancels the route's subscription. No further events reach the
// route's view after Close returns and the consumer loop has exited.
func (rt *Route) Close() {
	rt.cancel()
	<-rt.done
}

type Router struct {
	gw   gateway.Gateway
	eng  *engine.Engine
	sess *session.Session
	log  *slog.Logger

	mu      sync.Mutex
	routes  map[*Route]struct{}
	unwatch func()
}

func New(gw gateway.Gateway, eng *engine.Engine, sess *session.Session, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		gw:     gw,
		eng:    eng,
		sess:   sess,
		log:    log,
		routes: make(map[*Route]struct{}),
	}
	ch, cancel := sess.OnChange()
	r.unwatch = cancel
	go func() {
		for c := range ch {
			r.invalidate(c.Generation)
		}
	}()
	return r
}

// Open starts a route tagged with the current session generation. The
// subscription is re-established with exponential backoff if the stream
// drops; until it comes back the view keeps its last-fetched snapshot.
func (r *Router) Open(spec Spec) *Route {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Route{
		spec:       spec,
		generation: r.sess.Generation(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.mu.Lock()
	r.routes[rt] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(rt.done)
		defer func() {
			r.mu.Lock()
			delete(r.routes, rt)
			r.mu.Unlock()
		}()
		backoff := backoffInitial
		for {
			sub, err := r.gw.Subscribe(ctx, spec.Kind, spec.Filter)
			if err != nil {
				r.log.Warn("router: subscribe failed", "error", err, "kind", spec.Kind)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			backoff = backoffInitial
			r.consume(ctx, sub, spec)
			if ctx.Err() != nil {
				return
			}
			if err := sub.Err(); err != nil {
				r.log.Warn("router: stream dropped, resubscribing", "error", err, "kind", spec.Kind)
			}
		}
	}()
	return rt
}

func (r *Router) consume(ctx context.Context, sub gateway.Subscription, spec Spec) {
	for {
		select {
		case <-ctx.Done():
			sub.Cancel()
			// drain so a blocked publisher never hangs on a dead route
			for range sub.Events() {
			}
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.apply(spec, ev)
		}
	}
}

// apply merges one event. Insert events are first offered to the engine:
// if they confirm a pending optimistic write they are a reconciliation,
// not a fresh row.
func (r *Router) apply(spec Spec, ev gateway.Event) {
	if spec.Handle != nil && spec.Handle(ev) {
		return
	}
	if spec.View == nil {
		return
	}
	switch ev.Kind {
	case gateway.EventInsert:
		if r.eng != nil && r.eng.Resolve(spec.View, ev.Entity) {
			return
		}
		spec.View.Upsert(ev.Entity)
	case gateway.EventUpdate:
		spec.View.Upsert(ev.Entity)
	case gateway.EventDelete:
		spec.View.Remove(ev.Entity.EntityID())
	}
}

// invalidate closes every route from an older generation and clears its
// view, so nothing from the previous account survives a sign-in change.
func (r *Router) invalidate(generation uint64) {
	r.mu.Lock()
	stale := make([]*Route, 0, len(r.routes))
	for rt := range r.routes {
		// strictly older only: a route opened under a newer generation can
		// already exist when change notifications lag behind Open calls
		if rt.generation < generation {
			stale = append(stale, rt)
		}
	}
	r.mu.Unlock()
	for _, rt := range stale {
		rt.Close()
		if rt.spec.View != nil {
			rt.spec.View.Clear()
		}
	}
}

// Close tears down every route and stops watching the session.
func (r *Router) Close() {
	if r.unwatch != nil {
		r.unwatch()
	}
	r.mu.Lock()
	all := make([]*Route, 0, len(r.routes))
	for rt := range r.routes {
		all = append(all, rt)
	}
	r.mu.Unlock()
	for _, rt := range all {
		rt.Close()
	}
}
