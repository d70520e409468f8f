package views

import (
	"context"

	"social/internal/cache"
	"social/internal/engine"
	"social/internal/gateway"
	"social/internal/models"
	"social/internal/router"
)

// Notifications is the signed-in account's notification list, newest
// first, with an unread badge derived from the read flag.
type Notifications struct {
	deps  Deps
	view  *cache.View
	state state

	routes    []*router.Route
	routesGen uint64
}

func NewNotifications(deps Deps) *Notifications {
	return &Notifications{deps: deps, view: cache.New(cache.NewestFirst)}
}

func (n *Notifications) Load(ctx context.Context) error {
	n.state.begin()
	me := n.deps.Session.AccountID()
	recs, err := n.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindNotification,
		Filter: gateway.Eq("recipient_id", me),
		Order:  &gateway.Ordering{Field: "created_at", Desc: true},
		Expand: true,
	})
	if err != nil {
		n.state.finish(err)
		return err
	}
	n.view.Replace(recs)
	n.openRoutes(me)
	n.state.finish(nil)
	return nil
}

func (n *Notifications) openRoutes(me string) {
	gen := n.deps.Session.Generation()
	if n.routes != nil && n.routesGen == gen {
		return
	}
	for _, rt := range n.routes {
		rt.Close()
	}
	n.routesGen = gen
	n.routes = []*router.Route{
		n.deps.Router.Open(router.Spec{
			Kind:   models.KindNotification,
			Filter: gateway.Eq("recipient_id", me),
			View:   n.view,
		}),
	}
}

func (n *Notifications) Loading() bool { return n.state.Loading() }
func (n *Notifications) Err() error    { return n.state.Err() }

func (n *Notifications) Items() []*models.Notification {
	ents := n.view.Items()
	out := make([]*models.Notification, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.(*models.Notification))
	}
	return out
}

func (n *Notifications) UnreadCount() int {
	count := 0
	for _, item := range n.Items() {
		if !item.Read {
			count++
		}
	}
	return count
}

// MarkRead flips one notification's read flag optimistically.
func (n *Notifications) MarkRead(ctx context.Context, id string) error {
	ent, ok := n.view.Get(id)
	if !ok {
		return gateway.Errf(gateway.ErrNotFound, "notification %s not in view", id)
	}
	notif := ent.(*models.Notification)
	if notif.Read {
		return nil
	}
	me := n.deps.Session.AccountID()
	return n.deps.Engine.Run(ctx, engine.Update{
		Key: "notif-read:" + id,
		Apply: func() {
			next := notif.Clone()
			next.Read = true
			n.view.Upsert(next)
		},
		Rollback: func() { n.view.Upsert(notif) },
		Mutate: func(ctx context.Context) (models.Entity, error) {
			next := notif.Clone()
			next.Read = true
			return n.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindNotification,
				Op:      gateway.OpUpdate,
				Record:  next,
				ActorID: me,
			})
		},
	})
}

// MarkAllRead marks every unread notification, keeping going past
// individual failures.
func (n *Notifications) MarkAllRead(ctx context.Context) error {
	var firstErr error
	for _, item := range n.Items() {
		if item.Read {
			continue
		}
		if err := n.MarkRead(ctx, item.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifications) Close() {
	for _, rt := range n.routes {
		rt.Close()
	}
	n.routes = nil
}
