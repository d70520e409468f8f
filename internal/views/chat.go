package views

import (
	"context"
	"sync"
	"time"

	"social/internal/cache"
	"social/internal/engine"
	"social/internal/gateway"
	"social/internal/models"
	"social/internal/router"
)

// Chat is one open conversation: the message transcript (oldest first,
// arrivals append at the end) plus the member roster.
type Chat struct {
	deps   Deps
	chatID string

	msgs   *cache.View
	roster *cache.View
	state  state

	mu   sync.Mutex
	chat *models.Chat

	routes    []*router.Route
	routesGen uint64
}

func NewChat(deps Deps, chatID string) *Chat {
	return &Chat{
		deps:   deps,
		chatID: chatID,
		msgs:   cache.New(cache.OldestFirst),
		roster: cache.New(cache.OldestFirst),
	}
}

func (c *Chat) Load(ctx context.Context) error {
	c.state.begin()
	chats, err := c.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindChat,
		Filter: gateway.Eq("id", c.chatID),
		Limit:  1,
	})
	if err != nil {
		c.state.finish(err)
		return err
	}
	if len(chats) == 0 {
		err = gateway.Errf(gateway.ErrNotFound, "chat %s not found", c.chatID)
		c.state.finish(err)
		return err
	}
	c.mu.Lock()
	c.chat = chats[0].(*models.Chat)
	c.mu.Unlock()

	msgs, err := c.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindMessage,
		Filter: gateway.Eq("chat_id", c.chatID),
		Order:  &gateway.Ordering{Field: "created_at"},
		Expand: true,
	})
	if err != nil {
		c.state.finish(err)
		return err
	}
	c.msgs.Replace(msgs)

	members, err := c.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindChatMember,
		Filter: gateway.Eq("chat_id", c.chatID),
	})
	if err != nil {
		c.state.finish(err)
		return err
	}
	c.roster.Replace(members)

	c.openRoutes()
	c.state.finish(nil)
	return nil
}

func (c *Chat) openRoutes() {
	gen := c.deps.Session.Generation()
	if c.routes != nil && c.routesGen == gen {
		return
	}
	for _, rt := range c.routes {
		rt.Close()
	}
	c.routesGen = gen
	c.routes = []*router.Route{
		c.deps.Router.Open(router.Spec{
			Kind:   models.KindMessage,
			Filter: gateway.Eq("chat_id", c.chatID),
			View:   c.msgs,
		}),
		c.deps.Router.Open(router.Spec{
			Kind:   models.KindChatMember,
			Filter: gateway.Eq("chat_id", c.chatID),
			View:   c.roster,
		}),
		c.deps.Router.Open(router.Spec{
			Kind:   models.KindChat,
			Filter: gateway.Eq("id", c.chatID),
			Handle: c.onChatEvent,
		}),
	}
}

func (c *Chat) onChatEvent(ev gateway.Event) bool {
	chat, ok := ev.Entity.(*models.Chat)
	if !ok {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case gateway.EventUpdate:
		c.chat = chat
	case gateway.EventDelete:
		c.chat = nil
	}
	return true
}

func (c *Chat) Loading() bool { return c.state.Loading() }
func (c *Chat) Err() error    { return c.state.Err() }

// Info returns the chat record, or nil once the chat was deleted.
func (c *Chat) Info() *models.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat
}

// Items returns the transcript, oldest first.
func (c *Chat) Items() []*models.Message {
	ents := c.msgs.Items()
	out := make([]*models.Message, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.(*models.Message))
	}
	return out
}

func (c *Chat) Members() []*models.ChatMember {
	ents := c.roster.Items()
	out := make([]*models.ChatMember, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.(*models.ChatMember))
	}
	return out
}

// SendMessage appends optimistically; for a direct chat the peer also
// gets a best-effort message notification.
func (c *Chat) SendMessage(ctx context.Context, text string) (*models.Message, error) {
	if err := validateText("message", text, maxMessageLen); err != nil {
		return nil, err
	}
	me := c.deps.Session.AccountID()
	provisional := &models.Message{
		ID:        engine.ProvisionalID(),
		ChatID:    c.chatID,
		AuthorID:  me,
		Body:      text,
		CreatedAt: time.Now().UTC(),
	}
	var side engine.SideEffect
	if info := c.Info(); info != nil && !info.IsGroup {
		if peer := c.peerID(me); peer != "" {
			side = c.deps.Engine.Notify(me, peer, models.NotifyMessage, c.chatID)
		}
	}
	authoritative, err := c.deps.Engine.Insert(ctx, c.msgs, provisional,
		gateway.Mutation{
			Kind:    models.KindMessage,
			Op:      gateway.OpInsert,
			Record:  &models.Message{ChatID: c.chatID, AuthorID: me, Body: text},
			ActorID: me,
		},
		func(ent models.Entity) bool {
			m, ok := ent.(*models.Message)
			return ok && m.ChatID == c.chatID && m.AuthorID == me && m.Body == text
		},
		side,
	)
	if err != nil {
		return nil, err
	}
	return authoritative.(*models.Message), nil
}

func (c *Chat) peerID(me string) string {
	for _, m := range c.Members() {
		if m.AccountID != me {
			return m.AccountID
		}
	}
	return ""
}

// Rename updates a group chat's name optimistically.
func (c *Chat) Rename(ctx context.Context, name string) error {
	if err := validateText("chat name", name, maxChatName); err != nil {
		return err
	}
	me := c.deps.Session.AccountID()
	before := c.Info()
	if before == nil {
		return gateway.Errf(gateway.ErrNotFound, "chat gone")
	}
	if !before.IsGroup {
		return gateway.Errf(gateway.ErrValidation, "direct chats have no name")
	}
	return c.deps.Engine.Run(ctx, engine.Update{
		Key: "rename:" + c.chatID,
		Apply: func() {
			next := before.Clone()
			next.Name = name
			c.mu.Lock()
			c.chat = next
			c.mu.Unlock()
		},
		Rollback: func() {
			c.mu.Lock()
			c.chat = before
			c.mu.Unlock()
		},
		Mutate: func(ctx context.Context) (models.Entity, error) {
			next := before.Clone()
			next.Name = name
			return c.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindChat,
				Op:      gateway.OpUpdate,
				Record:  next,
				ActorID: me,
			})
		},
		Reconcile: func(authoritative models.Entity) {
			c.mu.Lock()
			c.chat = authoritative.(*models.Chat)
			c.mu.Unlock()
		},
	})
}

// AddMember inserts into the roster optimistically.
func (c *Chat) AddMember(ctx context.Context, accountID string) error {
	me := c.deps.Session.AccountID()
	provisional := &models.ChatMember{
		ID:        engine.ProvisionalID(),
		ChatID:    c.chatID,
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := c.deps.Engine.Insert(ctx, c.roster, provisional,
		gateway.Mutation{
			Kind:    models.KindChatMember,
			Op:      gateway.OpInsert,
			Record:  &models.ChatMember{ChatID: c.chatID, AccountID: accountID},
			ActorID: me,
		},
		func(ent models.Entity) bool {
			m, ok := ent.(*models.ChatMember)
			return ok && m.ChatID == c.chatID && m.AccountID == accountID
		},
		nil,
	)
	return err
}

// RemoveMember drops a roster entry optimistically. Removing your own
// entry is leaving the chat.
func (c *Chat) RemoveMember(ctx context.Context, memberID string) error {
	me := c.deps.Session.AccountID()
	ent, ok := c.roster.Get(memberID)
	if !ok {
		return gateway.Errf(gateway.ErrNotFound, "member %s not in roster", memberID)
	}
	return c.deps.Engine.Run(ctx, engine.Update{
		Apply:    func() { c.roster.Remove(memberID) },
		Rollback: func() { c.roster.Upsert(ent) },
		Mutate: func(ctx context.Context) (models.Entity, error) {
			return c.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindChatMember,
				Op:      gateway.OpDelete,
				Record:  &models.ChatMember{ID: memberID},
				ActorID: me,
			})
		},
	})
}

// Leave removes the viewer's own membership.
func (c *Chat) Leave(ctx context.Context) error {
	me := c.deps.Session.AccountID()
	for _, m := range c.Members() {
		if m.AccountID == me {
			return c.RemoveMember(ctx, m.ID)
		}
	}
	return gateway.Errf(gateway.ErrNotFound, "not a member")
}

// Delete removes the chat itself; only the creator's delete passes the
// backend's row policy.
func (c *Chat) Delete(ctx context.Context) error {
	me := c.deps.Session.AccountID()
	before := c.Info()
	if before == nil {
		return gateway.Errf(gateway.ErrNotFound, "chat gone")
	}
	return c.deps.Engine.Run(ctx, engine.Update{
		Apply: func() {
			c.mu.Lock()
			c.chat = nil
			c.mu.Unlock()
		},
		Rollback: func() {
			c.mu.Lock()
			c.chat = before
			c.mu.Unlock()
		},
		Mutate: func(ctx context.Context) (models.Entity, error) {
			return c.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindChat,
				Op:      gateway.OpDelete,
				Record:  &models.Chat{ID: c.chatID},
				ActorID: me,
			})
		},
	})
}

// Close cancels the chat's routes; no further events reach its caches.
func (c *Chat) Close() {
	for _, rt := range c.routes {
		rt.Close()
	}
	c.routes = nil
}
