package views

import (
	"context"
	"sync"
	"time"

	"social/internal/cache"
	"social/internal/gateway"
	"social/internal/models"
	"social/internal/router"
)

// ChatList is the conversation roster for the signed-in account, with
// derived last-message and unread fields. Unread is "messages newer than
// the viewer's last-seen point", seeded from the sign-in time; this is
// the historical approximation, not an exact per-device read cursor.
type ChatList struct {
	deps  Deps
	view  *cache.View
	state state

	mu      sync.Mutex
	seen    map[string]time.Time
	counted map[string]struct{}

	routes    []*router.Route
	routesGen uint64
}

func NewChatList(deps Deps) *ChatList {
	return &ChatList{
		deps:    deps,
		view:    cache.New(cache.NewestFirst),
		seen:    make(map[string]time.Time),
		counted: make(map[string]struct{}),
	}
}

func (l *ChatList) Load(ctx context.Context) error {
	l.state.begin()
	me := l.deps.Session.AccountID()
	memberships, err := l.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindChatMember,
		Filter: gateway.Eq("account_id", me),
	})
	if err != nil {
		l.state.finish(err)
		return err
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.(*models.ChatMember).ChatID)
	}
	var chats []models.Entity
	if len(ids) > 0 {
		chats, err = l.deps.Gateway.Query(ctx, gateway.Query{
			Kind:   models.KindChat,
			Filter: gateway.In("id", ids),
		})
		if err != nil {
			l.state.finish(err)
			return err
		}
	}
	for _, ent := range chats {
		if err := l.decorate(ctx, ent.(*models.Chat)); err != nil {
			l.state.finish(err)
			return err
		}
	}
	l.view.Replace(chats)
	l.openRoutes()
	l.state.finish(nil)
	return nil
}

// decorate fills the chat's derived last-message and unread fields.
func (l *ChatList) decorate(ctx context.Context, chat *models.Chat) error {
	me := l.deps.Session.AccountID()
	last, err := l.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindMessage,
		Filter: gateway.Eq("chat_id", chat.ID),
		Order:  &gateway.Ordering{Field: "created_at", Desc: true},
		Limit:  1,
	})
	if err != nil {
		return err
	}
	if len(last) > 0 {
		chat.LastMessage = last[0].(*models.Message)
	}
	n, err := l.deps.Gateway.Count(ctx, gateway.Query{
		Kind: models.KindMessage,
		Filter: gateway.Eq("chat_id", chat.ID).
			And(gateway.Filter{{Field: "created_at", Op: gateway.OpGt, Value: l.seenAt(chat.ID)}}).
			And(gateway.Neq("author_id", me)),
	})
	if err != nil {
		return err
	}
	chat.UnreadCount = int(n)
	return nil
}

func (l *ChatList) seenAt(chatID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.seen[chatID]; ok {
		return t
	}
	return l.deps.Session.SignedInAt()
}

func (l *ChatList) openRoutes() {
	gen := l.deps.Session.Generation()
	if l.routes != nil && l.routesGen == gen {
		return
	}
	for _, rt := range l.routes {
		rt.Close()
	}
	l.routesGen = gen
	// Unfiltered streams with scope checks in the handlers: membership can
	// change while the list is open, so the scope is the live view, not a
	// filter frozen at subscribe time. Out-of-scope events are dropped.
	l.routes = []*router.Route{
		l.deps.Router.Open(router.Spec{Kind: models.KindMessage, Handle: l.onMessage}),
		l.deps.Router.Open(router.Spec{Kind: models.KindChat, Handle: l.onChat}),
		l.deps.Router.Open(router.Spec{
			Kind:   models.KindChatMember,
			Filter: gateway.Eq("account_id", l.deps.Session.AccountID()),
			Handle: l.onMembership,
		}),
	}
}

func (l *ChatList) onMessage(ev gateway.Event) bool {
	msg, ok := ev.Entity.(*models.Message)
	if !ok || ev.Kind != gateway.EventInsert {
		return true
	}
	// at-least-once delivery: fold each message into the badge only once
	l.mu.Lock()
	if _, dup := l.counted[msg.ID]; dup {
		l.mu.Unlock()
		return true
	}
	l.counted[msg.ID] = struct{}{}
	l.mu.Unlock()
	ent, ok := l.view.Get(msg.ChatID)
	if !ok {
		return true
	}
	chat := ent.(*models.Chat).Clone()
	chat.LastMessage = msg
	if msg.AuthorID != l.deps.Session.AccountID() && msg.CreatedAt.After(l.seenAt(msg.ChatID)) {
		chat.UnreadCount++
	}
	l.view.Upsert(chat)
	return true
}

func (l *ChatList) onChat(ev gateway.Event) bool {
	chat, ok := ev.Entity.(*models.Chat)
	if !ok {
		return true
	}
	prev, inScope := l.view.Get(chat.ID)
	if !inScope {
		return true
	}
	switch ev.Kind {
	case gateway.EventUpdate:
		// keep the locally derived fields, take the remote ones
		next := chat.Clone()
		next.LastMessage = prev.(*models.Chat).LastMessage
		next.UnreadCount = prev.(*models.Chat).UnreadCount
		l.view.Upsert(next)
	case gateway.EventDelete:
		l.view.Remove(chat.ID)
	}
	return true
}

func (l *ChatList) onMembership(ev gateway.Event) bool {
	m, ok := ev.Entity.(*models.ChatMember)
	if !ok || m.AccountID != l.deps.Session.AccountID() {
		return true
	}
	switch ev.Kind {
	case gateway.EventInsert:
		if _, have := l.view.Get(m.ChatID); have {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chats, err := l.deps.Gateway.Query(ctx, gateway.Query{
			Kind:   models.KindChat,
			Filter: gateway.Eq("id", m.ChatID),
			Limit:  1,
		})
		if err != nil || len(chats) == 0 {
			l.deps.logger().Warn("chatlist: fetch joined chat failed", "error", err, "chat", m.ChatID)
			return true
		}
		chat := chats[0].(*models.Chat)
		if err := l.decorate(ctx, chat); err != nil {
			l.deps.logger().Warn("chatlist: decorate joined chat failed", "error", err)
		}
		l.view.Upsert(chat)
	case gateway.EventDelete:
		l.view.Remove(m.ChatID)
	}
	return true
}

func (l *ChatList) Loading() bool { return l.state.Loading() }
func (l *ChatList) Err() error    { return l.state.Err() }

func (l *ChatList) Items() []*models.Chat {
	ents := l.view.Items()
	out := make([]*models.Chat, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.(*models.Chat))
	}
	return out
}

// MarkRead advances the viewer's seen point for a chat and zeroes its
// unread badge. Purely local: the approximation has no server cursor.
func (l *ChatList) MarkRead(chatID string) {
	l.mu.Lock()
	l.seen[chatID] = time.Now().UTC()
	l.mu.Unlock()
	if ent, ok := l.view.Get(chatID); ok {
		chat := ent.(*models.Chat).Clone()
		chat.UnreadCount = 0
		l.view.Upsert(chat)
	}
}

// StartDirectChat returns the id of the direct chat with other, creating
// it only if none exists yet. Starting a chat with someone you already
// talk to navigates to the existing conversation.
func (l *ChatList) StartDirectChat(ctx context.Context, otherID string) (string, error) {
	me := l.deps.Session.AccountID()
	if otherID == "" || otherID == me {
		return "", gateway.Errf(gateway.ErrValidation, "need another account to chat with")
	}
	for _, chat := range l.Items() {
		if chat.IsGroup {
			continue
		}
		members, err := l.deps.Gateway.Query(ctx, gateway.Query{
			Kind:   models.KindChatMember,
			Filter: gateway.Eq("chat_id", chat.ID).And(gateway.Eq("account_id", otherID)),
			Limit:  1,
		})
		if err != nil {
			return "", err
		}
		if len(members) > 0 {
			return chat.ID, nil
		}
	}
	return l.createChat(ctx, "", false, []string{otherID})
}

// CreateGroupChat creates a named group with the given members plus the
// creator.
func (l *ChatList) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (string, error) {
	if err := validateText("chat name", name, maxChatName); err != nil {
		return "", err
	}
	return l.createChat(ctx, name, true, memberIDs)
}

func (l *ChatList) createChat(ctx context.Context, name string, isGroup bool, memberIDs []string) (string, error) {
	me := l.deps.Session.AccountID()
	created, err := l.deps.Gateway.Mutate(ctx, gateway.Mutation{
		Kind:    models.KindChat,
		Op:      gateway.OpInsert,
		Record:  &models.Chat{Name: name, IsGroup: isGroup, CreatorID: me},
		ActorID: me,
	})
	if err != nil {
		return "", err
	}
	chat := created.(*models.Chat)
	for _, id := range append([]string{me}, memberIDs...) {
		_, err := l.deps.Gateway.Mutate(ctx, gateway.Mutation{
			Kind:    models.KindChatMember,
			Op:      gateway.OpInsert,
			Record:  &models.ChatMember{ChatID: chat.ID, AccountID: id},
			ActorID: me,
		})
		if err != nil {
			return "", err
		}
	}
	l.view.Upsert(chat)
	return chat.ID, nil
}

func (l *ChatList) Close() {
	for _, rt := range l.routes {
		rt.Close()
	}
	l.routes = nil
}
