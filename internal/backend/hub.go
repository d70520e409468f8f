package backend

import (
	"context"
	"log/slog"
	"sync"

	"social/internal/gateway"
	"social/internal/models"
)

// hub fans every committed mutation out to the subscriptions whose kind
// and filter match. Slow consumers are disconnected rather than blocking
// the publisher.
type hub struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
	log  *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{subs: make(map[*subscription]struct{}), log: log}
}

type subscription struct {
	hub    *hub
	kind   models.Kind
	filter gateway.Filter

	ch chan gateway.Event

	mu     sync.Mutex
	closed bool
	err    error
}

func (h *hub) subscribe(ctx context.Context, kind models.Kind, f gateway.Filter) (*subscription, error) {
	s := &subscription{
		hub:    h,
		kind:   kind,
		filter: f,
		ch:     make(chan gateway.Event, 64),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.Cancel()
		}()
	}
	return s, nil
}

func (h *hub) publish(ev gateway.Event) {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for s := range h.subs {
		if s.kind == ev.Entity.EntityKind() && matches(s.filter, ev.Entity) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		if !s.send(ev) {
			h.log.Warn("backend: dropping slow subscriber", "kind", s.kind)
			s.fail(gateway.Errf(gateway.ErrNetwork, "subscriber too slow"))
		}
	}
}

func (h *hub) drop(s *subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (s *subscription) Events() <-chan gateway.Event { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// send delivers one event, reporting false when the buffer is full. The
// subscription lock orders sends against Cancel's close, so a publisher
// never writes to a closed channel.
func (s *subscription) send(ev gateway.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) Cancel() {
	s.hub.drop(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Cancel()
}

// matches evaluates an equality-style filter against an entity's fields.
// Only the columns the client actually subscribes on are mapped.
func matches(f gateway.Filter, e models.Entity) bool {
	for _, c := range f {
		v, ok := fieldOf(e, c.Field)
		if !ok {
			return false
		}
		switch c.Op {
		case gateway.OpEq:
			if v != c.Value {
				return false
			}
		case gateway.OpNeq:
			if v == c.Value {
				return false
			}
		case gateway.OpIn:
			vals, ok := c.Value.([]string)
			if !ok {
				return false
			}
			found := false
			for _, want := range vals {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			// range ops are query-only; a subscription using one matches nothing
			return false
		}
	}
	return true
}

func fieldOf(e models.Entity, field string) (any, bool) {
	if field == "id" {
		return e.EntityID(), true
	}
	switch r := e.(type) {
	case *models.Post:
		if field == "author_id" {
			return r.AuthorID, true
		}
	case *models.Like:
		switch field {
		case "post_id":
			return r.PostID, true
		case "account_id":
			return r.AccountID, true
		}
	case *models.Comment:
		if field == "post_id" {
			return r.PostID, true
		}
	case *models.ChatMember:
		switch field {
		case "chat_id":
			return r.ChatID, true
		case "account_id":
			return r.AccountID, true
		}
	case *models.Message:
		if field == "chat_id" {
			return r.ChatID, true
		}
	case *models.Notification:
		if field == "recipient_id" {
			return r.RecipientID, true
		}
	case *models.Chat:
		if field == "creator_id" {
			return r.CreatorID, true
		}
	}
	return nil, false
}
