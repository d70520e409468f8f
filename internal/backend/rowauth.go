package backend

import (
	"context"

	"gorm.io/gorm"

	"social/internal/gateway"
	"social/internal/models"
)

// authorize enforces row-level policy on every mutation. The client never
// relies on these checks passing; a violating write simply fails with
// ErrUnauthorized.
func (b *Backend) authorize(ctx context.Context, m gateway.Mutation) error {
	if m.ActorID == "" {
		return gateway.Errf(gateway.ErrUnauthorized, "no actor")
	}
	switch m.Op {
	case gateway.OpInsert:
		return b.authorizeInsert(ctx, m)
	case gateway.OpUpdate, gateway.OpDelete:
		return b.authorizeWrite(ctx, m)
	}
	return nil
}

func (b *Backend) authorizeInsert(ctx context.Context, m gateway.Mutation) error {
	switch r := m.Record.(type) {
	case *models.Profile:
		if r.ID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "profile id must be own account")
		}
	case *models.Post:
		if r.AuthorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "post author must be actor")
		}
	case *models.Like:
		if r.AccountID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "like account must be actor")
		}
	case *models.Comment:
		if r.AuthorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "comment author must be actor")
		}
	case *models.Chat:
		if r.CreatorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "chat creator must be actor")
		}
	case *models.ChatMember:
		// The creator seeds the roster; afterwards only members add members.
		chat, err := b.loadChat(ctx, r.ChatID)
		if err != nil {
			return err
		}
		if chat.CreatorID != m.ActorID {
			ok, err := b.isMember(ctx, r.ChatID, m.ActorID)
			if err != nil {
				return err
			}
			if !ok {
				return gateway.Errf(gateway.ErrUnauthorized, "only members add members")
			}
		}
	case *models.Message:
		if r.AuthorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "message author must be actor")
		}
		ok, err := b.isMember(ctx, r.ChatID, m.ActorID)
		if err != nil {
			return err
		}
		if !ok {
			return gateway.Errf(gateway.ErrUnauthorized, "not a member of chat %s", r.ChatID)
		}
	case *models.Notification:
		if r.OriginID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "notification origin must be actor")
		}
	}
	return nil
}

func (b *Backend) authorizeWrite(ctx context.Context, m gateway.Mutation) error {
	id := m.Record.EntityID()
	switch m.Record.(type) {
	case *models.Profile:
		if id != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "can only edit own profile")
		}
	case *models.Post:
		var p models.Post
		if err := b.first(ctx, &p, id); err != nil {
			return err
		}
		if p.AuthorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "not post author")
		}
	case *models.Like:
		var l models.Like
		if err := b.first(ctx, &l, id); err != nil {
			return err
		}
		if l.AccountID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "not like owner")
		}
	case *models.Comment:
		var c models.Comment
		if err := b.first(ctx, &c, id); err != nil {
			return err
		}
		if c.AuthorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "not comment author")
		}
	case *models.Chat:
		chat, err := b.loadChat(ctx, id)
		if err != nil {
			return err
		}
		if chat.CreatorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "not chat creator")
		}
	case *models.ChatMember:
		var cm models.ChatMember
		if err := b.first(ctx, &cm, id); err != nil {
			return err
		}
		if cm.AccountID == m.ActorID {
			return nil // leaving is always allowed
		}
		chat, err := b.loadChat(ctx, cm.ChatID)
		if err != nil {
			return err
		}
		if chat.CreatorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "only creator removes members")
		}
	case *models.Message:
		var msg models.Message
		if err := b.first(ctx, &msg, id); err != nil {
			return err
		}
		if msg.AuthorID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "not message author")
		}
	case *models.Notification:
		var n models.Notification
		if err := b.first(ctx, &n, id); err != nil {
			return err
		}
		if n.RecipientID != m.ActorID {
			return gateway.Errf(gateway.ErrUnauthorized, "not notification recipient")
		}
	}
	return nil
}

func (b *Backend) first(ctx context.Context, dest any, id string) error {
	err := b.db.WithContext(ctx).Where("id = ?", id).First(dest).Error
	if err == gorm.ErrRecordNotFound {
		return gateway.Errf(gateway.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return gateway.Wrap(gateway.ErrNetwork, "load record", err)
	}
	return nil
}

func (b *Backend) loadChat(ctx context.Context, id string) (*models.Chat, error) {
	var c models.Chat
	if err := b.first(ctx, &c, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *Backend) isMember(ctx context.Context, chatID, accountID string) (bool, error) {
	var n int64
	err := b.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ? AND account_id = ?", chatID, accountID).
		Count(&n).Error
	if err != nil {
		return false, gateway.Wrap(gateway.ErrNetwork, "check membership", err)
	}
	return n > 0, nil
}
