// Package backend implements the gateway contract on GORM + SQLite: the
// hosted side of the system, run in-process for tests and as a standalone
// server by cmd/server. Every committed mutation is published to the
// change-feed hub so subscribers see inserts, updates and deletes.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"social/internal/gateway"
	"social/internal/models"
)

type Backend struct {
	db  *gorm.DB
	hub *hub
	log *slog.Logger

	objDir  string
	baseURL string
}

// Open creates or opens the SQLite database at path and migrates the schema.
func Open(path string, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		log.Error("backend: failed to open database", "error", err, "path", path)
		return nil, fmt.Errorf("open database: %w", err)
	}
	b := &Backend{
		db:      db,
		hub:     newHub(log),
		log:     log,
		objDir:  filepath.Join(filepath.Dir(path), "objects"),
		baseURL: "/objects",
	}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	err := b.db.AutoMigrate(
		&models.Account{},
		&models.Profile{},
		&models.Post{},
		&models.Like{},
		&models.Comment{},
		&models.Chat{},
		&models.ChatMember{},
		&models.Message{},
		&models.Notification{},
		&session{},
		&otpCode{},
		&resetToken{},
	)
	if err != nil {
		b.log.Error("backend: migration failed", "error", err)
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// newSlice returns a pointer to an empty typed slice for kind, used as the
// gorm Find destination.
func newSlice(kind models.Kind) (any, error) {
	switch kind {
	case models.KindProfile:
		return &[]*models.Profile{}, nil
	case models.KindPost:
		return &[]*models.Post{}, nil
	case models.KindLike:
		return &[]*models.Like{}, nil
	case models.KindComment:
		return &[]*models.Comment{}, nil
	case models.KindChat:
		return &[]*models.Chat{}, nil
	case models.KindChatMember:
		return &[]*models.ChatMember{}, nil
	case models.KindMessage:
		return &[]*models.Message{}, nil
	case models.KindNotification:
		return &[]*models.Notification{}, nil
	}
	return nil, gateway.Errf(gateway.ErrValidation, "unknown entity kind %q", kind)
}

func entitySlice(dest any) []models.Entity {
	var out []models.Entity
	switch s := dest.(type) {
	case *[]*models.Profile:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.Post:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.Like:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.Comment:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.Chat:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.ChatMember:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.Message:
		for _, e := range *s {
			out = append(out, e)
		}
	case *[]*models.Notification:
		for _, e := range *s {
			out = append(out, e)
		}
	}
	return out
}

func applyFilter(tx *gorm.DB, f gateway.Filter) (*gorm.DB, error) {
	for _, c := range f {
		col := c.Field
		if strings.ContainsAny(col, " ;") {
			return nil, gateway.Errf(gateway.ErrValidation, "bad filter field %q", c.Field)
		}
		switch c.Op {
		case gateway.OpEq:
			tx = tx.Where(col+" = ?", c.Value)
		case gateway.OpNeq:
			tx = tx.Where(col+" <> ?", c.Value)
		case gateway.OpIn:
			tx = tx.Where(col+" IN ?", c.Value)
		case gateway.OpGt:
			tx = tx.Where(col+" > ?", c.Value)
		case gateway.OpLt:
			tx = tx.Where(col+" < ?", c.Value)
		default:
			return nil, gateway.Errf(gateway.ErrValidation, "bad filter op %q", c.Op)
		}
	}
	return tx, nil
}

func (b *Backend) Query(ctx context.Context, q gateway.Query) ([]models.Entity, error) {
	dest, err := newSlice(q.Kind)
	if err != nil {
		return nil, err
	}
	tx := b.db.WithContext(ctx).Table(string(q.Kind))
	tx, err = applyFilter(tx, q.Filter)
	if err != nil {
		return nil, err
	}
	if q.Order != nil {
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		tx = tx.Order(q.Order.Field + " " + dir)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Expand {
		switch q.Kind {
		case models.KindPost, models.KindComment, models.KindMessage:
			tx = tx.Preload("Author")
		case models.KindNotification:
			tx = tx.Preload("Origin")
		}
	}
	if err := tx.Find(dest).Error; err != nil {
		b.log.Error("backend: query failed", "error", err, "kind", q.Kind)
		return nil, gateway.Wrap(gateway.ErrNetwork, "query "+string(q.Kind), err)
	}
	out := entitySlice(dest)
	if q.Expand && q.Kind == models.KindPost {
		if err := b.expandPosts(ctx, out, q.ViewerID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// expandPosts fills the derived count and per-viewer fields on each post.
func (b *Backend) expandPosts(ctx context.Context, posts []models.Entity, viewerID string) error {
	ids := make([]string, 0, len(posts))
	byID := make(map[string]*models.Post, len(posts))
	for _, e := range posts {
		p := e.(*models.Post)
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}
	if len(ids) == 0 {
		return nil
	}
	type rowCount struct {
		PostID string
		N      int
	}
	var likes, comments []rowCount
	err := b.db.WithContext(ctx).Model(&models.Like{}).
		Select("post_id, count(*) as n").Where("post_id IN ?", ids).
		Group("post_id").Scan(&likes).Error
	if err != nil {
		return gateway.Wrap(gateway.ErrNetwork, "count likes", err)
	}
	err = b.db.WithContext(ctx).Model(&models.Comment{}).
		Select("post_id, count(*) as n").Where("post_id IN ?", ids).
		Group("post_id").Scan(&comments).Error
	if err != nil {
		return gateway.Wrap(gateway.ErrNetwork, "count comments", err)
	}
	for _, r := range likes {
		byID[r.PostID].LikesCount = r.N
	}
	for _, r := range comments {
		byID[r.PostID].CommentsCount = r.N
	}
	if viewerID != "" {
		var mine []models.Like
		err = b.db.WithContext(ctx).
			Where("post_id IN ? AND account_id = ?", ids, viewerID).
			Find(&mine).Error
		if err != nil {
			return gateway.Wrap(gateway.ErrNetwork, "viewer likes", err)
		}
		for _, l := range mine {
			byID[l.PostID].Liked = true
		}
	}
	return nil
}

func (b *Backend) Count(ctx context.Context, q gateway.Query) (int64, error) {
	// kind names tables; never let an unknown one reach the SQL below
	if _, err := newSlice(q.Kind); err != nil {
		return 0, err
	}
	tx := b.db.WithContext(ctx).Table(string(q.Kind))
	tx, err := applyFilter(tx, q.Filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, gateway.Wrap(gateway.ErrNetwork, "count "+string(q.Kind), err)
	}
	return n, nil
}

func (b *Backend) Mutate(ctx context.Context, m gateway.Mutation) (models.Entity, error) {
	if m.Record == nil {
		return nil, gateway.Errf(gateway.ErrValidation, "mutation without record")
	}
	if _, err := newSlice(m.Kind); err != nil {
		return nil, err
	}
	if err := b.authorize(ctx, m); err != nil {
		return nil, err
	}
	var out models.Entity
	var err error
	switch m.Op {
	case gateway.OpInsert:
		out, err = b.insert(ctx, m)
	case gateway.OpUpdate:
		out, err = b.update(ctx, m)
	case gateway.OpDelete:
		out, err = b.delete(ctx, m)
	default:
		return nil, gateway.Errf(gateway.ErrValidation, "bad mutation op %q", m.Op)
	}
	if err != nil {
		return nil, err
	}
	b.hub.publish(gateway.Event{Kind: eventKind(m.Op), Entity: out})
	return out, nil
}

func eventKind(op gateway.MutationOp) gateway.EventKind {
	switch op {
	case gateway.OpInsert:
		return gateway.EventInsert
	case gateway.OpUpdate:
		return gateway.EventUpdate
	default:
		return gateway.EventDelete
	}
}

func (b *Backend) insert(ctx context.Context, m gateway.Mutation) (models.Entity, error) {
	rec := assignServerID(m.Record)
	if err := b.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, gateway.Wrap(gateway.ErrConflict, "insert "+string(m.Kind), err)
		}
		b.log.Error("backend: insert failed", "error", err, "kind", m.Kind)
		return nil, gateway.Wrap(gateway.ErrNetwork, "insert "+string(m.Kind), err)
	}
	return b.reload(ctx, m.Kind, rec.EntityID(), m.ActorID)
}

func (b *Backend) update(ctx context.Context, m gateway.Mutation) (models.Entity, error) {
	tx := b.db.WithContext(ctx).Table(string(m.Kind)).
		Where("id = ?", m.Record.EntityID()).
		Updates(updateColumns(m.Record))
	if tx.Error != nil {
		if isUniqueViolation(tx.Error) {
			return nil, gateway.Wrap(gateway.ErrConflict, "update "+string(m.Kind), tx.Error)
		}
		return nil, gateway.Wrap(gateway.ErrNetwork, "update "+string(m.Kind), tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, gateway.Errf(gateway.ErrNotFound, "%s %s not found", m.Kind, m.Record.EntityID())
	}
	return b.reload(ctx, m.Kind, m.Record.EntityID(), m.ActorID)
}

func (b *Backend) delete(ctx context.Context, m gateway.Mutation) (models.Entity, error) {
	existing, err := b.reload(ctx, m.Kind, m.Record.EntityID(), m.ActorID)
	if err != nil {
		return nil, err
	}
	tx := b.db.WithContext(ctx).
		Exec("DELETE FROM "+string(m.Kind)+" WHERE id = ?", m.Record.EntityID())
	if tx.Error != nil {
		return nil, gateway.Wrap(gateway.ErrNetwork, "delete "+string(m.Kind), tx.Error)
	}
	return existing, nil
}

// reload fetches the authoritative row after a write, with relations and
// derived fields expanded, so both the mutate reply and the published
// change event carry the same record the client would get from a query.
func (b *Backend) reload(ctx context.Context, kind models.Kind, id, viewerID string) (models.Entity, error) {
	recs, err := b.Query(ctx, gateway.Query{
		Kind:     kind,
		Filter:   gateway.Eq("id", id),
		Expand:   true,
		ViewerID: viewerID,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, gateway.Errf(gateway.ErrNotFound, "%s %s not found", kind, id)
	}
	return recs[0], nil
}

// assignServerID stamps a fresh server id and timestamp, ignoring any id
// the client sent. Provisional client ids never reach the database.
func assignServerID(e models.Entity) models.Entity {
	id := uuid.NewString()
	now := time.Now().UTC()
	switch r := e.(type) {
	case *models.Profile:
		// profile id is the account id, keep it
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	case *models.Post:
		r.ID, r.CreatedAt = id, now
	case *models.Like:
		r.ID, r.CreatedAt = id, now
	case *models.Comment:
		r.ID, r.CreatedAt = id, now
	case *models.Chat:
		r.ID, r.CreatedAt = id, now
	case *models.ChatMember:
		r.ID, r.CreatedAt = id, now
	case *models.Message:
		r.ID, r.CreatedAt = id, now
	case *models.Notification:
		r.ID, r.CreatedAt = id, now
	}
	return e
}

// updateColumns maps the mutable fields per kind; everything else is
// immutable after insert.
func updateColumns(e models.Entity) map[string]any {
	switch r := e.(type) {
	case *models.Profile:
		return map[string]any{"username": r.Username, "avatar_url": r.AvatarURL}
	case *models.Post:
		return map[string]any{"content": r.Content, "image_url": r.ImageURL}
	case *models.Chat:
		return map[string]any{"name": r.Name}
	case *models.Notification:
		return map[string]any{"read": r.Read}
	}
	return map[string]any{}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (b *Backend) Subscribe(ctx context.Context, kind models.Kind, f gateway.Filter) (gateway.Subscription, error) {
	return b.hub.subscribe(ctx, kind, f)
}

var _ gateway.Gateway = (*Backend)(nil)
