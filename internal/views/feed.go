package views

import (
	"context"
	"fmt"
	"sync"
	"time"

	"social/internal/cache"
	"social/internal/engine"
	"social/internal/gateway"
	"social/internal/models"
	"social/internal/router"
)

// Feed is the public post listing, newest first, with derived like and
// comment counts kept consistent with the viewer's own optimistic edits.
type Feed struct {
	deps  Deps
	view  *cache.View
	state state

	routes    []*router.Route
	routesGen uint64

	mu            sync.Mutex
	likeEvents    map[string]gateway.EventKind
	commentEvents map[string]gateway.EventKind
	likeIDs       map[string]string
}

func NewFeed(deps Deps) *Feed {
	return &Feed{
		deps:          deps,
		view:          cache.New(cache.NewestFirst),
		likeEvents:    make(map[string]gateway.EventKind),
		commentEvents: make(map[string]gateway.EventKind),
		likeIDs:       make(map[string]string),
	}
}

// Load fetches the feed snapshot and opens the change routes. Call once
// per session generation; the router tears the routes down on sign-out.
func (f *Feed) Load(ctx context.Context) error {
	f.state.begin()
	recs, err := f.deps.Gateway.Query(ctx, gateway.Query{
		Kind:     models.KindPost,
		Order:    &gateway.Ordering{Field: "created_at", Desc: true},
		Expand:   true,
		ViewerID: f.deps.Session.AccountID(),
	})
	if err != nil {
		f.state.finish(err)
		return err
	}
	f.view.Replace(recs)
	f.openRoutes()
	f.state.finish(nil)
	return nil
}

// openRoutes opens the change routes for the current session generation.
// After a sign-out the router has already closed the old routes; a re-Load
// under a new generation must open fresh ones, not keep the dead slice.
func (f *Feed) openRoutes() {
	gen := f.deps.Session.Generation()
	if f.routes != nil && f.routesGen == gen {
		return
	}
	for _, rt := range f.routes {
		rt.Close()
	}
	f.routesGen = gen
	f.routes = []*router.Route{
		f.deps.Router.Open(router.Spec{Kind: models.KindPost, View: f.view}),
		f.deps.Router.Open(router.Spec{Kind: models.KindLike, Handle: f.onLikeEvent}),
		f.deps.Router.Open(router.Spec{Kind: models.KindComment, Handle: f.onCommentEvent}),
	}
}

// alreadyFolded records the event against the handler's applied set and
// reports whether the same event was folded before. Delivery is at least
// once, and a count must not move twice for one event.
func (f *Feed) alreadyFolded(applied map[string]gateway.EventKind, id string, kind gateway.EventKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := applied[id]; ok && last == kind {
		return true
	}
	applied[id] = kind
	return false
}

// onLikeEvent folds like inserts/deletes into the cached post's derived
// count. The viewer's own events are skipped: the optimistic path already
// counted them, and counting twice is exactly the bug this guards.
func (f *Feed) onLikeEvent(ev gateway.Event) bool {
	like, ok := ev.Entity.(*models.Like)
	if !ok {
		return true
	}
	if like.AccountID == f.deps.Session.AccountID() {
		if ev.Kind == gateway.EventInsert {
			f.rememberLikeID(like.PostID, like.ID)
		}
		return true
	}
	if f.alreadyFolded(f.likeEvents, like.ID, ev.Kind) {
		return true
	}
	ent, ok := f.view.Get(like.PostID)
	if !ok {
		return true // post not in view scope, drop
	}
	post := ent.(*models.Post).Clone()
	switch ev.Kind {
	case gateway.EventInsert:
		post.LikesCount++
	case gateway.EventDelete:
		if post.LikesCount > 0 {
			post.LikesCount--
		}
	default:
		return true
	}
	f.view.Upsert(post)
	return true
}

func (f *Feed) onCommentEvent(ev gateway.Event) bool {
	c, ok := ev.Entity.(*models.Comment)
	if !ok {
		return true
	}
	if c.AuthorID == f.deps.Session.AccountID() {
		return true
	}
	if f.alreadyFolded(f.commentEvents, c.ID, ev.Kind) {
		return true
	}
	ent, ok := f.view.Get(c.PostID)
	if !ok {
		return true
	}
	post := ent.(*models.Post).Clone()
	switch ev.Kind {
	case gateway.EventInsert:
		post.CommentsCount++
	case gateway.EventDelete:
		if post.CommentsCount > 0 {
			post.CommentsCount--
		}
	default:
		return true
	}
	f.view.Upsert(post)
	return true
}

func (f *Feed) Loading() bool { return f.state.Loading() }
func (f *Feed) Err() error    { return f.state.Err() }

// Items returns the posts in display order.
func (f *Feed) Items() []*models.Post {
	ents := f.view.Items()
	out := make([]*models.Post, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.(*models.Post))
	}
	return out
}

// CreatePost publishes a new post, optionally with an image. The post
// appears in the feed immediately and is reconciled once the backend
// assigns its authoritative id.
func (f *Feed) CreatePost(ctx context.Context, content string, image []byte, imageType string) (*models.Post, error) {
	if err := validateText("post", content, maxPostLen); err != nil {
		return nil, err
	}
	me := f.deps.Session.AccountID()
	if me == "" {
		return nil, gateway.Errf(gateway.ErrUnauthorized, "not signed in")
	}
	imageURL := ""
	if image != nil {
		if err := validateImage(image, imageType, maxPostImageBytes); err != nil {
			return nil, err
		}
		url, err := f.deps.Uploader.Upload(ctx, fmt.Sprintf("posts/%s/%d", me, time.Now().UnixNano()), image, imageType)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		imageURL = url
	}
	provisional := &models.Post{
		ID:        engine.ProvisionalID(),
		AuthorID:  me,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: time.Now().UTC(),
	}
	authoritative, err := f.deps.Engine.Insert(ctx, f.view, provisional,
		gateway.Mutation{
			Kind:    models.KindPost,
			Op:      gateway.OpInsert,
			Record:  &models.Post{AuthorID: me, Content: content, ImageURL: imageURL},
			ActorID: me,
		},
		func(ent models.Entity) bool {
			p, ok := ent.(*models.Post)
			return ok && p.AuthorID == me && p.Content == content
		},
		nil,
	)
	if err != nil {
		return nil, err
	}
	return authoritative.(*models.Post), nil
}

// Like toggles on. A second tap while the first is in flight is rejected
// with engine.ErrInFlight rather than double-counting.
func (f *Feed) Like(ctx context.Context, postID string) error {
	me := f.deps.Session.AccountID()
	ent, ok := f.view.Get(postID)
	if !ok {
		return gateway.Errf(gateway.ErrNotFound, "post %s not in feed", postID)
	}
	post := ent.(*models.Post)
	if post.Liked {
		return nil
	}
	return f.deps.Engine.Run(ctx, engine.Update{
		Key: "like:" + postID,
		Apply: func() {
			p := post.Clone()
			p.Liked = true
			p.LikesCount++
			f.view.Upsert(p)
		},
		Rollback: func() {
			if cur, ok := f.view.Get(postID); ok {
				p := cur.(*models.Post).Clone()
				p.Liked = false
				if p.LikesCount > 0 {
					p.LikesCount--
				}
				f.view.Upsert(p)
			}
		},
		Mutate: func(ctx context.Context) (models.Entity, error) {
			return f.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindLike,
				Op:      gateway.OpInsert,
				Record:  &models.Like{PostID: postID, AccountID: me},
				ActorID: me,
			})
		},
		Reconcile: func(authoritative models.Entity) {
			if l, ok := authoritative.(*models.Like); ok {
				f.rememberLikeID(postID, l.ID)
			}
		},
		Side: f.deps.Engine.Notify(me, post.AuthorID, models.NotifyLike, postID),
	})
}

func (f *Feed) rememberLikeID(postID, likeID string) {
	f.mu.Lock()
	f.likeIDs[postID] = likeID
	f.mu.Unlock()
}

func (f *Feed) takeLikeID(postID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.likeIDs[postID]
	delete(f.likeIDs, postID)
	return id
}

// Unlike toggles off, sharing the in-flight key with Like so rapid
// like/unlike taps resolve to toggle parity.
func (f *Feed) Unlike(ctx context.Context, postID string) error {
	me := f.deps.Session.AccountID()
	ent, ok := f.view.Get(postID)
	if !ok {
		return gateway.Errf(gateway.ErrNotFound, "post %s not in feed", postID)
	}
	post := ent.(*models.Post)
	if !post.Liked {
		return nil
	}
	return f.deps.Engine.Run(ctx, engine.Update{
		Key: "like:" + postID,
		Apply: func() {
			p := post.Clone()
			p.Liked = false
			if p.LikesCount > 0 {
				p.LikesCount--
			}
			f.view.Upsert(p)
		},
		Rollback: func() {
			if cur, ok := f.view.Get(postID); ok {
				p := cur.(*models.Post).Clone()
				p.Liked = true
				p.LikesCount++
				f.view.Upsert(p)
			}
		},
		Mutate: func(ctx context.Context) (models.Entity, error) {
			// The like id was remembered when the toggle (or its change
			// event) landed; the lookup is a fallback for likes that
			// predate this session.
			likeID := f.takeLikeID(postID)
			if likeID == "" {
				likes, err := f.deps.Gateway.Query(ctx, gateway.Query{
					Kind:   models.KindLike,
					Filter: gateway.Eq("post_id", postID).And(gateway.Eq("account_id", me)),
					Limit:  1,
				})
				if err != nil {
					return nil, err
				}
				if len(likes) == 0 {
					return nil, gateway.Errf(gateway.ErrNotFound, "like not found")
				}
				likeID = likes[0].EntityID()
			}
			return f.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindLike,
				Op:      gateway.OpDelete,
				Record:  &models.Like{ID: likeID},
				ActorID: me,
			})
		},
	})
}

// AddComment appends a comment and bumps the post's derived count.
func (f *Feed) AddComment(ctx context.Context, postID, body string) error {
	if err := validateText("comment", body, maxCommentLen); err != nil {
		return err
	}
	me := f.deps.Session.AccountID()
	ent, ok := f.view.Get(postID)
	if !ok {
		return gateway.Errf(gateway.ErrNotFound, "post %s not in feed", postID)
	}
	post := ent.(*models.Post)
	return f.deps.Engine.Run(ctx, engine.Update{
		Apply: func() {
			p := post.Clone()
			p.CommentsCount++
			f.view.Upsert(p)
		},
		Rollback: func() {
			if cur, ok := f.view.Get(postID); ok {
				p := cur.(*models.Post).Clone()
				if p.CommentsCount > 0 {
					p.CommentsCount--
				}
				f.view.Upsert(p)
			}
		},
		Mutate: func(ctx context.Context) (models.Entity, error) {
			return f.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindComment,
				Op:      gateway.OpInsert,
				Record:  &models.Comment{PostID: postID, AuthorID: me, Body: body},
				ActorID: me,
			})
		},
		Side: f.deps.Engine.Notify(me, post.AuthorID, models.NotifyComment, postID),
	})
}

// Comments fetches the transcript for one post, oldest first.
func (f *Feed) Comments(ctx context.Context, postID string) ([]*models.Comment, error) {
	recs, err := f.deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindComment,
		Filter: gateway.Eq("post_id", postID),
		Order:  &gateway.Ordering{Field: "created_at"},
		Expand: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Comment, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(*models.Comment))
	}
	return out, nil
}

// DeletePost removes the viewer's own post optimistically.
func (f *Feed) DeletePost(ctx context.Context, postID string) error {
	me := f.deps.Session.AccountID()
	ent, ok := f.view.Get(postID)
	if !ok {
		return gateway.Errf(gateway.ErrNotFound, "post %s not in feed", postID)
	}
	return f.deps.Engine.Run(ctx, engine.Update{
		Apply:    func() { f.view.Remove(postID) },
		Rollback: func() { f.view.Upsert(ent) },
		Mutate: func(ctx context.Context) (models.Entity, error) {
			return f.deps.Gateway.Mutate(ctx, gateway.Mutation{
				Kind:    models.KindPost,
				Op:      gateway.OpDelete,
				Record:  &models.Post{ID: postID},
				ActorID: me,
			})
		},
	})
}

// Close cancels the feed's routes.
func (f *Feed) Close() {
	for _, rt := range f.routes {
		rt.Close()
	}
	f.routes = nil
}
