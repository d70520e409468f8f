package views

import (
	"context"
	"fmt"
	"time"

	"social/internal/gateway"
	"social/internal/models"
)

// ProfileOf fetches a profile by account id.
func ProfileOf(ctx context.Context, deps Deps, accountID string) (*models.Profile, error) {
	recs, err := deps.Gateway.Query(ctx, gateway.Query{
		Kind:   models.KindProfile,
		Filter: gateway.Eq("id", accountID),
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, gateway.Errf(gateway.ErrNotFound, "profile %s not found", accountID)
	}
	return recs[0].(*models.Profile), nil
}

// UpdateUsername renames the viewer's profile. A taken name comes back
// as a conflict from the backend's unique constraint.
func UpdateUsername(ctx context.Context, deps Deps, username string) (*models.Profile, error) {
	if err := validateText("username", username, maxChatName); err != nil {
		return nil, err
	}
	me := deps.Session.AccountID()
	current, err := ProfileOf(ctx, deps, me)
	if err != nil {
		return nil, err
	}
	current.Username = username
	updated, err := deps.Gateway.Mutate(ctx, gateway.Mutation{
		Kind:    models.KindProfile,
		Op:      gateway.OpUpdate,
		Record:  current,
		ActorID: me,
	})
	if err != nil {
		return nil, err
	}
	return updated.(*models.Profile), nil
}

// UpdateAvatar validates and uploads a new avatar, then points the
// profile at the stored object.
func UpdateAvatar(ctx context.Context, deps Deps, image []byte, contentType string) (*models.Profile, error) {
	if err := validateImage(image, contentType, maxAvatarBytes); err != nil {
		return nil, err
	}
	me := deps.Session.AccountID()
	url, err := deps.Uploader.Upload(ctx, fmt.Sprintf("avatars/%s/%d", me, time.Now().UnixNano()), image, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}
	current, err := ProfileOf(ctx, deps, me)
	if err != nil {
		return nil, err
	}
	current.AvatarURL = url
	updated, err := deps.Gateway.Mutate(ctx, gateway.Mutation{
		Kind:    models.KindProfile,
		Op:      gateway.OpUpdate,
		Record:  current,
		ActorID: me,
	})
	if err != nil {
		return nil, err
	}
	return updated.(*models.Profile), nil
}
