package gateway

import (
	"context"
	"time"

	"social/internal/models"
)

// Token is the result of any successful sign-in variant.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Account     *models.Account
}

// Auth is the backend's authentication surface: credential, social and
// OTP sign-in, password reset, refresh and sign-out. Session lifecycle
// (state machine, generation) is the session package's job; Auth only
// moves tokens.
type Auth interface {
	SignUp(ctx context.Context, email, password string) (*models.Account, error)
	SignIn(ctx context.Context, email, password string) (*Token, error)
	SignInWithProvider(ctx context.Context, provider, subject, email string) (*Token, error)
	IssueOTP(ctx context.Context, email string) (string, error)
	VerifyOTP(ctx context.Context, email, code string) (*Token, error)
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
	Refresh(ctx context.Context, accessToken string) (*Token, error)
	SignOut(ctx context.Context, accessToken string) error
}
