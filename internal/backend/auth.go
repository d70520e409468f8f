package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"social/internal/gateway"
	"social/internal/models"
)

const (
	sessionTTL = 24 * time.Hour
	otpTTL     = 10 * time.Minute
	resetTTL   = 30 * time.Minute
)

var (
	ErrDuplicateEmail     = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidCode        = errors.New("invalid or expired code")
)

type session struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"index;not null"`
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type otpCode struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"index;not null"`
	Code      string `gorm:"not null"`
	ExpiresAt time.Time
	UsedAt    *time.Time
}

type resetToken struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"not null"`
	ExpiresAt time.Time
	UsedAt    *time.Time
}

func (b *Backend) SignUp(ctx context.Context, email, password string) (*models.Account, error) {
	if email == "" || len(password) < 6 {
		return nil, gateway.Errf(gateway.ErrValidation, "email and a password of 6+ chars required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.db.WithContext(ctx).Create(acct).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, gateway.Wrap(gateway.ErrNetwork, "create account", err)
	}
	return acct, nil
}

func (b *Backend) SignIn(ctx context.Context, email, password string) (*gateway.Token, error) {
	acct, err := b.accountByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return b.issueToken(ctx, acct)
}

// SignInWithProvider trusts an already-verified social-provider assertion
// and creates the account on first use.
func (b *Backend) SignInWithProvider(ctx context.Context, provider, subject, email string) (*gateway.Token, error) {
	if provider == "" || subject == "" || email == "" {
		return nil, gateway.Errf(gateway.ErrValidation, "provider assertion incomplete")
	}
	acct, err := b.accountByEmail(ctx, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		acct = &models.Account{
			ID:           uuid.NewString(),
			Email:        email,
			PasswordHash: "!provider:" + provider, // never matches bcrypt
			CreatedAt:    time.Now().UTC(),
		}
		if cerr := b.db.WithContext(ctx).Create(acct).Error; cerr != nil {
			return nil, gateway.Wrap(gateway.ErrNetwork, "create provider account", cerr)
		}
	} else if err != nil {
		return nil, err
	}
	return b.issueToken(ctx, acct)
}

// IssueOTP creates a one-time sign-in code for email. Delivery is out of
// scope; the code is returned so the serving layer can mail it.
func (b *Backend) IssueOTP(ctx context.Context, email string) (string, error) {
	if _, err := b.accountByEmail(ctx, email); err != nil {
		return "", ErrInvalidCredentials
	}
	code, err := numericCode(6)
	if err != nil {
		return "", err
	}
	rec := otpCode{
		ID:        uuid.NewString(),
		Email:     email,
		Code:      code,
		ExpiresAt: time.Now().UTC().Add(otpTTL),
	}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", gateway.Wrap(gateway.ErrNetwork, "store otp", err)
	}
	return code, nil
}

func (b *Backend) VerifyOTP(ctx context.Context, email, code string) (*gateway.Token, error) {
	var rec otpCode
	err := b.db.WithContext(ctx).
		Where("email = ? AND code = ? AND used_at IS NULL", email, code).
		Order("expires_at DESC").First(&rec).Error
	if err != nil || rec.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidCode
	}
	now := time.Now().UTC()
	b.db.WithContext(ctx).Model(&rec).Update("used_at", &now)
	acct, err := b.accountByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return b.issueToken(ctx, acct)
}

func (b *Backend) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	acct, err := b.accountByEmail(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	rec := resetToken{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		ExpiresAt: time.Now().UTC().Add(resetTTL),
	}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", gateway.Wrap(gateway.ErrNetwork, "store reset token", err)
	}
	return rec.ID, nil
}

func (b *Backend) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 6 {
		return gateway.Errf(gateway.ErrValidation, "password of 6+ chars required")
	}
	var rec resetToken
	err := b.db.WithContext(ctx).
		Where("id = ? AND used_at IS NULL", token).First(&rec).Error
	if err != nil || rec.ExpiresAt.Before(time.Now().UTC()) {
		return ErrInvalidToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", rec.AccountID).
			Update("password_hash", string(hash)).Error; err != nil {
			return err
		}
		if err := tx.Model(&rec).Update("used_at", &now).Error; err != nil {
			return err
		}
		// all existing sessions die with the old password
		return tx.Model(&session{}).
			Where("account_id = ? AND revoked_at IS NULL", rec.AccountID).
			Update("revoked_at", &now).Error
	})
}

// Refresh extends a live session, rotating the token.
func (b *Backend) Refresh(ctx context.Context, accessToken string) (*gateway.Token, error) {
	acct, err := b.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	b.revoke(ctx, accessToken)
	return b.issueToken(ctx, acct)
}

func (b *Backend) SignOut(ctx context.Context, accessToken string) error {
	b.revoke(ctx, accessToken)
	return nil
}

// Authenticate resolves an access token to its account, failing on
// expired or revoked sessions.
func (b *Backend) Authenticate(ctx context.Context, accessToken string) (*models.Account, error) {
	var s session
	err := b.db.WithContext(ctx).Where("id = ?", accessToken).First(&s).Error
	if err != nil || s.RevokedAt != nil || s.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidToken
	}
	var acct models.Account
	if err := b.db.WithContext(ctx).Where("id = ?", s.AccountID).First(&acct).Error; err != nil {
		return nil, ErrInvalidToken
	}
	return &acct, nil
}

func (b *Backend) issueToken(ctx context.Context, acct *models.Account) (*gateway.Token, error) {
	s := session{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(sessionTTL),
	}
	if err := b.db.WithContext(ctx).Create(&s).Error; err != nil {
		return nil, gateway.Wrap(gateway.ErrNetwork, "create session", err)
	}
	return &gateway.Token{AccessToken: s.ID, ExpiresAt: s.ExpiresAt, Account: acct}, nil
}

func (b *Backend) revoke(ctx context.Context, accessToken string) {
	now := time.Now().UTC()
	err := b.db.WithContext(ctx).Model(&session{}).
		Where("id = ? AND revoked_at IS NULL", accessToken).
		Update("revoked_at", &now).Error
	if err != nil {
		b.log.Warn("backend: revoke session failed", "error", err)
	}
}

func (b *Backend) accountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var acct models.Account
	if err := b.db.WithContext(ctx).Where("email = ?", email).First(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func numericCode(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}

var _ gateway.Auth = (*Backend)(nil)
