package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps provider identities to canonical user ids.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Resolution is the outcome of resolving a caller's identity.
type Resolution struct {
	UserID string
	// Created is true the first time an identity is seen; the caller then
	// registers the user with the scoring engine.
	Created bool
}

// Resolve returns the canonical user id for claims, creating the identity
// mapping on first sight.
func (s *Service) Resolve(ctx context.Context, claims auth.AccessClaims) (Resolution, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Resolution{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			return Resolution{UserID: userID}, nil
		}
	}

	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  s.now(),
	}
	created := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&identity)
	if created.Error != nil {
		return Resolution{}, created.Error
	}
	if created.RowsAffected == 1 {
		s.cache.Store(cacheKey, identity.UserID)
		return Resolution{UserID: identity.UserID, Created: true}, nil
	}

	var existing Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&existing).Error; err != nil {
		return Resolution{}, err
	}
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := identity.Email; email != "" && email != existing.Email {
		updates["user_email"] = email
	}
	if display := identity.DisplayName; display != "" && display != existing.DisplayName {
		updates["user_display_name"] = display
	}
	_ = s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error

	s.cache.Store(cacheKey, existing.UserID)
	return Resolution{UserID: existing.UserID}, nil
}

func deriveProviderSubject(claims auth.AccessClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if before, after, found := strings.Cut(raw, ":"); found && normalize(before) != "" && normalize(after) != "" {
			provider = normalize(before)
			subject = normalize(after)
		} else if subject == "" {
			subject = raw
		}
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}
