package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProvider     = "default"
	defaultCacheTTL     = 10 * time.Minute
	lastSeenGranularity = 5 * time.Minute
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	CacheTTL time.Duration
	Logger   *zap.Logger
}

type cachedIdentity struct {
	userID   string
	lastSeen time.Time
	cachedAt time.Time
}

// Service maps provider-scoped token subjects to the canonical user ids that own and share
// documents. Every relay handshake passes through it, so lookups are cached and last-seen writes
// are throttled.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	cacheTTL time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedIdentity
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		cacheTTL: cacheTTL,
		logger:   logger,
		cache:    make(map[string]cachedIdentity),
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the token claims, recording the
// identity the first time a provider subject is seen.
func (s *Service) ResolveCanonicalUserID(claims auth.AccessClaims) (string, error) {
	key, ok := identityKeyFromClaims(claims)
	if !ok {
		return "", ErrInvalidIdentity
	}
	now := s.now()

	if entry, hit := s.cached(key.String(), now); hit {
		if now.Sub(entry.lastSeen) >= lastSeenGranularity {
			s.touch(key, claims, now)
		}
		return entry.userID, nil
	}

	identity := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		UserID:      key.subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  now,
	}
	// Concurrent first handshakes of one user race on the insert; the loser keeps the stored row.
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error
	if err != nil {
		return "", fmt.Errorf("users: record identity: %w", err)
	}
	var stored Identity
	if err := s.db.Where("provider = ? AND subject = ?", key.provider, key.subject).Take(&stored).Error; err != nil {
		return "", fmt.Errorf("users: load identity: %w", err)
	}
	if stored.LastSeenAt.Before(now) {
		s.touch(key, claims, now)
	}

	s.remember(key.String(), stored.UserID, now)
	return stored.UserID, nil
}

func (s *Service) cached(key string, now time.Time) (cachedIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || now.Sub(entry.cachedAt) > s.cacheTTL {
		delete(s.cache, key)
		return cachedIdentity{}, false
	}
	return entry, true
}

func (s *Service) remember(key, userID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cachedIdentity{userID: userID, lastSeen: now, cachedAt: now}
}

// touch refreshes last-seen and profile fields. Failures only cost freshness, so they are logged.
func (s *Service) touch(key identityKey, claims auth.AccessClaims, now time.Time) {
	updates := map[string]any{"last_seen_at": now}
	if email := normalize(claims.UserEmail); email != "" {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" {
		updates["user_display_name"] = display
	}
	err := s.db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", key.provider, key.subject).
		Updates(updates).Error
	if err != nil {
		s.logger.Warn("identity touch failed", zap.String("provider", key.provider), zap.Error(err))
		return
	}
	s.mu.Lock()
	if entry, ok := s.cache[key.String()]; ok {
		entry.lastSeen = now
		s.cache[key.String()] = entry
	}
	s.mu.Unlock()
}

type identityKey struct {
	provider string
	subject  string
}

func (k identityKey) String() string {
	return k.provider + ":" + k.subject
}

// identityKeyFromClaims keys logins without a provider prefix under the default provider.
func identityKeyFromClaims(claims auth.AccessClaims) (identityKey, bool) {
	provider, subject := claims.LoginIdentity()
	if provider == "" {
		provider = defaultProvider
	}
	return identityKey{provider: provider, subject: subject}, subject != ""
}
