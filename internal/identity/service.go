// Package identity verifies bearer tokens, derives per-app entitlements from
// the static plan catalog, and auto-provisions users on first contact.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nimbushq/aigov/internal/store"
)

var (
	// ErrEmailTaken is returned by Register for a duplicate email.
	ErrEmailTaken = errors.New("identity: email already registered")
	// ErrInvalidCredentials is returned by Authenticate on a bad pair.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
)

const (
	defaultCacheTTL = 5 * time.Minute
	defaultTimezone = "UTC"
	defaultLocale   = "en-US"
)

// Identity is a verified caller with resolved entitlements.
type Identity struct {
	UID           string
	Email         string
	Provider      string
	EmailVerified bool
	User          *store.UserRecord
	Entitlements  Entitlements
}

type cacheEntry struct {
	ident   Identity
	expires time.Time
}

// Service resolves bearer tokens to identities, caching entitlements for a
// short TTL so the hot path avoids a store read per request.
type Service struct {
	store    store.Store
	verifier Verifier
	plans    map[string]Plan
	log      *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL overrides the entitlement cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithPlans overrides the plan catalog.
func WithPlans(plans map[string]Plan) Option {
	return func(s *Service) { s.plans = plans }
}

// New creates a Service over st and v.
func New(st store.Store, v Verifier, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		verifier: v,
		plans:    DefaultPlans(),
		log:      log,
		cache:    make(map[string]cacheEntry),
		ttl:      defaultCacheTTL,
		nowFunc:  time.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PlanForTier returns the plan for tier, falling back to free.
func (s *Service) PlanForTier(tier string) Plan {
	if p, ok := s.plans[tier]; ok {
		return p
	}
	return s.plans["free"]
}

// EntitlementsForTier derives entitlements from the tier's plan.
func (s *Service) EntitlementsForTier(tier string) Entitlements {
	return DeriveEntitlements(s.PlanForTier(tier))
}

// Verify resolves a bearer token to an Identity. Unknown users are
// auto-provisioned at the free tier. The lastLogin bump is best-effort.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	info, err := s.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	s.mu.Lock()
	if e, ok := s.cache[info.UID]; ok && now.Before(e.expires) {
		ident := e.ident
		s.mu.Unlock()
		return &ident, nil
	}
	s.mu.Unlock()

	user, err := s.store.GetUser(ctx, info.UID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		user, err = s.provision(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.TouchLastLogin(ctx, user.UID, now.UTC()); err != nil {
		s.log.Debug("lastLogin bump failed", "uid", user.UID, "error", err)
	}

	ident := Identity{
		UID:           user.UID,
		Email:         user.Email,
		Provider:      info.Provider,
		EmailVerified: info.EmailVerified,
		User:          user,
		Entitlements:  s.EntitlementsForTier(user.Tier),
	}
	s.mu.Lock()
	s.cache[info.UID] = cacheEntry{ident: ident, expires: now.Add(s.ttl)}
	s.mu.Unlock()
	return &ident, nil
}

func (s *Service) provision(ctx context.Context, info TokenInfo) (*store.UserRecord, error) {
	u := store.UserRecord{
		UID:           info.UID,
		Email:         info.Email,
		Tier:          "free",
		Timezone:      defaultTimezone,
		Locale:        defaultLocale,
		BillingStatus: "free",
		CreatedAt:     s.nowFunc().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("auto-provision user: %w", err)
	}
	s.log.Info("user auto-provisioned", "uid", u.UID, "provider", info.Provider)
	return &u, nil
}

// Invalidate drops uid's cached entitlements. Call after any tier or plan
// change so the next request sees the new grants.
func (s *Service) Invalidate(uid string) {
	s.mu.Lock()
	delete(s.cache, uid)
	s.mu.Unlock()
}

// TierOf returns uid's tier, free when no user record exists yet.
func (s *Service) TierOf(ctx context.Context, uid string) (string, error) {
	s.mu.Lock()
	if e, ok := s.cache[uid]; ok && s.nowFunc().Before(e.expires) {
		tier := e.ident.User.Tier
		s.mu.Unlock()
		return tier, nil
	}
	s.mu.Unlock()

	user, err := s.store.GetUser(ctx, uid)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "free", nil
	}
	return user.Tier, nil
}

// Register creates a user with a bcrypt-hashed password and returns the
// record.
func (s *Service) Register(ctx context.Context, email, password string) (*store.UserRecord, error) {
	if email == "" || len(password) < 8 {
		return nil, ErrInvalidCredentials
	}
	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := store.UserRecord{
		UID:           uuid.NewString(),
		Email:         email,
		PasswordHash:  string(hash),
		Tier:          "free",
		Timezone:      defaultTimezone,
		Locale:        defaultLocale,
		BillingStatus: "free",
		CreatedAt:     s.nowFunc().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate checks an email/password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.UserRecord, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SetTier updates uid's tier and drops the cached entitlements.
func (s *Service) SetTier(ctx context.Context, uid, tier string) (*store.UserRecord, error) {
	if _, ok := s.plans[tier]; !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	user, err := s.store.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, store.ErrNotFound
	}
	user.Tier = tier
	if tier == "free" {
		user.BillingStatus = "free"
	} else if user.BillingStatus == "free" {
		user.BillingStatus = "active"
	}
	if err := s.store.UpdateUser(ctx, *user); err != nil {
		return nil, err
	}
	s.Invalidate(uid)
	return user, nil
}
