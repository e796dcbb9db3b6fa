package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"atrium-auth/internal/config"
	"atrium-auth/internal/oauth"
	"atrium-auth/internal/observability"
	"atrium-auth/internal/token"
)

const (
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute

	tokenTypeBearer = "bearer"
)

// Used when a backup username is not configured, so unknown and known
// usernames cost the same bcrypt comparison.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is the persistence contract the session coordinator depends on.
// *Repository is the production implementation.
type Store interface {
	GetUserByProvider(ctx context.Context, provider, providerID string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUserOnLogin(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateRefreshToken(ctx context.Context, userID, rawToken string, expiresAt time.Time) error
	ResolveRefreshToken(ctx context.Context, rawToken string, now time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error

	GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, username string) error
}

type Service struct {
	store        Store
	codec        *token.Codec
	logger       *observability.Logger
	backupUsers  map[string]config.BackupUser
	autoCreate   bool
	refreshTTL   time.Duration
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewService(store Store, codec *token.Codec, logger *observability.Logger) *Service {
	return &Service{
		store:        store,
		codec:        codec,
		logger:       logger,
		refreshTTL:   defaultRefreshTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		now:          time.Now,
	}
}

func (s *Service) WithSecurityConfig(refreshTTL, lockDuration time.Duration, maxAttempts int) {
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
}

func (s *Service) WithBackupUsers(users map[string]config.BackupUser) {
	s.backupUsers = users
}

// WithOAuthPolicy controls whether an OAuth-authenticated identity unknown
// to the system is created on the fly or rejected until an administrator
// pre-registers it.
func (s *Service) WithOAuthPolicy(autoCreate bool) {
	s.autoCreate = autoCreate
}

func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CompleteOAuthLogin resolves the exchanged profile to an identity and
// establishes a session for it.
func (s *Service) CompleteOAuthLogin(ctx context.Context, profile *oauth.Profile) (User, Tokens, error) {
	user, err := s.resolveOrCreate(ctx, profile)
	if err != nil {
		return User{}, Tokens{}, err
	}
	if !user.IsActive {
		return User{}, Tokens{}, ErrInactiveUser
	}

	tokens, err := s.EstablishSession(ctx, user)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

func (s *Service) resolveOrCreate(ctx context.Context, profile *oauth.Profile) (User, error) {
	now := s.now().UTC()

	user, err := s.store.GetUserByProvider(ctx, profile.Provider, profile.ProviderID)
	if err == nil {
		user.Email = profile.Email
		user.FullName = profile.FullName
		user.AvatarURL = profile.AvatarURL
		user.ProviderData = profile.Raw
		user.LastLogin = &now
		if err := s.store.UpdateUserOnLogin(ctx, &user); err != nil {
			return User{}, err
		}
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	if !s.autoCreate {
		return User{}, ErrNotRegistered
	}

	user = User{
		Email:        profile.Email,
		Username:     profile.Username,
		FullName:     profile.FullName,
		AvatarURL:    profile.AvatarURL,
		Provider:     profile.Provider,
		ProviderID:   profile.ProviderID,
		ProviderData: profile.Raw,
		IsActive:     true,
		IsAdmin:      false,
		Permissions:  DefaultPermissions(),
		LastLogin:    &now,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return User{}, err
	}

	return user, nil
}

// EstablishSession mints the access/refresh pair. If persisting the
// refresh record fails the whole call fails and no tokens are returned.
func (s *Service) EstablishSession(ctx context.Context, user User) (Tokens, error) {
	access, err := s.codec.Mint(claimsFor(user))
	if err != nil {
		return Tokens{}, err
	}

	rawRefresh, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.store.CreateRefreshToken(ctx, user.ID, rawRefresh, s.now().UTC().Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    s.codec.ExpiresIn(),
	}, nil
}

// Renew exchanges a live refresh token for a fresh access token carrying
// the identity's current admin/permission state, not the state at login.
// The refresh token itself is not rotated; concurrent renewals with the
// same still-valid secret all succeed.
func (s *Service) Renew(ctx context.Context, rawRefresh string) (Tokens, error) {
	userID, err := s.store.ResolveRefreshToken(ctx, rawRefresh, s.now().UTC())
	if err != nil {
		return Tokens{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, err
	}
	if !user.IsActive {
		return Tokens{}, ErrInvalidRefreshToken
	}

	access, err := s.codec.Mint(claimsFor(user))
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken: access,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   s.codec.ExpiresIn(),
	}, nil
}

func (s *Service) EndSession(ctx context.Context, rawRefresh string) error {
	return s.store.RevokeRefreshToken(ctx, rawRefresh)
}

// BackupLogin is the break-glass path. On success it reuses the exact
// session-establishment logic of the OAuth path, so the resulting tokens
// are indistinguishable downstream.
func (s *Service) BackupLogin(ctx context.Context, username, password, emailOverride, fullNameOverride string) (User, Tokens, error) {
	if len(s.backupUsers) == 0 {
		return User{}, Tokens{}, ErrBackupNotConfigured
	}

	now := s.now().UTC()
	attempt, err := s.store.GetLoginAttempt(ctx, username)
	if err != nil {
		return User{}, Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return User{}, Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	entry, known := s.backupUsers[username]
	hash := entry.PasswordHash
	if !known {
		hash = dummyBcryptHash
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil || !known {
		// Log the username for monitoring, never the attempted secret.
		s.logger.Warn("backup_login_failed", map[string]any{"username": username})
		lockedUntil, regErr := s.store.RegisterFailedAttempt(ctx, username, s.maxAttempts, s.lockDuration, now)
		if regErr != nil {
			return User{}, Tokens{}, regErr
		}
		if lockedUntil != nil {
			return User{}, Tokens{}, ErrLoginLocked{Until: *lockedUntil}
		}
		return User{}, Tokens{}, ErrInvalidCredentials
	}

	if err := s.store.ResetLoginAttempt(ctx, username); err != nil {
		return User{}, Tokens{}, err
	}

	user, err := s.resolveOrCreateBackupUser(ctx, username, entry, emailOverride, fullNameOverride, now)
	if err != nil {
		return User{}, Tokens{}, err
	}
	if !user.IsActive {
		return User{}, Tokens{}, ErrInactiveUser
	}

	tokens, err := s.EstablishSession(ctx, user)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

func (s *Service) resolveOrCreateBackupUser(ctx context.Context, username string, entry config.BackupUser, emailOverride, fullNameOverride string, now time.Time) (User, error) {
	user, err := s.store.GetUserByProvider(ctx, oauth.ProviderLocal, username)
	if err == nil {
		user.LastLogin = &now
		if err := s.store.UpdateUserOnLogin(ctx, &user); err != nil {
			return User{}, err
		}
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	email := firstNonEmpty(emailOverride, entry.Email, fmt.Sprintf("%s@backup.local", username))
	fullName := firstNonEmpty(fullNameOverride, entry.FullName, "Backup Administrator")
	permissions := entry.Permissions
	if permissions == nil {
		permissions = DefaultPermissions()
	}

	user = User{
		Email:       email,
		Username:    "backup_" + username,
		FullName:    fullName,
		Provider:    oauth.ProviderLocal,
		ProviderID:  username,
		IsActive:    true,
		IsAdmin:     entry.IsAdmin,
		Permissions: permissions,
		LastLogin:   &now,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return User{}, err
	}

	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.store.DeleteUser(ctx, id)
}

type PreRegisterInput struct {
	Email       string
	Username    string
	FullName    string
	Provider    string
	ProviderID  string
	IsAdmin     bool
	Permissions map[string]any
}

// PreRegister creates an identity ahead of its first OAuth login, for
// deployments that reject unregistered users.
func (s *Service) PreRegister(ctx context.Context, input PreRegisterInput) (User, error) {
	permissions := input.Permissions
	if permissions == nil {
		permissions = DefaultPermissions()
	}

	user := User{
		Email:       input.Email,
		Username:    input.Username,
		FullName:    input.FullName,
		Provider:    input.Provider,
		ProviderID:  input.ProviderID,
		IsActive:    true,
		IsAdmin:     input.IsAdmin,
		Permissions: permissions,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return User{}, err
	}

	return user, nil
}

func claimsFor(user User) token.Claims {
	return token.Claims{
		UserID:      user.ID,
		Email:       user.Email,
		Username:    user.Username,
		IsAdmin:     user.IsAdmin,
		Permissions: user.Permissions,
	}
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrNotRegistered       = errors.New("identity not registered")
	ErrInactiveUser        = errors.New("identity is inactive")
	ErrBackupNotConfigured = errors.New("backup login not configured")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}
