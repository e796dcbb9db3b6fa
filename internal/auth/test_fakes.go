package auth

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"atrium-auth/internal/oauth"
)

// FakeStore is a test-only in-memory Store with error injection fields.
type FakeStore struct {
	mu       sync.Mutex
	users    map[string]User
	refresh  map[string]fakeRefreshRecord
	attempts map[string]LoginAttempt

	CreateUserErr   error
	RefreshIssueErr error
}

type fakeRefreshRecord struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:    make(map[string]User),
		refresh:  make(map[string]fakeRefreshRecord),
		attempts: make(map[string]LoginAttempt),
	}
}

func (f *FakeStore) GetUserByProvider(_ context.Context, provider, providerID string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Provider == provider && user.ProviderID == providerID {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (f *FakeStore) GetUserByID(_ context.Context, id string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *FakeStore) CreateUser(_ context.Context, user *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateUserErr != nil {
		return f.CreateUserErr
	}
	for _, existing := range f.users {
		if existing.Email == user.Email ||
			existing.Username == user.Username ||
			(existing.Provider == user.Provider && existing.ProviderID == user.ProviderID) {
			return ErrDuplicateUser
		}
	}

	now := time.Now().UTC()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	f.users[user.ID] = *user
	return nil
}

func (f *FakeStore) UpdateUserOnLogin(_ context.Context, user *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.UpdatedAt = time.Now().UTC()
	f.users[user.ID] = *user
	return nil
}

func (f *FakeStore) ListUsers(_ context.Context) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]User, 0, len(f.users))
	for _, user := range f.users {
		users = append(users, user)
	}
	return users, nil
}

func (f *FakeStore) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *FakeStore) CreateRefreshToken(_ context.Context, userID, rawToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefreshIssueErr != nil {
		return f.RefreshIssueErr
	}
	f.refresh[rawToken] = fakeRefreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *FakeStore) ResolveRefreshToken(_ context.Context, rawToken string, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.refresh[rawToken]
	if !ok || record.revoked || !record.expiresAt.After(now) {
		return "", ErrInvalidRefreshToken
	}
	return record.userID, nil
}

func (f *FakeStore) RevokeRefreshToken(_ context.Context, rawToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.refresh[rawToken]
	if !ok {
		return ErrInvalidRefreshToken
	}
	record.revoked = true
	f.refresh[rawToken] = record
	return nil
}

func (f *FakeStore) GetLoginAttempt(_ context.Context, username string) (LoginAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt, ok := f.attempts[username]
	if !ok {
		return LoginAttempt{Username: username}, nil
	}
	return attempt, nil
}

func (f *FakeStore) RegisterFailedAttempt(_ context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	attempt := f.attempts[username]
	attempt.Username = username
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		until := *attempt.LockedUntil
		return &until, nil
	}

	attempt.FailedAttempts++
	var lockedUntil *time.Time
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
		lockedUntil = &until
	}
	f.attempts[username] = attempt
	return lockedUntil, nil
}

func (f *FakeStore) ResetLoginAttempt(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attempts, username)
	return nil
}

// UserCount reports how many identities exist, for assertions about
// rows that must not have been created.
func (f *FakeStore) UserCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// FakeBroker is a test-only IdentityBroker returning canned results.
type FakeBroker struct {
	Providers map[string]bool
	Profile   *oauth.Profile
	Err       error
}

func (f *FakeBroker) Has(provider string) bool {
	return f.Providers[provider]
}

func (f *FakeBroker) AuthURL(provider, redirectURI, state string) (string, error) {
	if !f.Providers[provider] {
		return "", oauth.ErrUnknownProvider
	}
	return "https://provider.example/authorize?state=" + state, nil
}

func (f *FakeBroker) ExchangeCode(context.Context, string, string, string) (*oauth.Profile, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Profile, nil
}
