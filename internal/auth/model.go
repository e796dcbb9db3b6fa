package auth

import "time"

type User struct {
	ID           string
	Email        string
	Username     string
	FullName     string
	AvatarURL    string
	Provider     string
	ProviderID   string
	ProviderData map[string]any
	IsActive     bool
	IsAdmin      bool
	Permissions  map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLogin    *time.Time
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginAttempt struct {
	Username       string
	FailedAttempts int
	LockedUntil    *time.Time
}

func DefaultPermissions() map[string]any {
	return map[string]any{"services": []any{}}
}
