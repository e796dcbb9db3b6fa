package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"atrium-auth/internal/config"
)

const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
	ProviderLocal  = "local"
)

type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	EmailsURL    string
	Scopes       []string
}

// Providers builds the provider table from configuration. Providers with
// missing credentials are left out, so an unconfigured provider fails the
// login-initiation request instead of the code exchange.
func Providers(cfg *config.Config) map[string]ProviderConfig {
	providers := make(map[string]ProviderConfig)

	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		providers[ProviderGitHub] = ProviderConfig{
			Name:         ProviderGitHub,
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			Endpoint:     endpoints.GitHub,
			UserInfoURL:  "https://api.github.com/user",
			EmailsURL:    "https://api.github.com/user/emails",
			Scopes:       []string{"user:email"},
		}
	}

	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		providers[ProviderGoogle] = ProviderConfig{
			Name:         ProviderGoogle,
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     endpoints.Google,
			UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
			Scopes:       []string{"openid", "email", "profile"},
		}
	}

	return providers
}
