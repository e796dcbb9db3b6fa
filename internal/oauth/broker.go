package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"atrium-auth/internal/observability"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrExchangeFailed is the uniform negative result for every exchange
	// failure. The cause is logged for operators, never propagated.
	ErrExchangeFailed = errors.New("oauth exchange failed")
)

const maxProviderResponseBytes = 1 << 20

// Profile is the normalized result of a provider code exchange.
type Profile struct {
	Provider   string
	ProviderID string
	Email      string
	Username   string
	FullName   string
	AvatarURL  string
	Raw        map[string]any
}

type Broker struct {
	providers map[string]ProviderConfig
	client    *http.Client
	timeout   time.Duration
	logger    *observability.Logger
}

func NewBroker(providers map[string]ProviderConfig, timeout time.Duration, logger *observability.Logger) *Broker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Broker{
		providers: providers,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &retryTransport{base: http.DefaultTransport},
		},
		timeout: timeout,
		logger:  logger,
	}
}

func (b *Broker) Has(provider string) bool {
	_, ok := b.providers[provider]
	return ok
}

func (b *Broker) AuthURL(provider, redirectURI, state string) (string, error) {
	p, ok := b.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	return b.conf(p, redirectURI).AuthCodeURL(state), nil
}

// ExchangeCode performs the two sequential provider round-trips: code for
// token, then token for profile. The second depends on the first and they
// are never parallelized.
func (b *Broker) ExchangeCode(ctx context.Context, provider, code, redirectURI string) (*Profile, error) {
	p, ok := b.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	ctx, cancel := context.WithTimeout(ctx, 2*b.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)

	tok, err := b.conf(p, redirectURI).Exchange(ctx, code)
	if err != nil {
		b.logger.Error("oauth_token_exchange_failed", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil, ErrExchangeFailed
	}
	if tok.AccessToken == "" {
		b.logger.Error("oauth_token_exchange_failed", map[string]any{
			"provider": provider,
			"error":    "token response missing access_token",
		})
		return nil, ErrExchangeFailed
	}

	var profile *Profile
	switch provider {
	case ProviderGitHub:
		profile, err = b.githubProfile(ctx, p, tok.AccessToken)
	case ProviderGoogle:
		profile, err = b.googleProfile(ctx, p, tok.AccessToken)
	default:
		err = ErrUnknownProvider
	}
	if err != nil {
		b.logger.Error("oauth_profile_fetch_failed", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil, ErrExchangeFailed
	}

	return profile, nil
}

func (b *Broker) conf(p ProviderConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     p.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       p.Scopes,
	}
}

func (b *Broker) githubProfile(ctx context.Context, p ProviderConfig, accessToken string) (*Profile, error) {
	body, err := b.get(ctx, p.UserInfoURL, accessToken)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode github profile: %w", err)
	}
	if payload.ID == 0 || payload.Login == "" {
		return nil, errors.New("github profile missing id or login")
	}

	email := payload.Email
	if email == "" {
		// Profile email is hidden; ask for the account's verified
		// primary email instead.
		email, err = b.githubPrimaryEmail(ctx, p, accessToken)
		if err != nil {
			return nil, err
		}
	}
	if email == "" {
		return nil, errors.New("github account has no usable email")
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode github profile: %w", err)
	}

	return &Profile{
		Provider:   ProviderGitHub,
		ProviderID: strconv.FormatInt(payload.ID, 10),
		Email:      email,
		Username:   payload.Login,
		FullName:   payload.Name,
		AvatarURL:  payload.AvatarURL,
		Raw:        raw,
	}, nil
}

func (b *Broker) githubPrimaryEmail(ctx context.Context, p ProviderConfig, accessToken string) (string, error) {
	body, err := b.get(ctx, p.EmailsURL, accessToken)
	if err != nil {
		return "", err
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", fmt.Errorf("decode github emails: %w", err)
	}

	for _, entry := range emails {
		if entry.Primary {
			return entry.Email, nil
		}
	}

	return "", nil
}

func (b *Broker) googleProfile(ctx context.Context, p ProviderConfig, accessToken string) (*Profile, error) {
	body, err := b.get(ctx, p.UserInfoURL, accessToken)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode google profile: %w", err)
	}
	if payload.ID == "" || payload.Email == "" {
		return nil, errors.New("google profile missing id or email")
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode google profile: %w", err)
	}

	// Google profiles carry no username; derive one from the email
	// local-part.
	username, _, _ := strings.Cut(payload.Email, "@")

	return &Profile{
		Provider:   ProviderGoogle,
		ProviderID: payload.ID,
		Email:      payload.Email,
		Username:   username,
		FullName:   payload.Name,
		AvatarURL:  payload.Picture,
		Raw:        raw,
	}, nil
}

func (b *Broker) get(ctx context.Context, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	return body, nil
}

// retryTransport retries a request exactly once on transient transport
// failure. Non-2xx responses are not retried.
type retryTransport struct {
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}
	if req.Body != nil && req.GetBody == nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, err
		}
		retry.Body = body
	}

	return t.base.RoundTrip(retry)
}
