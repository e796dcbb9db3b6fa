package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedState is the only error Unpack returns; callers translate
// it into a generic error redirect, never a parse detail.
var ErrMalformedState = errors.New("malformed state")

const stateVersion = "v1"

// State carries the CSRF nonce and routing metadata through the provider
// redirect round-trip. It is client-held and never stored server-side, so
// its authenticity rests on the nonce's unguessability.
type State struct {
	Nonce             string `json:"n"`
	CallbackURL       string `json:"cb"`
	ClientRedirectURL string `json:"cr"`
	Provider          string `json:"p"`
}

// Pack encodes the state as a versioned base64url blob. Embedded URLs
// round-trip byte for byte regardless of what characters they contain;
// there is no separator to collide with.
func Pack(state State) (string, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return stateVersion + "." + base64.RawURLEncoding.EncodeToString(encoded), nil
}

func Unpack(raw string) (State, error) {
	version, payload, found := strings.Cut(raw, ".")
	if !found || version != stateVersion || payload == "" {
		return State{}, ErrMalformedState
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return State{}, ErrMalformedState
	}

	var state State
	if err := json.Unmarshal(decoded, &state); err != nil {
		return State{}, ErrMalformedState
	}
	if state.Nonce == "" || state.Provider == "" {
		return State{}, ErrMalformedState
	}

	return state, nil
}

// NewNonce returns 256 bits of cryptographically secure randomness.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
