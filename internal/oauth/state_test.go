package oauth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePackUnpack_RoundTrip(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	original := State{
		Nonce:             nonce,
		CallbackURL:       "https://api.example.com/auth/callback/github",
		ClientRedirectURL: "https://app.example.com/auth/complete?tab=settings&x=a.b.c",
		Provider:          "github",
	}

	packed, err := Pack(original)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(packed, "v1."))

	got, err := Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestStateUnpack_HostileURLCharacters(t *testing.T) {
	// URLs containing the version separator, percent escapes and base64
	// alphabet characters must survive the round trip untouched.
	original := State{
		Nonce:             "abc123",
		CallbackURL:       "https://api.example.com/cb?next=%2Fhome%3Fa%3Db&v=1.2.3",
		ClientRedirectURL: "https://app.example.com/done#frag.ment",
		Provider:          "google",
	}

	packed, err := Pack(original)
	require.NoError(t, err)

	got, err := Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestStateUnpack_EmptyOptionalFields(t *testing.T) {
	packed, err := Pack(State{Nonce: "n", Provider: "github"})
	require.NoError(t, err)

	got, err := Unpack(packed)
	require.NoError(t, err)
	assert.Empty(t, got.CallbackURL)
	assert.Empty(t, got.ClientRedirectURL)
}

func TestStateUnpack_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":              "",
		"no separator":       "v1",
		"unknown version":    "v2.eyJuIjoieCJ9",
		"empty payload":      "v1.",
		"invalid base64":     "v1.!!!!",
		"not json":           "v1.bm90LWpzb24",
		"missing nonce":      "v1.eyJwIjoiZ2l0aHViIn0",
		"plain provider":     "github",
		"legacy pipe format": "nonce|https://cb|https://cr|github",
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unpack(raw)
			assert.ErrorIs(t, err, ErrMalformedState)
		})
	}
}

func TestStateUnpack_MissingProvider(t *testing.T) {
	packed, err := Pack(State{Nonce: "n"})
	require.NoError(t, err)

	_, err = Unpack(packed)
	assert.ErrorIs(t, err, ErrMalformedState)
}

func TestNewNonce_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		nonce, err := NewNonce()
		require.NoError(t, err)
		require.False(t, seen[nonce])
		seen[nonce] = true
	}
}
