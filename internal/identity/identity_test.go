package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, key []byte, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return token
}

func validClaims(sub string) Claims {
	return Claims{
		Name:      "Sam",
		AvatarURL: "https://cdn.example.com/sam.png",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestIdentityUsername(t *testing.T) {
	assert.Equal(t, AnonymousName, Anonymous{}.Username())
	assert.Equal(t, "guest42", Anonymous{Nickname: "guest42"}.Username())
	assert.Equal(t, "Sam", Authenticated{UserID: "u1", Name: "Sam"}.Username())
	assert.Equal(t, AnonymousName, Authenticated{UserID: "u1"}.Username())

	id, ok := UserID(Authenticated{UserID: "u1"})
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, ok = UserID(Anonymous{})
	assert.False(t, ok)

	assert.True(t, IsAnonymous(Anonymous{}))
	assert.False(t, IsAnonymous(Authenticated{UserID: "u1"}))
}

func TestResolver_Verify(t *testing.T) {
	r := NewResolver(testKey)

	t.Run("valid token", func(t *testing.T) {
		claims, err := r.Verify(signToken(t, testKey, jwt.SigningMethodHS256, validClaims("user-1")))
		require.NoError(t, err)
		require.NotNil(t, claims)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, "Sam", claims.Name)
	})

	t.Run("empty token", func(t *testing.T) {
		claims, err := r.Verify("")
		assert.NoError(t, err)
		assert.Nil(t, claims)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := r.Verify(signToken(t, []byte("other-key"), jwt.SigningMethodHS256, validClaims("user-1")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		_, err := r.Verify(signToken(t, testKey, jwt.SigningMethodHS512, validClaims("user-1")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := validClaims("user-1")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := r.Verify(signToken(t, testKey, jwt.SigningMethodHS256, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := r.Verify(signToken(t, testKey, jwt.SigningMethodHS256, validClaims("")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no signing key", func(t *testing.T) {
		claims, err := NewResolver(nil).Verify("anything")
		assert.NoError(t, err)
		assert.Nil(t, claims)
	})
}

func TestResolver_Resolve(t *testing.T) {
	verified := &Claims{Name: "Sam", AvatarURL: "a.png", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}

	tcases := []struct {
		name     string
		key      []byte
		verified *Claims
		claimed  *Claimed
		expected Identity
	}{
		{
			name:     "verified with matching claimed profile",
			key:      testKey,
			verified: verified,
			claimed:  &Claimed{ID: "user-1", Username: "  Sammy ", AvatarURL: "b.png"},
			expected: Authenticated{UserID: "user-1", Name: "Sammy", AvatarURL: "b.png"},
		},
		{
			name:     "verified without claimed profile",
			key:      testKey,
			verified: verified,
			expected: Authenticated{UserID: "user-1", Name: "Sam", AvatarURL: "a.png"},
		},
		{
			name:     "verified ignores mismatched profile",
			key:      testKey,
			verified: verified,
			claimed:  &Claimed{ID: "user-2", Username: "Impostor", AvatarURL: "x.png"},
			expected: Authenticated{UserID: "user-1", Name: "Sam", AvatarURL: "a.png"},
		},
		{
			name:     "unverified with signing key is anonymous",
			key:      testKey,
			claimed:  &Claimed{ID: "user-1", Username: "Sam"},
			expected: Anonymous{Nickname: "Sam"},
		},
		{
			name:     "trusted client profile",
			claimed:  &Claimed{ID: "user-9", Username: "Riley", AvatarURL: "r.png"},
			expected: Authenticated{UserID: "user-9", Name: "Riley", AvatarURL: "r.png"},
		},
		{
			name:     "trusted client without id is anonymous",
			claimed:  &Claimed{Username: "guest"},
			expected: Anonymous{Nickname: "guest"},
		},
		{
			name:     "nothing supplied",
			expected: Anonymous{},
		},
		{
			name:     "long username truncated",
			claimed:  &Claimed{Username: strings.Repeat("a", MaxUsernameLength+10)},
			expected: Anonymous{Nickname: strings.Repeat("a", MaxUsernameLength)},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResolver(tc.key)
			assert.Equal(t, tc.expected, r.Resolve(tc.verified, tc.claimed))
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		req.AddCookie(&http.Cookie{Name: "token", Value: "cookie"})
		req.Header.Set("Authorization", "Bearer header")
		assert.Equal(t, "cookie", TokenFromRequest(req))
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		req.Header.Set("Authorization", "Bearer header")
		assert.Equal(t, "header", TokenFromRequest(req))
	})

	t.Run("query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		assert.Equal(t, "query", TokenFromRequest(req))
	})

	t.Run("none", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.Empty(t, TokenFromRequest(req))
	})
}
