package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifierAcceptsIssuedToken(t *testing.T) {
	token, err := IssueToken("secret", "user-a", time.Minute)
	require.NoError(t, err)

	v := NewJWTVerifier("secret")
	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.UserID)

	id, err = v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.UserID)
}

func TestJWTVerifierRejects(t *testing.T) {
	v := NewJWTVerifier("secret")

	wrongSecret, _ := IssueToken("other", "user-a", time.Minute)
	expired, _ := IssueToken("secret", "user-a", -time.Minute)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("secret"))
	wrongAlg, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "user-a"}).SignedString([]byte("secret"))

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": wrongSecret,
		"expired":      expired,
		"no subject":   noSubject,
		"wrong alg":    wrongAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestStripBearer(t *testing.T) {
	assert.Equal(t, "abc", StripBearer("Bearer abc"))
	assert.Equal(t, "abc", StripBearer("bearer  abc"))
	assert.Equal(t, "abc", StripBearer("abc"))
	assert.Equal(t, "", StripBearer("  "))
}
