package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestStaticAuthenticator(t *testing.T) {
	secret := []byte("shared-secret")
	a := &Static{Secret: secret}

	token := signHS256(t, secret, jwt.MapClaims{
		"sub":   "user-1",
		"name":  "Test User",
		"email": "test@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	principal, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "oidc~user-1", principal.Subject)
	require.Equal(t, "Test User", principal.Name)
	require.Equal(t, "human", principal.Kind)
}

func TestStaticAuthenticatorPrefersOid(t *testing.T) {
	secret := []byte("s")
	a := &Static{Secret: secret}
	token := signHS256(t, secret, jwt.MapClaims{
		"sub": "subject",
		"oid": "object-id",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	principal, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "oidc~object-id", principal.Subject)
	require.Equal(t, "application", principal.Kind)
}

func TestStaticAuthenticatorRejectsBadSignature(t *testing.T) {
	a := &Static{Secret: []byte("right")}
	token := signHS256(t, []byte("wrong"), jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err := a.Authenticate(context.Background(), token)
	require.Error(t, err)
}

func TestRolesFromClaims(t *testing.T) {
	claims := jwt.MapClaims{
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"admin", "reader"},
		},
		"flat": "a, b,c",
	}

	require.Equal(t, []string{"admin", "reader"}, rolesFromClaims(claims, "realm_access.roles"))
	require.Equal(t, []string{"a", "b", "c"}, rolesFromClaims(claims, "flat"))
	require.Nil(t, rolesFromClaims(claims, "missing.path"))
	require.Nil(t, rolesFromClaims(claims, ""))
}

func TestSubjectFromClaims(t *testing.T) {
	_, err := subjectFromClaims(jwt.MapClaims{}, "")
	require.Error(t, err)

	got, err := subjectFromClaims(jwt.MapClaims{"custom": "id-1"}, "custom")
	require.NoError(t, err)
	require.Equal(t, "id-1", got)

	_, err = subjectFromClaims(jwt.MapClaims{"sub": "x"}, "custom")
	require.Error(t, err, "configured claim missing must fail, not fall back")
}

func TestChainOrdering(t *testing.T) {
	secret := []byte("k")
	chain := NewChain(nil, &Static{Secret: secret})
	token := signHS256(t, secret, jwt.MapClaims{
		"sub": "u",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	principal, err := chain.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "oidc~u", principal.Subject)

	_, err = chain.Authenticate(context.Background(), "not-a-jwt")
	require.Error(t, err)
}
