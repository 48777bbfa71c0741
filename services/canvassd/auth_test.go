package canvassd

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestTokenVerifierChecksIssuerAndAudience(t *testing.T) {
	verifier, err := NewTokenVerifier(AuthConfig{JWTSecret: "secret", Issuer: "canvassing", Audience: "participants"}, nil)
	require.NoError(t, err)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	good := signToken(t, "secret", jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "auth-1", Issuer: "canvassing", Audience: jwt.ClaimStrings{"participants"}, ExpiresAt: exp,
	})
	subject, err := verifier.Verify(good)
	require.NoError(t, err)
	require.Equal(t, "auth-1", subject)

	wrongIssuer := signToken(t, "secret", jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "auth-1", Issuer: "elsewhere", Audience: jwt.ClaimStrings{"participants"}, ExpiresAt: exp,
	})
	_, err = verifier.Verify(wrongIssuer)
	require.Error(t, err)

	noExpiry := signToken(t, "secret", jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "auth-1", Issuer: "canvassing", Audience: jwt.ClaimStrings{"participants"},
	})
	_, err = verifier.Verify(noExpiry)
	require.Error(t, err)

	wrongAlg := signToken(t, "secret", jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject: "auth-1", Issuer: "canvassing", Audience: jwt.ClaimStrings{"participants"}, ExpiresAt: exp,
	})
	_, err = verifier.Verify(wrongAlg)
	require.Error(t, err)

	noSubject := signToken(t, "secret", jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "canvassing", Audience: jwt.ClaimStrings{"participants"}, ExpiresAt: exp,
	})
	_, err = verifier.Verify(noSubject)
	require.Error(t, err)
}

func TestTokenVerifierRequiresSecret(t *testing.T) {
	_, err := NewTokenVerifier(AuthConfig{}, nil)
	require.Error(t, err)
	_, err = NewAdminAuthenticator(" ")
	require.Error(t, err)
}

func TestParseBearerToken(t *testing.T) {
	require.Equal(t, "abc", parseBearerToken("Bearer abc"))
	require.Equal(t, "abc", parseBearerToken("bearer  abc "))
	require.Empty(t, parseBearerToken("Basic abc"))
	require.Empty(t, parseBearerToken("abc"))
	require.Empty(t, parseBearerToken(""))
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.allow("10.0.0.1"))
	require.True(t, limiter.allow("10.0.0.1"))
	require.False(t, limiter.allow("10.0.0.1"))
	require.True(t, limiter.allow("10.0.0.2"))
}
