package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"oyamarket/crypto"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func callerEcho(t *testing.T, seen *[20]byte, found *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen, *found = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorResolvesSubject(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "oyad", Audience: "oya-api"}
	auth := NewAuthenticator(cfg, nil)

	var subject [20]byte
	subject[0] = 0xaa
	token, err := IssueToken(cfg, subject, time.Minute, time.Now())
	require.NoError(t, err)

	var seen [20]byte
	var found bool
	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	auth.Middleware(callerEcho(t, &seen, &found)).ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, found)
	require.Equal(t, subject, seen)
}

func TestAuthenticatorAllowsAnonymousReads(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	var seen [20]byte
	var found bool
	res := httptest.NewRecorder()
	auth.Middleware(callerEcho(t, &seen, &found)).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.False(t, found)
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "oyad"}
	auth := NewAuthenticator(cfg, nil)
	var subject [20]byte
	subject[0] = 1

	wrongSecret, err := IssueToken(AuthConfig{HMACSecret: "another-secret-another-secret-xx", Issuer: "oyad"}, subject, time.Minute, time.Now())
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(AuthConfig{HMACSecret: testSecret, Issuer: "elsewhere"}, subject, time.Minute, time.Now())
	require.NoError(t, err)
	expired, err := IssueToken(cfg, subject, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "oyad",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": wrongSecret,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
		"garbage":      "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			var seen [20]byte
			var found bool
			req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			res := httptest.NewRecorder()
			auth.Middleware(callerEcho(t, &seen, &found)).ServeHTTP(res, req)
			require.Equal(t, http.StatusUnauthorized, res.Code)
			require.False(t, found)
		})
	}
}

func TestAuthenticatorDisabledUsesCallerHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	var subject [20]byte
	subject[19] = 7

	var seen [20]byte
	var found bool
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	req.Header.Set(DefaultCallerHeader, crypto.FormatAddress(subject))
	res := httptest.NewRecorder()
	auth.Middleware(callerEcho(t, &seen, &found)).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, found)
	require.Equal(t, subject, seen)

	bad := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	bad.Header.Set(DefaultCallerHeader, "oya1notanaddress")
	res = httptest.NewRecorder()
	auth.Middleware(callerEcho(t, &seen, &found)).ServeHTTP(res, bad)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRequireCaller(t *testing.T) {
	handler := RequireCaller(okHandler())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/orders", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	var caller [20]byte
	caller[0] = 9
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	req = req.WithContext(WithCaller(req.Context(), caller))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}
