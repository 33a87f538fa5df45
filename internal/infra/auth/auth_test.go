package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/honeyshield/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func signed(t *testing.T, key *rsa.PrivateKey, scopes map[string]bool, ttl time.Duration) string {
	t.Helper()
	claims := &domain.CustomClaims{
		OperatorID: "op-1",
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestVerifyToken(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)

	claims, err := v.VerifyToken("Bearer " + signed(t, key, map[string]bool{"read": true}, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.OperatorID)
	assert.True(t, claims.HasScope(domain.ScopeRead))
	assert.False(t, claims.HasScope(domain.ScopeRespond))

	_, err = v.VerifyToken(signed(t, key, nil, -time.Minute))
	assert.Error(t, err, "expired")

	_, err = v.VerifyToken(signed(t, newKey(t), nil, time.Hour))
	assert.Error(t, err, "foreign key")

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &domain.CustomClaims{OperatorID: "op-1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.VerifyToken(hs)
	assert.Error(t, err, "hmac is not accepted")

	anon, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &domain.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(key)
	require.NoError(t, err)
	_, err = v.VerifyToken(anon)
	assert.Error(t, err, "operator id required")
}

func TestVerifyToken_Issuer(t *testing.T) {
	key := newKey(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &domain.CustomClaims{
		OperatorID: "op-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "soc-console",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(key)
	require.NoError(t, err)

	_, err = NewBaseValidator(&key.PublicKey, WithIssuer("soc-console")).VerifyToken(tok)
	assert.NoError(t, err)
	_, err = NewBaseValidator(&key.PublicKey, WithIssuer("someone-else")).VerifyToken(tok)
	assert.Error(t, err)
}

func TestMiddlewareAndScope(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)
	h := NewMiddleware(v, zap.NewNop())(RequireScope(domain.ScopeRespond)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := ClaimsFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, "op-1", c.OperatorID)
			w.WriteHeader(http.StatusNoContent)
		})))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"no scope", "Bearer " + signed(t, key, map[string]bool{"read": true}, time.Hour), http.StatusForbidden},
		{"scope", "Bearer " + signed(t, key, map[string]bool{"actions.write": true}, time.Hour), http.StatusNoContent},
		{"admin", "Bearer " + signed(t, key, map[string]bool{"admin": true}, time.Hour), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/actions/x/revert", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestUnaryInterceptor(t *testing.T) {
	key := newKey(t)
	icpt := UnaryInterceptor(NewBaseValidator(&key.PublicKey), domain.ScopeIngest, zap.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/honeyshield.ingest.v1.Ingest/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		_, ok := ClaimsFromContext(ctx)
		return ok, nil
	}

	_, err := icpt(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+signed(t, key, map[string]bool{"read": true}, time.Hour)))
	_, err = icpt(ctx, nil, info, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	ctx = metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+signed(t, key, map[string]bool{"events.write": true}, time.Hour)))
	out, err := icpt(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestMiddleware_Challenge(t *testing.T) {
	h := NewMiddleware(NewBaseValidator(&newKey(t).PublicKey), zap.NewNop())(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/profiles", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.JSONEq(t, `{"error":"missing bearer token"}`, rec.Body.String())
}
