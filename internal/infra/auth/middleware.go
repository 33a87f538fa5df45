package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/xela07ax/honeyshield/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TokenValidator — проверка токена для HTTP и gRPC входа
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

// ClaimsFromContext достает проверенные claims, положенные middleware.
func ClaimsFromContext(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c, ok
}

func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				challenge(w, "missing bearer token")
				return
			}

			claims, err := v.VerifyToken(header)
			if err != nil {
				logger.Warn("operator token rejected",
					zap.String("remote", r.RemoteAddr),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				challenge(w, "invalid bearer token")
				return
			}

			logger.Debug("operator authenticated",
				zap.String("operator", claims.OperatorID),
				zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func challenge(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="honeyshield"`)
	writeAuthError(w, http.StatusUnauthorized, msg)
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RequireScope пропускает запрос только с нужным правом. Без claims в контексте (auth выключен) — пропускает.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, ok := ClaimsFromContext(r.Context()); ok && !c.HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "scope "+scope+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryInterceptor проверяет токен в метаданных gRPC вызова
func UnaryInterceptor(v TokenValidator, scope string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// 1. Метаданные
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 || strings.TrimSpace(tokens[0]) == "" {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}
		if scope != "" && !claims.HasScope(scope) {
			return nil, status.Errorf(codes.PermissionDenied, "scope %s required", scope)
		}

		return handler(WithClaims(ctx, claims), req)
	}
}
