package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/honeyshield/internal/domain"
)

// BaseValidator проверяет операторские токены: только RS256, exp обязателен, operator_id не пустой.
type BaseValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

type ValidatorOption func(*validatorSettings)

type validatorSettings struct {
	issuer string
	leeway time.Duration
}

// WithIssuer требует совпадения iss.
func WithIssuer(iss string) ValidatorOption {
	return func(s *validatorSettings) { s.issuer = iss }
}

// WithLeeway — допуск на расхождение часов при проверке exp/nbf.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(s *validatorSettings) { s.leeway = d }
}

func NewBaseValidator(pubKey *rsa.PublicKey, opts ...ValidatorOption) *BaseValidator {
	set := validatorSettings{leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(&set)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(set.leeway),
	}
	if set.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(set.issuer))
	}
	return &BaseValidator{publicKey: pubKey, parser: jwt.NewParser(parserOpts...)}
}

// VerifyToken принимает токен с префиксом "Bearer " или без него.
func (v *BaseValidator) VerifyToken(raw string) (*domain.CustomClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("invalid token: empty")
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.OperatorID == "" {
		return nil, fmt.Errorf("invalid token: operator_id is missing")
	}
	return claims, nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// LoadPublicKey берет PEM из конфигурации или из файла.
func LoadPublicKey(pem, path string) (*rsa.PublicKey, error) {
	data := []byte(pem)
	if len(data) == 0 && path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read public key %s: %w", path, err)
		}
	}
	return ParseRSAPublicKey(data)
}
