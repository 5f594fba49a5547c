package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken cobre assinatura, expiração, audiência e subject inválidos.
var ErrInvalidToken = errors.New("token inválido")

// clockSkew tolera relógios de aparelhos de campo levemente adiantados.
const clockSkew = 30 * time.Second

// Claims representa o token de acesso emitido pelo provedor de identidade
// municipal. O subject é o UUID do usuário.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// UserID devolve o subject como UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject %q", ErrInvalidToken, c.Subject)
	}
	return id, nil
}

// JWTManager valida tokens HS256. A emissão existe para ferramentas e testes;
// em produção os tokens chegam do provedor de identidade.
type JWTManager struct {
	secret    []byte
	accessTTL time.Duration
	audience  string
}

// NewJWTManager cria o gerenciador com segredo e TTL configurados.
func NewJWTManager(secret string, accessTTL time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), accessTTL: accessTTL}
}

// WithAudience exige a audiência informada nos tokens validados.
func (m *JWTManager) WithAudience(audience string) *JWTManager {
	m.audience = audience
	return m
}

// GenerateAccessToken cria um JWT HS256 e devolve também o jti.
func (m *JWTManager) GenerateAccessToken(subject, audience string, roles []string) (string, string, error) {
	now := time.Now().UTC()
	jti := uuid.NewString()

	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// ParseAndValidate verifica assinatura, expiração e, se configurada, audiência.
func (m *JWTManager) ParseAndValidate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
