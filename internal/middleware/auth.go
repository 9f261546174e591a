package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"expense-reconciliation-backend/internal/logging"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	DefaultTokenExpiry  = 24 * time.Hour
)

// JWTManager issues and validates HS256 tokens whose subject is the user id.
type JWTManager struct {
	secretKey   []byte
	issuer      string
	tokenExpiry time.Duration
	now         func() time.Time
}

func NewJWTManager(secretKey, issuer string, tokenExpiry time.Duration) *JWTManager {
	if tokenExpiry == 0 {
		tokenExpiry = DefaultTokenExpiry
	}
	return &JWTManager{
		secretKey:   []byte(secretKey),
		issuer:      issuer,
		tokenExpiry: tokenExpiry,
		now:         time.Now,
	}
}

// GenerateToken is used by the CLI and tests; end-user login lives elsewhere.
func (m *JWTManager) GenerateToken(userID string) (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
}

// ValidateToken returns the user id carried by a valid token.
func (m *JWTManager) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// JWTMiddleware rejects requests without a valid bearer token and stores
// the caller's user id in the gin context.
func JWTMiddleware(m *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(AuthorizationHeader)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}
		if !strings.HasPrefix(header, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		userID, err := m.ValidateToken(strings.TrimPrefix(header, BearerPrefix))
		if err != nil {
			message := "invalid token"
			if errors.Is(err, ErrTokenExpired) {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		c.Set(logging.UserIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated caller set by JWTMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(logging.UserIDKey)
}
