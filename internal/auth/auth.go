package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-automation/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	RoleClient   = "client"
	RoleOperator = "operator"
)

// Demo credentials registered by the server outside production
var (
	TestAPIKey         = "test-api-key"
	TestAPISecret      = "test-api-secret"
	TestOperatorKey    = "test-operator-key"
	TestOperatorSecret = "test-operator-secret"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	Role       string    `json:"role"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type account struct {
	secret string
	role   string
}

// Service issues and validates tokens for clients and operators
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	// In a real deployment credentials live in a secrets store
	accounts map[string]account
	now      func() time.Time
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		accounts:  make(map[string]account),
		now:       time.Now,
	}
}

func permissionsFor(role string) []string {
	if role == RoleOperator {
		return []string{"automation", "approve"}
	}
	return []string{"automation"}
}

// GenerateToken generates a JWT token for valid API credentials.
// The API key doubles as the client or operator ID.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	acct, ok := s.accounts[creds.APIKey]
	if !ok || acct.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.APIKey,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Role:        acct.role,
		Permissions: permissionsFor(acct.role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Role:       acct.role,
	}, nil
}

// ValidateToken verifies the token signature and expiry and returns its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RegisterAPICredentials registers credentials for a client or operator
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, role string) {
	s.accounts[apiKey] = account{secret: apiSecret, role: role}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
