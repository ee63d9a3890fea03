package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken_RoundTrip(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.RegisterAPICredentials(TestOperatorKey, TestOperatorSecret, RoleOperator)

	token, err := s.GenerateToken(Credentials{APIKey: TestOperatorKey, APISecret: TestOperatorSecret})
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, token.Role)

	claims, err := s.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, TestOperatorKey, claims.ClientID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Contains(t, claims.Permissions, "approve")
}

func TestGenerateToken_RejectsBadCredentials(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.RegisterAPICredentials(TestAPIKey, TestAPISecret, RoleClient)

	_, err := s.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.GenerateToken(Credentials{APIKey: "unknown", APISecret: TestAPISecret})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_RejectsExpiredAndForeignTokens(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.RegisterAPICredentials(TestAPIKey, TestAPISecret, RoleClient)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	expired, err := s.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)
	_, err = s.ValidateToken(expired.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewService("other-secret", time.Hour)
	other.RegisterAPICredentials(TestAPIKey, TestAPISecret, RoleClient)
	foreign, err := other.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)
	_, err = s.ValidateToken(foreign.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
