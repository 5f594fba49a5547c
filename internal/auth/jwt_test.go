package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "segredo-de-teste-com-mais-de-32-caracteres"

func TestParseAndValidateRoundTrip(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute).WithAudience("geosync")
	user := uuid.New()

	tok, jti, err := m.GenerateAccessToken(user.String(), "geosync", []string{"LBAC_ADMIN"})
	require.NoError(t, err)
	require.NotEmpty(t, jti)

	claims, err := m.ParseAndValidate(tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"LBAC_ADMIN"}, claims.Roles)
	assert.Equal(t, jti, claims.ID)

	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, user, id)
}

func TestParseAndValidateRejectsWrongAudience(t *testing.T) {
	issuer := NewJWTManager(testSecret, time.Minute)
	tok, _, err := issuer.GenerateAccessToken(uuid.NewString(), "outro-sistema", nil)
	require.NoError(t, err)

	_, err = NewJWTManager(testSecret, time.Minute).WithAudience("geosync").ParseAndValidate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseAndValidateRejectsForeignSignatureAndExpiry(t *testing.T) {
	other := NewJWTManager("outro-segredo-com-mais-de-32-caracteres!!", time.Minute)
	tok, _, err := other.GenerateAccessToken(uuid.NewString(), "geosync", nil)
	require.NoError(t, err)

	_, err = NewJWTManager(testSecret, time.Minute).ParseAndValidate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewJWTManager(testSecret, -time.Hour)
	tok, _, err = expired.GenerateAccessToken(uuid.NewString(), "geosync", nil)
	require.NoError(t, err)
	_, err = expired.ParseAndValidate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaimsUserIDRejectsNonUUID(t *testing.T) {
	c := &Claims{}
	c.Subject = "surveyor@example.org"
	_, err := c.UserID()
	assert.ErrorIs(t, err, ErrInvalidToken)
}
