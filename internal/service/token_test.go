package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	tokens := NewTokenManager("secret", time.Minute)
	userID := uuid.New()

	raw, exp, err := tokens.GenerateAccess(userID, valueobject.RoleArbiter)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	gotID, role, err := tokens.ParseAccess(raw)
	require.NoError(t, err)
	assert.Equal(t, userID, gotID)
	assert.Equal(t, valueobject.RoleArbiter, role)
}

func TestTokenManager_RejectsForeignSecret(t *testing.T) {
	issuer := NewTokenManager("one", time.Minute)
	verifier := NewTokenManager("two", time.Minute)

	raw, _, err := issuer.GenerateAccess(uuid.New(), valueobject.RoleBuyer)
	require.NoError(t, err)

	_, _, err = verifier.ParseAccess(raw)
	assert.Error(t, err)
}

func TestTokenManager_RejectsExpired(t *testing.T) {
	tokens := NewTokenManager("secret", -time.Minute)

	raw, _, err := tokens.GenerateAccess(uuid.New(), valueobject.RoleSeller)
	require.NoError(t, err)

	_, _, err = tokens.ParseAccess(raw)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokenManager_RejectsUnknownRole(t *testing.T) {
	secret := []byte("secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  uuid.NewString(),
		"role": "admin",
		"exp":  time.Now().Add(time.Minute).Unix(),
	})
	raw, err := token.SignedString(secret)
	require.NoError(t, err)

	_, _, err = NewTokenManager("secret", time.Minute).ParseAccess(raw)
	assert.ErrorIs(t, err, ErrUnknownRole)
}
