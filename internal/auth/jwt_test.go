package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	tok, err := v.Issue("driver-1", models.RoleDriver, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "driver-1", Role: models.RoleDriver}, id)
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	other := NewJWTVerifier("other")
	wrongKey, err := other.Issue("rider-1", models.RoleRider, time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("rider-1", models.RoleRider, -time.Minute)
	require.NoError(t, err)
	noRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "rider-1"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: models.RoleRider}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":     "",
		"garbage":   "abc.def.ghi",
		"wrong key": wrongKey,
		"expired":   expired,
		"no role":   noRole,
		"alg none":  none,
	} {
		_, err := v.Verify(tok)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized, name)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "Bearer h", TokenFromRequest(r))
}
