package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappedSentinelStillMatches(t *testing.T) {
	err := fmt.Errorf("accept: %w", Wrap(ErrAlreadyMatched, "ride %s", "r1"))
	assert.ErrorIs(t, err, ErrAlreadyMatched)
	assert.NotErrorIs(t, err, ErrDriverUnavailable)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "already_matched", CodeOf(err))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validationf("bad lat"), http.StatusBadRequest},
		{ErrRideNotFound, http.StatusNotFound},
		{ErrDuplicateActiveRide, http.StatusConflict},
		{ErrUnauthorized, http.StatusForbidden},
		{ErrNoDriversAvailable, http.StatusServiceUnavailable},
		{Dependency("get ride", errors.New("conn reset")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), c.err.Error())
	}
}

func TestDependencyKeepsDomainErrors(t *testing.T) {
	assert.Nil(t, Dependency("op", nil))
	err := Dependency("op", ErrRideNotFound)
	assert.ErrorIs(t, err, ErrRideNotFound)
	assert.True(t, ClientError(err))
	assert.False(t, ClientError(Dependency("op", errors.New("io"))))
}

func TestClientErrorKinds(t *testing.T) {
	for _, err := range []error{ErrAlreadyMatched, ErrRideNotFound, ErrUnauthorized, ErrNoDriversAvailable, Validationf("bad")} {
		assert.True(t, ClientError(err), err.Error())
	}
	assert.False(t, ClientError(errors.New("boom")))
	assert.False(t, ClientError(Dependency("op", errors.New("io"))))
}
