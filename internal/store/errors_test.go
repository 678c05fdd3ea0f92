package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"fedstate/internal/federation"
	"fedstate/internal/store/backend"
)

func TestErrorKinds(t *testing.T) {
	nf := notFound("get_subcluster", "SC1")
	ae := alreadyExists("add_application", "application_1_0001")
	cause := errors.New("connection reset")
	fl := failure("set_policy", "root.a", cause)

	assert.Equal(t, "store: get_subcluster SC1: does not exist", nf.Error())
	assert.Equal(t, "store: add_application application_1_0001: already exists", ae.Error())
	assert.Equal(t, "store: set_policy root.a: failed: connection reset", fl.Error())
	assert.Equal(t, "store: ping: failed: connection reset", failure("ping", "", cause).Error())

	assert.True(t, IsNotFound(nf))
	assert.False(t, IsNotFound(ae))
	assert.True(t, IsAlreadyExists(ae))
	assert.ErrorIs(t, fl, ErrFailure)
	assert.ErrorIs(t, fl, cause, "failure wraps its cause")
	assert.NotErrorIs(t, nf, ErrFailure)

	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("wrapped: %w", nf)))
	assert.Equal(t, KindFailure, KindOf(cause))
	assert.Equal(t, "already_exists", KindOf(ae).String())
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate("op", "k", nil))
	assert.True(t, IsNotFound(translate("op", "k", fmt.Errorf("x: %w", backend.ErrNoRecord))))
	assert.True(t, IsAlreadyExists(translate("op", "k", backend.ErrRecordExists)))

	err := translate("op", "k", backend.ErrClosed)
	assert.Equal(t, KindFailure, KindOf(err))
	assert.ErrorIs(t, err, backend.ErrClosed)

	// already translated errors pass through untouched
	nf := notFound("first", "k")
	assert.Same(t, nf, translate("second", "k", nf))
}

func TestInvalidInputIsFailure(t *testing.T) {
	err := invalid("register_subcluster", "", fmt.Errorf("%w: missing id", federation.ErrInvalid))
	assert.Equal(t, KindFailure, KindOf(err))
	assert.True(t, IsInvalid(err))
}
