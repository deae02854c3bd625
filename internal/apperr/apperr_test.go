package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(Validation, "create_recipe", "Dataset %s does not exist.", "ds-nope")
	assert.Equal(t, "create_recipe: Dataset ds-nope does not exist.", err.Error())
	assert.Equal(t, "Dataset ds-nope does not exist.", MessageOf(err))

	bare := &Error{Kind: IO, Message: "disk full"}
	assert.Equal(t, "disk full", bare.Error())
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(NotFound, "", "recipe r1 not found")
	wrapped := Wrap(IO, "read_recipe", fmt.Errorf("lookup: %w", inner))

	assert.Equal(t, NotFound, wrapped.Kind)
	assert.Equal(t, "read_recipe", wrapped.Op)
	assert.Equal(t, "recipe r1 not found", wrapped.Message)
}

func TestWrapPlainError(t *testing.T) {
	cause := errors.New("permission denied")
	wrapped := Wrap(IO, "list_recipes", cause)

	require.NotNil(t, wrapped)
	assert.Equal(t, IO, wrapped.Kind)
	assert.ErrorIs(t, wrapped, cause)
	assert.Nil(t, Wrap(IO, "noop", nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Conflict, KindOf(fmt.Errorf("ctx: %w", New(Conflict, "run", "busy"))))
	assert.Equal(t, Invariant, KindOf(errors.New("unexpected")))
	assert.True(t, Is(New(Backend, "run", "boom"), Backend))
	assert.False(t, Is(nil, Backend))
}

func TestAdapterMappings(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
		exit   int
	}{
		{Validation, http.StatusBadRequest, ExitFailure},
		{NotFound, http.StatusNotFound, ExitFailure},
		{Conflict, http.StatusConflict, ExitFailure},
		{Invariant, http.StatusInternalServerError, ExitFailure},
		{Backend, http.StatusInternalServerError, ExitBackend},
		{IO, http.StatusInternalServerError, ExitFailure},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatus(tc.kind))
			assert.Equal(t, tc.exit, ExitCode(tc.kind))
		})
	}
}
