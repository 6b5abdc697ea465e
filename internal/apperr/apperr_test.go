package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"network", Network("fetch", errors.New("refused")), KindNetwork},
		{"wrapped auth", fmt.Errorf("outer: %w", Auth("token", "expired")), KindAuth},
		{"deadline", fmt.Errorf("page: %w", context.DeadlineExceeded), KindNetwork},
		{"plain", errors.New("boom"), KindUnknown},
		{"batch", Batch("delete", "stopped", nil, nil), KindBatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("sync: %w", RateLimited("calendar", errors.New("429")))
	assert.ErrorIs(t, err, &Error{Kind: KindRateLimit})
	assert.NotErrorIs(t, err, &Error{Kind: KindAuth})
	assert.True(t, IsKind(err, KindRateLimit))
}

func TestErrorMessage(t *testing.T) {
	err := Validation("put budget", map[string]string{"spent": "must be 0 or more", "amount": "is required"})
	assert.Equal(t, "put budget: ValidationError: invalid input (amount: is required, spent: must be 0 or more)", err.Error())

	err = Database("mirror upsert", errors.New("disk full"))
	assert.Equal(t, "mirror upsert: DatabaseError: disk full", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "disk full")
}

func TestBatchCopiesSucceededIDs(t *testing.T) {
	ids := []string{"a", "b"}
	err := Batch("delete", "stopped at c", ids, errors.New("gone"))
	ids[0] = "changed"
	assert.Equal(t, []string{"a", "b"}, err.SucceededIDs)
}

func TestValidationFromValidator(t *testing.T) {
	type payload struct {
		Email string `validate:"required,email"`
		Count int    `validate:"gte=1"`
	}
	v := validator.New()

	err := ValidationFromValidator("share", v.Struct(payload{Email: "nope"}))
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindValidation, ae.Kind)
	assert.Equal(t, "must be a valid email address", ae.Fields["payload.Email"])
	assert.Equal(t, "must be 1 or more", ae.Fields["payload.Count"])

	assert.NoError(t, ValidationFromValidator("share", nil))
	assert.True(t, IsKind(ValidationFromValidator("share", errors.New("odd")), KindUnknown))
}
