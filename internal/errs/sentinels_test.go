package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_WrapsAndMatches(t *testing.T) {
	t.Parallel()

	require.NoError(t, Store("titles.list", "", nil))

	cause := errors.New("conn reset")
	err := Store("snapshots.upsert", "user_a_manual_1", cause)
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "snapshots.upsert")
	require.Contains(t, err.Error(), "user_a_manual_1")

	var se *StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "snapshots.upsert", se.Op)
}

func TestValidationAndPermission(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Validation("empty label"), ErrValidation)
	err := Permission("user_b_manual_1", "foreign namespace")
	require.ErrorIs(t, err, ErrPermission)
	require.Contains(t, err.Error(), "user_b_manual_1")
}
