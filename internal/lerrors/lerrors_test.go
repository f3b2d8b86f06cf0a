package lerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndDetailNoCause(t *testing.T) {
	err := New(Validation, "missing field name")
	require.Equal(t, Validation, err.Kind)
	require.Nil(t, err.Cause())
	require.Contains(t, err.Error(), "missing field name")
}

func TestWrapPreservesCause(t *testing.T) {
	root := errors.New("disk full")
	err := Wrap(IO, "append segment", root)
	require.Equal(t, IO, err.Kind)
	require.ErrorIs(t, err, root)
	require.Contains(t, err.Error(), "disk full")
}

func TestWrapNilCauseBehavesLikeNew(t *testing.T) {
	err := Wrap(Conflict, "version mismatch", nil)
	require.Nil(t, err.cause)
}

func TestIsMatchesWrappedKind(t *testing.T) {
	err := Wrap(Timeout, "quorum not reached", errors.New("deadline exceeded"))
	require.True(t, Is(err, Timeout))
	require.False(t, Is(err, Overloaded))
}

func TestIsFalseForUnclassifiedError(t *testing.T) {
	require.False(t, Is(errors.New("plain error"), IO))
}

func TestIsFalseForNilError(t *testing.T) {
	require.False(t, Is(nil, IO))
}
