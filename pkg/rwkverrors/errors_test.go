package rwkverrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationError_IncludesFieldWhenSet(t *testing.T) {
	err := NewValidationError("max_batch_count", errors.New("must be positive"))
	require.Equal(t, "max_batch_count: must be positive", err.Error())
}

func TestValidationError_OmitsFieldWhenEmpty(t *testing.T) {
	err := NewValidationError("", errors.New("malformed"))
	require.Equal(t, "malformed", err.Error())
}

func TestValidationError_UnwrapsToUnderlyingError(t *testing.T) {
	underlying := errors.New("too small")
	err := NewValidationError("width", underlying)
	require.ErrorIs(t, err, underlying)
}

func TestSlotAssignmentError_IncludesReason(t *testing.T) {
	err := &SlotAssignmentError{Reason: "every slot reserved"}
	require.Equal(t, "slot assignment: every slot reserved", err.Error())
}

func TestSentinels_AreDistinguishableByErrorsIs(t *testing.T) {
	wrapped := fWrap(ErrExhaustion)
	require.ErrorIs(t, wrapped, ErrExhaustion)
	require.NotErrorIs(t, wrapped, ErrTimeout)
}

func fWrap(err error) error {
	return errors.Join(err)
}
