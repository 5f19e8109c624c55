package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIsMatchesByCode(t *testing.T) {
	sentinel := NewCodeError(NotFoundError, "not found")

	err := sentinel.WrapMsg("pending challenge", "chat", int64(-100), "user", int64(7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	assert.Contains(t, err.Error(), "chat=-100")
	assert.Equal(t, NotFoundError, Code(err))

	other := NewCodeError(NonceMismatch, "nonce mismatch")
	assert.False(t, errors.Is(err, other))
}

func TestCodeErrorParentRelation(t *testing.T) {
	stale := NewCodeError(StaleStateError, "stale")
	err := NewCodeError(AlreadyProcessed, "already processing").Wrap()

	assert.True(t, errors.Is(err, stale))
	assert.False(t, errors.Is(NewCodeError(ConfigError, "bad").Wrap(), stale))
}

func TestWrapMsgNil(t *testing.T) {
	assert.NoError(t, WrapMsg(nil, "ignored"))
	assert.NoError(t, Wrap(nil))
}

func TestErrPanic(t *testing.T) {
	assert.NoError(t, ErrPanic(nil))
	err := ErrPanic("boom")
	assert.Equal(t, ServerInternalError, Code(err))
	assert.Contains(t, err.Error(), "boom")
}
