package network

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestCounterSafe(t *testing.T) {
	cs := counterSafe{}
	assert.Equal(t, uint64(0), cs.Rx())
	assert.Equal(t, uint64(0), cs.Tx())

	cs.updateRx(14)
	assert.Equal(t, uint64(14), cs.Rx())

	cs.updateTx(16)
	assert.Equal(t, uint64(16), cs.Tx())
}

type dummyErr struct {
	timeout   bool
	temporary bool
}

func (d *dummyErr) Timeout() bool {
	return d.timeout
}

func (d *dummyErr) Temporary() bool {
	return d.temporary
}

func (d *dummyErr) Error() string {
	return "dummy error"
}

func TestHandleError(t *testing.T) {
	assert.Equal(t, ErrClosed, handleError(xerrors.New("use of closed")))
	assert.Equal(t, ErrEOF, handleError(io.EOF))
	assert.Equal(t, ErrEOF, handleError(io.ErrUnexpectedEOF))

	assert.Equal(t, ErrUnknown, handleError(xerrors.New("Random error!")))

	de := dummyErr{true, true}
	assert.Equal(t, ErrTimeout, handleError(&de))
	de.timeout = false
	assert.Equal(t, ErrUnknown, handleError(&de))
}

func TestIsProtocolError(t *testing.T) {
	require.True(t, IsProtocolError(xerrors.Errorf("%w: 2", ErrVersion)))
	require.True(t, IsProtocolError(ErrPayload))
	require.False(t, IsProtocolError(ErrEOF))
	require.False(t, IsProtocolError(xerrors.Errorf("%w: 9", ErrUnknownAction)))
}
