package network

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
)

// The various errors you can have on a connection.

// ErrClosed is when a connection has been closed
var ErrClosed = xerrors.New("connection closed")

// ErrEOF is when the EOF signal comes to the connection (mostly means that it
// is shutdown)
var ErrEOF = xerrors.New("EOF")

// ErrTimeout is raised if the connection has been idle for longer than its
// timeout.
var ErrTimeout = xerrors.New("timeout error")

// ErrUnknown is an unknown error
var ErrUnknown = xerrors.New("unknown error")

// The errors of a frame that doesn't respect the protocol. A connection
// returning one of these is out of sync and must be closed.
var (
	ErrVersion        = xerrors.New("unsupported frame version")
	ErrFrameTooLarge  = xerrors.New("frame too large")
	ErrUnexpectedType = xerrors.New("unexpected frame type")
	ErrPayload        = xerrors.New("malformed payload")
)

// ErrUnknownAction is returned for an action code outside of the menu. The
// frame itself was well formed, so the connection can go on.
var ErrUnknownAction = xerrors.New("unknown action")

// Version of the frames.
const Version = 1

// MaxPayload is the biggest payload a frame can carry.
const MaxPayload = 64 * 1024

// Size is a type to represent the size that is sent in the header of every
// frame.
type Size uint32

// headerSize is version, type and size.
const headerSize = 1 + 1 + 4

// globalOrder is the byte order used by the frames.
var globalOrder = binary.BigEndian

// IsProtocolError returns true if err means the peer doesn't talk our
// protocol.
func IsProtocolError(err error) bool {
	if votefacility.KindOf(err) == votefacility.KindProtocol {
		return true
	}
	for _, e := range []error{ErrVersion, ErrFrameTooLarge, ErrUnexpectedType, ErrPayload} {
		if xerrors.Is(err, e) {
			return true
		}
	}
	return false
}

// handleError produces the higher layer error depending on the type
// so user of the package can know what is the cause of the problem
func handleError(err error) error {
	if strings.Contains(err.Error(), "use of closed") || strings.Contains(err.Error(), "broken pipe") {
		return ErrClosed
	} else if xerrors.Is(err, io.EOF) || xerrors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEOF
	}

	netErr, ok := err.(net.Error)
	if !ok {
		return ErrUnknown
	}
	if netErr.Timeout() {
		return ErrTimeout
	}
	return ErrUnknown
}

// counterSafe is a struct that enables to update two counters Rx & Tx
// atomically that can be have increasing values.
// It's main use is for Conn to update how many bytes they've
// written / read.
type counterSafe struct {
	tx uint64
	rx uint64
	sync.Mutex
}

// Rx returns the rx counter
func (c *counterSafe) Rx() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.rx
}

// Tx returns the tx counter
func (c *counterSafe) Tx() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.tx
}

// updateRx adds delta to the rx counter
func (c *counterSafe) updateRx(delta uint64) {
	c.Lock()
	defer c.Unlock()
	c.rx += delta
}

// updateTx adds delta to the tx counter
func (c *counterSafe) updateTx(delta uint64) {
	c.Lock()
	defer c.Unlock()
	c.tx += delta
}
