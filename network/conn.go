package network

import (
	"io"
	"net"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
)

// MessageType is the second byte of a frame and tells how to read the
// payload.
type MessageType byte

// The frames of the protocol.
const (
	HelloType MessageType = iota + 1
	IdentityType
	StatusType
	ActionType
	BallotType
	HistoryType
	ResultType
)

var typeNames = map[MessageType]string{
	HelloType:    "Hello",
	IdentityType: "Identity",
	StatusType:   "Status",
	ActionType:   "Action",
	BallotType:   "Ballot",
	HistoryType:  "History",
	ResultType:   "Result",
}

func (mt MessageType) String() string {
	if n, ok := typeNames[mt]; ok {
		return n
	}
	return "Unknown"
}

// TCPConn is a connection that sends and receives frames over TCP.
type TCPConn struct {
	// The connection used
	conn net.Conn
	// idle bounds every Receive and Send, 0 for ever
	idle time.Duration

	// closed indicator
	closed    bool
	closedMut sync.Mutex
	// So we only handle one receiving frame at a time
	receiveMutex sync.Mutex
	// So we only handle one sending frame at a time
	sendMutex sync.Mutex
	counterSafe
}

// NewTCPConn will open a TCPConn to the given address.
func NewTCPConn(addr Address) (*TCPConn, error) {
	if addr.ConnType() != PlainTCP {
		return nil, xerrors.Errorf("%s is not a tcp address", addr)
	}
	netConn, err := net.DialTimeout("tcp", addr.NetworkAddress(), 10*time.Second)
	if err != nil {
		return nil, xerrors.Errorf("dialing %s: %w", addr, err)
	}
	return newTCPConn(netConn), nil
}

func newTCPConn(c net.Conn) *TCPConn {
	return &TCPConn{conn: c}
}

// SetIdleTimeout sets how long Receive waits for the next frame before it
// returns ErrTimeout. The deadline starts anew with every call to Receive.
// Send fails the same way if the peer doesn't read for that long.
func (c *TCPConn) SetIdleTimeout(d time.Duration) {
	c.receiveMutex.Lock()
	defer c.receiveMutex.Unlock()
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	c.idle = d
}

// Receive reads the next frame and returns its type and payload. The errors
// are ErrClosed, ErrEOF, ErrTimeout or ErrUnknown for the connection and
// ErrVersion or ErrFrameTooLarge for a frame that cannot be read.
func (c *TCPConn) Receive() (MessageType, []byte, error) {
	c.receiveMutex.Lock()
	defer c.receiveMutex.Unlock()

	if c.idle > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, nil, handleError(err)
		}
	}
	var header [headerSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, nil, handleError(err)
	}
	c.updateRx(headerSize)
	if header[0] != Version {
		return 0, nil, votefacility.ProtocolError(xerrors.Errorf("%w: %d", ErrVersion, header[0]), "")
	}
	mt := MessageType(header[1])
	size := Size(globalOrder.Uint32(header[2:]))
	if size > MaxPayload {
		return 0, nil, votefacility.ProtocolError(
			xerrors.Errorf("%w: %d bytes", ErrFrameTooLarge, size), mt.String())
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, handleError(err)
	}
	c.updateRx(uint64(size))
	log.Lvl4("Received", mt, "of", size, "bytes from", c.Remote())
	return mt, payload, nil
}

// Send writes one frame of type mt.
func (c *TCPConn) Send(mt MessageType, payload []byte) error {
	if len(payload) > MaxPayload {
		return xerrors.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.idle > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.idle)); err != nil {
			return handleError(err)
		}
	}
	frame := make([]byte, headerSize+len(payload))
	frame[0] = Version
	frame[1] = byte(mt)
	globalOrder.PutUint32(frame[2:], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	n, err := c.conn.Write(frame)
	c.updateTx(uint64(n))
	if err != nil {
		return handleError(err)
	}
	log.Lvl4("Sent", mt, "of", len(payload), "bytes to", c.Remote())
	return nil
}

// Remote returns the address of the other end of the connection.
func (c *TCPConn) Remote() Address {
	return NewTCPAddress(c.conn.RemoteAddr().String())
}

// Local returns the local address of the connection.
func (c *TCPConn) Local() Address {
	return NewTCPAddress(c.conn.LocalAddr().String())
}

// Type returns PlainTCP.
func (c *TCPConn) Type() ConnType {
	return PlainTCP
}

// Close the connection. Calling Close a second time returns ErrClosed.
func (c *TCPConn) Close() error {
	c.closedMut.Lock()
	defer c.closedMut.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return handleError(err)
	}
	return nil
}
