package network

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

// pipe returns both ends of a loopback TCP connection.
func pipe(t *testing.T) (*TCPConn, *TCPConn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn)
	go func() {
		c, err := ln.Accept()
		assert.NoError(t, err)
		accepted <- c
	}()
	c, err := NewTCPConn(NewTCPAddress(ln.Addr().String()))
	require.NoError(t, err)
	return c, newTCPConn(<-accepted)
}

func TestTCPConn(t *testing.T) {
	_, err := NewTCPConn(NewTCPAddress("127.0.0.1:1"))
	require.Error(t, err)
	_, err = NewTCPConn(Address("udp://127.0.0.1:2000"))
	require.Error(t, err)

	c, s := pipe(t)
	require.Equal(t, c.Local(), s.Remote())
	require.Equal(t, PlainTCP, c.Type())

	payload := bytes.Repeat([]byte{0xaa}, 7893)
	require.NoError(t, c.Send(ResultType, payload))
	mt, buf, err := s.Receive()
	require.NoError(t, err)
	require.Equal(t, ResultType, mt)
	require.Equal(t, payload, buf)
	require.Equal(t, c.Tx(), s.Rx())
	require.Equal(t, uint64(headerSize+len(payload)), c.Tx())

	// Empty frames are fine.
	require.NoError(t, s.Send(StatusType, nil))
	mt, buf, err = c.Receive()
	require.NoError(t, err)
	require.Equal(t, StatusType, mt)
	require.Equal(t, 0, len(buf))

	require.NoError(t, c.Close())
	require.Equal(t, ErrClosed, c.Close())
	_, _, err = s.Receive()
	require.Equal(t, ErrEOF, err)
	require.NoError(t, s.Close())
}

// Frames written in small pieces must be put back together.
func TestTCPConn_ReceiveChunks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := bytes.Repeat([]byte{1, 2, 3}, 1000)
	frame := append([]byte{Version, byte(BallotType), 0, 0, 0, 0}, payload...)
	globalOrder.PutUint32(frame[2:], uint32(len(payload)))
	go func() {
		c, err := ln.Accept()
		if !assert.NoError(t, err) {
			return
		}
		defer c.Close()
		for len(frame) > 0 {
			n := 700
			if n > len(frame) {
				n = len(frame)
			}
			c.Write(frame[:n])
			frame = frame[n:]
			time.Sleep(5 * time.Millisecond)
		}
	}()

	c, err := NewTCPConn(NewTCPAddress(ln.Addr().String()))
	require.NoError(t, err)
	defer c.Close()
	mt, buf, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, BallotType, mt)
	require.Equal(t, payload, buf)
}

func TestTCPConn_BadFrames(t *testing.T) {
	for _, c := range []struct {
		name   string
		header []byte
		err    error
	}{
		{"version", []byte{2, byte(HelloType), 0, 0, 0, 0}, ErrVersion},
		{"too large", []byte{Version, byte(HelloType), 0, 1, 0, 1}, ErrFrameTooLarge},
	} {
		t.Run(c.name, func(t *testing.T) {
			cl, s := pipe(t)
			defer cl.Close()
			defer s.Close()
			_, err := cl.conn.Write(c.header)
			require.NoError(t, err)
			_, _, err = s.Receive()
			require.True(t, xerrors.Is(err, c.err), "got %v", err)
			require.True(t, IsProtocolError(err))
		})
	}

	cl, s := pipe(t)
	defer s.Close()
	require.True(t, xerrors.Is(cl.Send(HelloType, make([]byte, MaxPayload+1)), ErrFrameTooLarge))

	// A truncated frame ends with EOF.
	_, err := cl.conn.Write([]byte{Version, byte(HelloType), 0, 0, 0, 10, 1, 2})
	require.NoError(t, err)
	require.NoError(t, cl.Close())
	_, _, err = s.Receive()
	require.Equal(t, ErrEOF, err)
}

func TestTCPConn_IdleTimeout(t *testing.T) {
	c, s := pipe(t)
	defer c.Close()
	defer s.Close()

	s.SetIdleTimeout(100 * time.Millisecond)
	// Every frame restarts the deadline.
	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, c.Send(ActionType, []byte{0, 2}))
		_, _, err := s.Receive()
		require.NoError(t, err)
	}
	start := time.Now()
	_, _, err := s.Receive()
	require.Equal(t, ErrTimeout, err)
	require.True(t, time.Since(start) >= 100*time.Millisecond)
}

// A peer that doesn't read blocks Send only up to the idle timeout.
func TestTCPConn_SendTimeout(t *testing.T) {
	c, s := pipe(t)
	defer c.Close()
	defer s.Close()

	s.SetIdleTimeout(100 * time.Millisecond)
	payload := make([]byte, MaxPayload)
	var err error
	start := time.Now()
	for i := 0; i < 10000 && err == nil; i++ {
		err = s.Send(ResultType, payload)
	}
	require.Equal(t, ErrTimeout, err)
	require.True(t, time.Since(start) < 10*time.Second)
}

func TestTCPListener(t *testing.T) {
	ln, err := NewTCPListener(NewTCPAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NotEqual(t, "0", ln.Address().Port())

	stop := make(chan bool)
	received := make(chan []byte)
	go func() {
		err := ln.Listen(func(c *TCPConn) {
			defer c.Close()
			_, buf, err := c.Receive()
			if assert.NoError(t, err) {
				received <- buf
			}
		})
		assert.NoError(t, err, "Listener stop incorrectly")
		stop <- true
	}()

	for i := 0; i < 3; i++ {
		c, err := NewTCPConn(ln.Address())
		require.NoError(t, err)
		require.NoError(t, c.Send(HelloType, []byte{byte(i)}))
		require.Equal(t, []byte{byte(i)}, <-received)
		c.Close()
	}
	require.True(t, ln.Listening())
	require.Error(t, ln.Listen(nil))

	require.NoError(t, ln.Stop(), "Error stopping listener")
	select {
	case <-stop:
	case <-time.After(time.Second):
		t.Fatal("Could not stop listener")
	}
	require.False(t, ln.Listening())
	_, err = net.Dial("tcp", ln.Address().NetworkAddress())
	require.Error(t, err)

	_, err = NewTCPListener(Address("tcp:127.0.0.1:0"))
	require.Error(t, err)
}
