package network

import (
	"net"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// TCPListener implements listening for incoming TCPConn.
type TCPListener struct {
	// the underlying golang/net listener
	listener net.Listener
	// the close channel used to indicate to the listener we want to quit
	quit chan bool
	// quitListener is a channel to indicate to the closing function that the
	// listener has actually really quit
	quitListener  chan bool
	listeningLock sync.Mutex
	listening     bool

	// addr is the address the listener is really bound to
	addr Address
}

// NewTCPListener returns a TCPListener bound to addr. The port can be 0, in
// which case Address tells which port has been chosen.
func NewTCPListener(addr Address) (*TCPListener, error) {
	if addr.ConnType() != PlainTCP {
		return nil, xerrors.Errorf("%s is not a tcp address", addr)
	}
	t := &TCPListener{
		quit:         make(chan bool),
		quitListener: make(chan bool, 1),
	}
	var err error
	for i := 0; i < MaxRetry; i++ {
		t.listener, err = net.Listen("tcp", addr.NetworkAddress())
		if err == nil {
			t.addr = NewTCPAddress(t.listener.Addr().String())
			return t, nil
		}
		time.Sleep(WaitRetry)
	}
	return nil, xerrors.Errorf("listening on %s: %w", addr, err)
}

// MaxRetry defines how many times we try to bind the listener.
const MaxRetry = 5

// WaitRetry defines how much time we wait before trying again.
const WaitRetry = 20 * time.Millisecond

// Address returns the address the listener is bound to.
func (t *TCPListener) Address() Address {
	return t.addr
}

// Listen starts to listen for incoming connections and calls fn in its own
// go routine for every one of them. The connection is handed over to fn,
// which must close it.
// This call is BLOCKING until Stop is called.
func (t *TCPListener) Listen(fn func(*TCPConn)) error {
	t.listeningLock.Lock()
	if t.listening {
		t.listeningLock.Unlock()
		return xerrors.New("already listening")
	}
	t.listening = true
	t.listeningLock.Unlock()
	return t.listen(fn)
}

func (t *TCPListener) listen(fn func(*TCPConn)) error {
	defer func() { t.quitListener <- true }()
	log.Lvl3("Listening on", t.addr)
	for {
		conn, err := t.listener.Accept()
		select {
		case <-t.quit:
			if conn != nil {
				conn.Close()
			}
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Lvl2("Temporary accept error:", err)
				time.Sleep(WaitRetry)
				continue
			}
			return xerrors.Errorf("accepting: %w", err)
		}
		go fn(newTCPConn(conn))
	}
}

// Stop the listener. It waits till Listen returns. Connections already
// handed over to the callback are not affected.
func (t *TCPListener) Stop() error {
	t.listeningLock.Lock()
	defer t.listeningLock.Unlock()
	var err error
	if t.listening {
		close(t.quit)
		err = t.listener.Close()
		<-t.quitListener
		t.listening = false
	} else {
		err = t.listener.Close()
	}
	if err != nil && handleError(err) != ErrClosed {
		return err
	}
	return nil
}

// Listening returns true if Listen is running.
func (t *TCPListener) Listening() bool {
	t.listeningLock.Lock()
	defer t.listeningLock.Unlock()
	return t.listening
}
