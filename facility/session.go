package facility

import (
	"fmt"
	"runtime/debug"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility/envelope"
	"go.dedis.ch/votefacility/network"
	"go.dedis.ch/votefacility/registry"
)

// State is where a session is in the protocol.
type State int

// The states of a session. Rejected and Closed are final.
const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateMenuActive
	StateClosed
	StateRejected
)

var stateNames = []string{"Connected", "Authenticating", "Authenticated",
	"MenuActive", "Closed", "Rejected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// session is one voter connection, from accept to close.
type session struct {
	id        uuid.UUID
	service   *Service
	conn      *network.TCPConn
	state     State
	challenge []byte
	voter     *registry.Voter
}

func newSession(s *Service, c *network.TCPConn) *session {
	c.SetIdleTimeout(s.config.Idle())
	return &session{
		id:      uuid.NewV4(),
		service: s,
		conn:    c,
		state:   StateConnected,
	}
}

func (s *session) String() string {
	return s.id.String()[:8] + "@" + s.conn.Remote().NetworkAddress()
}

// run drives the session until it is closed or rejected. A panic only ends
// this session.
func (s *session) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: panic in state %s: %v\n%s", s, s.state, r, debug.Stack())
		}
		s.close()
	}()
	log.Lvl2(s, "connected")

	for {
		var err error
		switch s.state {
		case StateConnected:
			err = s.hello()
		case StateAuthenticating:
			err = s.authenticate()
		case StateAuthenticated:
			s.state = StateMenuActive
		case StateMenuActive:
			err = s.menu()
		default:
			return
		}
		if err != nil {
			s.logError(err)
			return
		}
	}
}

func (s *session) logError(err error) {
	switch {
	case xerrors.Is(err, network.ErrEOF), xerrors.Is(err, network.ErrClosed):
		log.Lvl3(s, "connection closed in state", s.state)
	case xerrors.Is(err, network.ErrTimeout):
		log.Lvl2(s, "idle for too long in state", s.state)
	case network.IsProtocolError(err):
		log.Lvl2(s, "protocol error:", err)
		// The peer is out of sync, this is only a best effort.
		network.SendStatus(s.conn, network.StatusProtocolError)
	default:
		log.Error(s, err)
	}
}

func (s *session) close() {
	if s.state != StateRejected {
		s.state = StateClosed
	}
	s.conn.Close()
	s.service.removeSession(s)
	log.Lvlf3("%s: %s after %d bytes in and %d bytes out", s, s.state,
		s.conn.Rx(), s.conn.Tx())
}

func (s *session) hello() error {
	pub, err := s.service.pair.Public.MarshalBinary()
	if err != nil {
		return err
	}
	s.challenge = envelope.NewChallenge()
	err = network.SendMessage(s.conn, network.HelloType, &network.Hello{
		Version:   network.Version,
		Public:    pub,
		Challenge: s.challenge,
	})
	if err != nil {
		return err
	}
	s.state = StateAuthenticating
	return nil
}

func (s *session) authenticate() error {
	ia := &network.IdentityAssertion{}
	if err := network.ReceiveMessage(s.conn, network.IdentityType, ia); err != nil {
		return err
	}
	ar := s.service.verifier.Authenticate(ia, s.challenge)
	if !ar.Accepted() {
		log.Lvl2(s, "rejected:", ar.Reason)
		s.state = StateRejected
		return network.SendStatus(s.conn, network.StatusRejected)
	}
	s.voter = ar.Voter
	log.Lvl2(s, "authenticated", s.voter)
	if err := network.SendStatus(s.conn, network.StatusOK); err != nil {
		return err
	}
	s.state = StateAuthenticated
	return nil
}

// menu handles one action.
func (s *session) menu() error {
	a, err := network.ReceiveAction(s.conn)
	if err != nil {
		if xerrors.Is(err, network.ErrUnknownAction) {
			log.Lvl2(s, err)
			return network.SendStatus(s.conn, network.StatusProtocolError)
		}
		return err
	}
	log.Lvlf3("%s: action %d", s, a.Code())

	switch act := a.(type) {
	case network.CastVote:
		return network.SendStatus(s.conn, s.castVote(act.Ballot))
	case network.ViewHistory:
		voted, at := s.service.registry.Status(s.voter)
		h := &network.History{Voted: voted}
		if voted && !at.IsZero() {
			h.Timestamp = at.UTC().Format(time.RFC3339Nano)
		}
		return network.SendMessage(s.conn, network.HistoryType, h)
	case network.ViewResult:
		res := &network.Result{}
		for _, e := range s.service.ledger.Snapshot() {
			res.Entries = append(res.Entries, network.TallyEntry{
				Candidate: e.Candidate,
				Count:     e.Count,
			})
		}
		return network.SendMessage(s.conn, network.ResultType, res)
	case network.Quit:
		s.state = StateClosed
		return network.SendStatus(s.conn, network.StatusOK)
	}
	return xerrors.Errorf("unhandled action %T", a)
}

func (s *session) castVote(b *network.Ballot) network.Status {
	if voted, _ := s.service.registry.Status(s.voter); voted {
		return network.StatusAlreadyVoted
	}
	candidate, err := envelope.OpenString(s.service.suite, s.service.pair.Private, &b.Candidate)
	if err != nil {
		log.Lvl2(s, "couldn't open ballot:", err)
		return network.StatusProtocolError
	}
	return s.service.castVote(s.voter, candidate)
}
