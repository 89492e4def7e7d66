package network

import (
	"fmt"

	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
	"go.dedis.ch/votefacility/envelope"
)

// Hello is sent by the facility as soon as a voter connects.
type Hello struct {
	Version uint32
	// Public is the marshalled public key of the facility.
	Public []byte
	// Challenge must be part of the signed identity of the voter.
	Challenge []byte
}

// IdentityAssertion is the claim of a voter. Name and Number are sealed to the
// facility key, Signature covers the identity message built from both and
// the challenge of the Hello.
type IdentityAssertion struct {
	Name      envelope.Envelope
	Number    envelope.Envelope
	Signature []byte
}

// Ballot follows a cast-vote action and holds the sealed candidate name.
type Ballot struct {
	Candidate envelope.Envelope
}

// History tells the voter whether and when they voted.
type History struct {
	Voted bool
	// Timestamp is in RFC3339 format, empty if Voted is false.
	Timestamp string
}

// TallyEntry is the count of one candidate.
type TallyEntry struct {
	Candidate string
	Count     uint64
}

// Result is the current tally, in ballot order.
type Result struct {
	Entries []TallyEntry
}

// Status is the reply of the facility to an identity or an action.
type Status uint16

// The status codes.
const (
	StatusRejected Status = iota
	StatusOK
	StatusAlreadyVoted
	StatusUnknownCandidate
	StatusProtocolError
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusRejected:
		return "rejected"
	case StatusOK:
		return "ok"
	case StatusAlreadyVoted:
		return "already voted"
	case StatusUnknownCandidate:
		return "unknown candidate"
	case StatusProtocolError:
		return "protocol error"
	case StatusFailure:
		return "failure"
	}
	return fmt.Sprintf("status(%d)", uint16(s))
}

// ActionCode is the number of a menu entry.
type ActionCode uint16

// The entries of the menu.
const (
	ActionCastVote ActionCode = iota + 1
	ActionViewHistory
	ActionViewResult
	ActionQuit
)

// Action is one of CastVote, ViewHistory, ViewResult or Quit.
type Action interface {
	Code() ActionCode
}

// CastVote asks to vote for the candidate sealed in the ballot.
type CastVote struct {
	Ballot *Ballot
}

// Code implements Action.
func (CastVote) Code() ActionCode { return ActionCastVote }

// ViewHistory asks whether the voter voted.
type ViewHistory struct{}

// Code implements Action.
func (ViewHistory) Code() ActionCode { return ActionViewHistory }

// ViewResult asks for the tally.
type ViewResult struct{}

// Code implements Action.
func (ViewResult) Code() ActionCode { return ActionViewResult }

// Quit ends the session.
type Quit struct{}

// Code implements Action.
func (Quit) Code() ActionCode { return ActionQuit }

// SendMessage encodes msg with protobuf and sends it in a frame of type mt.
func SendMessage(c *TCPConn, mt MessageType, msg interface{}) error {
	buf, err := protobuf.Encode(msg)
	if err != nil {
		return xerrors.Errorf("encoding %s: %v", mt, err)
	}
	return c.Send(mt, buf)
}

// ReceiveMessage reads a frame that must be of type mt and decodes it into
// msg, which must be a pointer.
func ReceiveMessage(c *TCPConn, mt MessageType, msg interface{}) error {
	got, buf, err := c.Receive()
	if err != nil {
		return err
	}
	return decode(mt, got, buf, msg)
}

func decode(want, got MessageType, buf []byte, msg interface{}) error {
	if got != want {
		return votefacility.ProtocolError(
			xerrors.Errorf("%w: got %s instead of %s", ErrUnexpectedType, got, want), "")
	}
	if err := protobuf.Decode(buf, msg); err != nil {
		return votefacility.ProtocolError(xerrors.Errorf("%w: %v", ErrPayload, err), want.String())
	}
	return nil
}

// SendStatus sends a status frame.
func SendStatus(c *TCPConn, s Status) error {
	var buf [2]byte
	globalOrder.PutUint16(buf[:], uint16(s))
	return c.Send(StatusType, buf[:])
}

// ReceiveStatus reads a status frame.
func ReceiveStatus(c *TCPConn) (Status, error) {
	v, err := receiveUint16(c, StatusType)
	return Status(v), err
}

func receiveUint16(c *TCPConn, want MessageType) (uint16, error) {
	mt, buf, err := c.Receive()
	if err != nil {
		return 0, err
	}
	if mt != want {
		return 0, votefacility.ProtocolError(
			xerrors.Errorf("%w: got %s instead of %s", ErrUnexpectedType, mt, want), "")
	}
	if len(buf) != 2 {
		return 0, votefacility.ProtocolError(
			xerrors.Errorf("%w: %s of %d bytes", ErrPayload, want, len(buf)), "")
	}
	return globalOrder.Uint16(buf), nil
}

// SendAction sends the action frame, followed by the ballot for a CastVote.
func SendAction(c *TCPConn, a Action) error {
	cv, isVote := a.(CastVote)
	if isVote && cv.Ballot == nil {
		return xerrors.New("cast vote without a ballot")
	}
	if err := SendActionCode(c, a.Code()); err != nil {
		return err
	}
	if isVote {
		return SendMessage(c, BallotType, cv.Ballot)
	}
	return nil
}

// SendActionCode sends a bare action frame. It allows to send codes that
// are not part of the menu.
func SendActionCode(c *TCPConn, code ActionCode) error {
	var buf [2]byte
	globalOrder.PutUint16(buf[:], uint16(code))
	return c.Send(ActionType, buf[:])
}

// ReceiveAction reads the next action. For an unknown action code it
// returns an error wrapping ErrUnknownAction and the connection is still
// usable. Any other error means the connection is out of sync.
func ReceiveAction(c *TCPConn) (Action, error) {
	code, err := receiveUint16(c, ActionType)
	if err != nil {
		return nil, err
	}
	switch ActionCode(code) {
	case ActionCastVote:
		b := &Ballot{}
		if err := ReceiveMessage(c, BallotType, b); err != nil {
			return nil, err
		}
		return CastVote{Ballot: b}, nil
	case ActionViewHistory:
		return ViewHistory{}, nil
	case ActionViewResult:
		return ViewResult{}, nil
	case ActionQuit:
		return Quit{}, nil
	}
	return nil, xerrors.Errorf("%w: %d", ErrUnknownAction, code)
}
