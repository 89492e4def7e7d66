// Package voter is the client side of the facility: it proves the identity
// of a voter and runs the menu actions for them.
package voter

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
	"go.dedis.ch/votefacility/envelope"
	"go.dedis.ch/votefacility/network"
	"go.dedis.ch/votefacility/registry"
)

var (
	// ErrRejected is returned when the facility doesn't accept the identity.
	ErrRejected = xerrors.New("invalid name or registration number")
	// ErrInvalidName is returned for a name that cannot be on the roll.
	ErrInvalidName = xerrors.New("invalid name")
	// ErrInvalidNumber is returned for a malformed registration number.
	ErrInvalidNumber = xerrors.New("registration number must be 9 digits")
	// ErrFacilityKey is returned when the facility presents another key than
	// the pinned one.
	ErrFacilityKey = xerrors.New("facility key doesn't match the pinned key")
	// ErrNotAuthenticated is returned for an action before Authenticate.
	ErrNotAuthenticated = xerrors.New("not authenticated")
)

// Client is a connection of one voter to the facility.
type Client struct {
	suite         envelope.Suite
	pair          *key.Pair
	conn          *network.TCPConn
	facility      kyber.Point
	challenge     []byte
	authenticated bool
}

// Dial connects to the facility at addr and reads its greeting. If pinned
// is not nil, the facility must present that key. pair is the key pair of
// the voter.
func Dial(addr network.Address, pair *key.Pair, pinned kyber.Point) (*Client, error) {
	conn, err := network.NewTCPConn(addr)
	if err != nil {
		return nil, err
	}
	c := &Client{suite: votefacility.Suite, pair: pair, conn: conn}
	if err := c.hello(pinned); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) hello(pinned kyber.Point) error {
	h := &network.Hello{}
	if err := network.ReceiveMessage(c.conn, network.HelloType, h); err != nil {
		return xerrors.Errorf("reading hello: %w", err)
	}
	if h.Version != network.Version {
		return xerrors.Errorf("facility talks version %d: %w", h.Version, network.ErrVersion)
	}
	if len(h.Challenge) != envelope.ChallengeLength {
		return xerrors.Errorf("challenge of %d bytes: %w", len(h.Challenge), network.ErrPayload)
	}
	pub := c.suite.Point()
	if err := pub.UnmarshalBinary(h.Public); err != nil {
		return xerrors.Errorf("facility key: %v: %w", err, network.ErrPayload)
	}
	if pinned != nil && !pinned.Equal(pub) {
		return ErrFacilityKey
	}
	c.facility = pub
	c.challenge = h.Challenge
	log.Lvl3("Connected to facility with key", pub)
	return nil
}

// FacilityKey returns the public key presented by the facility.
func (c *Client) FacilityKey() kyber.Point {
	return c.facility
}

// ValidName returns ErrInvalidName if name cannot be on the roll.
func ValidName(name string) error {
	if !registry.ValidName(name) {
		return ErrInvalidName
	}
	return nil
}

// ValidNumber returns ErrInvalidNumber if number is not a registration
// number.
func ValidNumber(number string) error {
	if !registry.ValidNumber(number) {
		return ErrInvalidNumber
	}
	return nil
}

// Authenticate sends the identity of the voter. It returns ErrRejected if
// the facility doesn't know the voter, in which case the connection is
// closed.
func (c *Client) Authenticate(name, number string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if err := ValidNumber(number); err != nil {
		return err
	}
	ia, err := c.assertion(name, number)
	if err != nil {
		return err
	}
	if err := network.SendMessage(c.conn, network.IdentityType, ia); err != nil {
		return err
	}
	st, err := network.ReceiveStatus(c.conn)
	if err != nil {
		return err
	}
	switch st {
	case network.StatusOK:
		c.authenticated = true
		return nil
	case network.StatusRejected:
		c.Close()
		return ErrRejected
	}
	return xerrors.Errorf("unexpected status %s", st)
}

func (c *Client) assertion(name, number string) (*network.IdentityAssertion, error) {
	nameEnv, err := envelope.SealString(c.suite, c.facility, name)
	if err != nil {
		return nil, err
	}
	numberEnv, err := envelope.SealString(c.suite, c.facility, number)
	if err != nil {
		return nil, err
	}
	sig, err := envelope.SignIdentity(c.suite, c.pair.Private, name, number, c.challenge)
	if err != nil {
		return nil, err
	}
	return &network.IdentityAssertion{
		Name:      *nameEnv,
		Number:    *numberEnv,
		Signature: sig,
	}, nil
}

// CastVote votes for candidate and returns the answer of the facility:
// StatusOK, StatusAlreadyVoted, StatusUnknownCandidate or StatusFailure.
func (c *Client) CastVote(candidate string) (network.Status, error) {
	if !c.authenticated {
		return 0, ErrNotAuthenticated
	}
	env, err := envelope.SealString(c.suite, c.facility, candidate)
	if err != nil {
		return 0, err
	}
	err = network.SendAction(c.conn, network.CastVote{Ballot: &network.Ballot{Candidate: *env}})
	if err != nil {
		return 0, err
	}
	return network.ReceiveStatus(c.conn)
}

// History returns whether and when the voter voted.
func (c *Client) History() (*network.History, error) {
	if !c.authenticated {
		return nil, ErrNotAuthenticated
	}
	if err := network.SendAction(c.conn, network.ViewHistory{}); err != nil {
		return nil, err
	}
	h := &network.History{}
	if err := network.ReceiveMessage(c.conn, network.HistoryType, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Result returns the tally in ballot order.
func (c *Client) Result() ([]network.TallyEntry, error) {
	if !c.authenticated {
		return nil, ErrNotAuthenticated
	}
	if err := network.SendAction(c.conn, network.ViewResult{}); err != nil {
		return nil, err
	}
	r := &network.Result{}
	if err := network.ReceiveMessage(c.conn, network.ResultType, r); err != nil {
		return nil, err
	}
	return r.Entries, nil
}

// Quit ends the session and closes the connection.
func (c *Client) Quit() error {
	defer c.Close()
	if !c.authenticated {
		return nil
	}
	if err := network.SendAction(c.conn, network.Quit{}); err != nil {
		return err
	}
	st, err := network.ReceiveStatus(c.conn)
	if err != nil {
		return err
	}
	if st != network.StatusOK {
		return xerrors.Errorf("unexpected status %s", st)
	}
	return nil
}

// Close the connection without saying goodbye.
func (c *Client) Close() error {
	c.authenticated = false
	err := c.conn.Close()
	if err == network.ErrClosed {
		return nil
	}
	return err
}

// Conn gives access to the underlying connection.
func (c *Client) Conn() *network.TCPConn {
	return c.conn
}
