package facility

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility/envelope"
	"go.dedis.ch/votefacility/keystore"
	"go.dedis.ch/votefacility/network"
	"go.dedis.ch/votefacility/registry"
)

// The reasons of a rejected identity. They are only logged, the voter
// always gets StatusRejected.
const (
	ReasonUndecryptable = "undecryptable assertion"
	ReasonUnknownKey    = "unknown voter key"
	ReasonSignature     = "signature mismatch"
	ReasonUnknownVoter  = "unknown voter"
)

// KeyLookup returns the public key published by a voter.
type KeyLookup interface {
	LookupPublicKey(principal string) (kyber.Point, error)
}

// AuthResult is the outcome of Authenticate: either Voter is set, or Reason
// tells why the identity has been rejected.
type AuthResult struct {
	Voter  *registry.Voter
	Reason string
}

// Accepted returns true if the identity belongs to a voter of the roll.
func (ar AuthResult) Accepted() bool {
	return ar.Voter != nil
}

func rejected(reason string) AuthResult {
	return AuthResult{Reason: reason}
}

// Verifier checks identity assertions of voters.
type Verifier struct {
	suite    envelope.Suite
	private  kyber.Scalar
	keys     KeyLookup
	registry *registry.Registry
}

// NewVerifier returns a verifier that opens assertions with private and
// checks signatures against the keys found in keys.
func NewVerifier(suite envelope.Suite, private kyber.Scalar, keys KeyLookup,
	reg *registry.Registry) *Verifier {
	return &Verifier{suite: suite, private: private, keys: keys, registry: reg}
}

// Authenticate checks that the assertion has been made by a voter of the
// roll for this challenge. The key used to check the signature is always the
// one registered for the claimed registration number.
func (v *Verifier) Authenticate(ia *network.IdentityAssertion, challenge []byte) AuthResult {
	name, err := envelope.OpenString(v.suite, v.private, &ia.Name)
	if err != nil {
		log.Lvl2("Couldn't open name:", err)
		return rejected(ReasonUndecryptable)
	}
	number, err := envelope.OpenString(v.suite, v.private, &ia.Number)
	if err != nil {
		log.Lvl2("Couldn't open number:", err)
		return rejected(ReasonUndecryptable)
	}

	pub, err := v.keys.LookupPublicKey(number)
	if err != nil {
		if !xerrors.Is(err, keystore.ErrNotFound) {
			log.Lvl2("Key lookup of", number, "failed:", err)
		}
		return rejected(ReasonUnknownKey)
	}
	if err := envelope.VerifyIdentity(v.suite, pub, name, number, challenge, ia.Signature); err != nil {
		return rejected(ReasonSignature)
	}

	voter := v.registry.FindByIdentity(name, number)
	if voter == nil {
		return rejected(ReasonUnknownVoter)
	}
	return AuthResult{Voter: voter}
}
