package envelope

import (
	"bytes"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
)

// ChallengeLength is the size in bytes of the per-session challenge.
const ChallengeLength = 32

// NewChallenge returns fresh random bytes for a session.
func NewChallenge() []byte {
	return random.Bits(ChallengeLength*8, false, random.New())
}

// IdentityMessage is what a voter signs to prove who they are during one
// session: name, registration number and the challenge of that session,
// separated by zero bytes.
func IdentityMessage(name, number string, challenge []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(number)
	buf.WriteByte(0)
	buf.Write(challenge)
	return buf.Bytes()
}

// SignIdentity signs the identity message of a voter.
func SignIdentity(suite Suite, priv kyber.Scalar, name, number string, challenge []byte) ([]byte, error) {
	return Sign(suite, priv, IdentityMessage(name, number, challenge))
}

// VerifyIdentity checks the signature of an identity message against the
// public key registered for the claimed voter.
func VerifyIdentity(suite Suite, pub kyber.Point, name, number string, challenge, sig []byte) error {
	return Verify(suite, pub, IdentityMessage(name, number, challenge), sig)
}
