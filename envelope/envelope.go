// Package envelope seals short payloads to a public key and signs identity
// messages. Sealing uses ECIES over the suite: an ephemeral Diffie-Hellman
// key is derived per message and wraps an AES-GCM encryption of the payload,
// so there is no limit on the payload length and two seals of the same text
// never look alike.
package envelope

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/encrypt/ecies"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"golang.org/x/xerrors"
)

// Algorithm identifies how the ciphertext of an Envelope was produced.
type Algorithm uint32

const (
	// AlgorithmNone is never produced; it marks an empty envelope.
	AlgorithmNone Algorithm = iota
	// AlgorithmECIES is ECIES with HKDF-SHA256 and AES-GCM.
	AlgorithmECIES
)

// MaxPlaintext bounds what Seal accepts. Names, registration numbers and
// candidate names are far below it.
const MaxPlaintext = 4096

var (
	// ErrUnknownAlgorithm is returned when opening an envelope that was
	// sealed with an algorithm this side doesn't know.
	ErrUnknownAlgorithm = xerrors.New("unknown envelope algorithm")
	// ErrOpen is returned when the ciphertext doesn't authenticate under the
	// given key.
	ErrOpen = xerrors.New("cannot open envelope")
	// ErrTooLong is returned when the plaintext is bigger than MaxPlaintext.
	ErrTooLong = xerrors.New("plaintext too long")
	// ErrSignature is returned when a signature does not verify.
	ErrSignature = xerrors.New("signature mismatch")
)

// Suite is what the envelope needs from the cryptographic suite.
type Suite interface {
	kyber.Group
	kyber.Random
}

// Envelope is a sealed payload together with the identifier of the scheme
// used to seal it.
type Envelope struct {
	Algorithm  uint32
	Ciphertext []byte
}

// Seal encrypts msg so that only the owner of the private key matching pub
// can read it.
func Seal(suite Suite, pub kyber.Point, msg []byte) (*Envelope, error) {
	if len(msg) > MaxPlaintext {
		return nil, ErrTooLong
	}
	ct, err := ecies.Encrypt(suite, pub, msg, nil)
	if err != nil {
		return nil, xerrors.Errorf("sealing: %v", err)
	}
	return &Envelope{Algorithm: uint32(AlgorithmECIES), Ciphertext: ct}, nil
}

// SealString is Seal for text.
func SealString(suite Suite, pub kyber.Point, msg string) (*Envelope, error) {
	return Seal(suite, pub, []byte(msg))
}

// Open decrypts the envelope with the private key.
func Open(suite Suite, priv kyber.Scalar, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrOpen
	}
	switch Algorithm(env.Algorithm) {
	case AlgorithmECIES:
		if len(env.Ciphertext) < suite.PointLen() {
			return nil, xerrors.Errorf("short ciphertext: %w", ErrOpen)
		}
		msg, err := ecies.Decrypt(suite, priv, env.Ciphertext, nil)
		if err != nil {
			return nil, xerrors.Errorf("%v: %w", err, ErrOpen)
		}
		return msg, nil
	default:
		return nil, xerrors.Errorf("algorithm %d: %w", env.Algorithm, ErrUnknownAlgorithm)
	}
}

// OpenString is Open for text.
func OpenString(suite Suite, priv kyber.Scalar, env *Envelope) (string, error) {
	msg, err := Open(suite, priv, env)
	if err != nil {
		return "", err
	}
	return string(msg), nil
}

// Sign returns a Schnorr signature on msg.
func Sign(suite Suite, priv kyber.Scalar, msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, priv, msg)
}

// Verify checks a Schnorr signature of pub on msg. Every failure is
// reported as ErrSignature.
func Verify(suite Suite, pub kyber.Point, msg, sig []byte) error {
	if pub == nil {
		return ErrSignature
	}
	if err := schnorr.Verify(suite, pub, msg, sig); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrSignature)
	}
	return nil
}
