// Package keystore gives every principal of the facility its long-lived key
// pair and lets the facility find the public keys of its voters.
//
// Key pairs live in two files per principal, <principal>_public.key and
// <principal>_private.key, holding the hex encoding of the point and the
// scalar. The public keys of voters are looked up in a Directory first and
// in the public key files second.
package keystore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var (
	// ErrNotFound is returned when a principal hasn't published a key yet.
	ErrNotFound = xerrors.New("public key not found")
	// ErrPrincipal is returned for a principal name that can't be used as a
	// file name.
	ErrPrincipal = xerrors.New("invalid principal")
)

// Suite is what the key store needs from the cryptographic suite.
type Suite interface {
	kyber.Group
	kyber.Random
}

// KeyStore hands out key pairs and counterpart public keys.
type KeyStore struct {
	suite     Suite
	dir       string
	directory *Directory
}

// New returns a key store working in dir. directory may be nil, in which
// case counterpart keys are only read from public key files.
func New(suite Suite, dir string, directory *Directory) *KeyStore {
	return &KeyStore{suite: suite, dir: dir, directory: directory}
}

// Dir returns the folder holding the key files.
func (ks *KeyStore) Dir() string {
	return ks.dir
}

// PublicFile returns the path of the public key file of principal in dir.
func PublicFile(dir, principal string) string {
	return filepath.Join(dir, principal+"_public.key")
}

// PrivateFile returns the path of the private key file of principal in dir.
func PrivateFile(dir, principal string) string {
	return filepath.Join(dir, principal+"_private.key")
}

func checkPrincipal(principal string) error {
	if principal == "" || principal == "." || principal == ".." ||
		strings.ContainsAny(principal, `/\ `) {
		return xerrors.Errorf("%q: %w", principal, ErrPrincipal)
	}
	return nil
}

// LoadOrCreate returns the key pair of principal. The first call for a
// principal without key files generates a pair and stores both halves.
func (ks *KeyStore) LoadOrCreate(principal string) (*key.Pair, error) {
	if err := checkPrincipal(principal); err != nil {
		return nil, err
	}
	pubFile := PublicFile(ks.dir, principal)
	privFile := PrivateFile(ks.dir, principal)

	_, errPub := os.Stat(pubFile)
	_, errPriv := os.Stat(privFile)
	if os.IsNotExist(errPub) && os.IsNotExist(errPriv) {
		log.Lvl1("No key files for", principal, "- generating a new key pair")
		return ks.create(principal)
	}

	pub, err := ReadPublicFile(ks.suite, pubFile)
	if err != nil {
		return nil, err
	}
	buf, err := ioutil.ReadFile(privFile)
	if err != nil {
		return nil, xerrors.Errorf("reading private key: %v", err)
	}
	priv, err := encoding.StringHexToScalar(ks.suite, strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, xerrors.Errorf("decoding private key of %s: %v", principal, err)
	}
	if !ks.suite.Point().Mul(priv, nil).Equal(pub) {
		return nil, xerrors.Errorf("key files of %s don't form a pair", principal)
	}
	return &key.Pair{Public: pub, Private: priv}, nil
}

func (ks *KeyStore) create(principal string) (*key.Pair, error) {
	if err := os.MkdirAll(ks.dir, 0700); err != nil {
		return nil, xerrors.Errorf("creating key folder: %v", err)
	}
	kp := key.NewKeyPair(ks.suite)
	priv, err := encoding.ScalarToStringHex(ks.suite, kp.Private)
	if err != nil {
		return nil, xerrors.Errorf("encoding private key: %v", err)
	}
	if err := ioutil.WriteFile(PrivateFile(ks.dir, principal), []byte(priv+"\n"), 0600); err != nil {
		return nil, xerrors.Errorf("writing private key: %v", err)
	}
	if err := WritePublicFile(ks.suite, PublicFile(ks.dir, principal), kp.Public); err != nil {
		return nil, err
	}
	return kp, nil
}

// LookupPublicKey returns the public key published by principal, or
// ErrNotFound.
func (ks *KeyStore) LookupPublicKey(principal string) (kyber.Point, error) {
	if err := checkPrincipal(principal); err != nil {
		return nil, err
	}
	if ks.directory != nil {
		pub, err := ks.directory.Get(principal)
		if err == nil {
			return pub, nil
		}
		if !xerrors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	pub, err := ReadPublicFile(ks.suite, PublicFile(ks.dir, principal))
	if err != nil {
		return nil, err
	}
	if ks.directory != nil {
		if err := ks.directory.Put(principal, pub); err != nil {
			log.Warn("Couldn't cache key of", principal, ":", err)
		}
	}
	return pub, nil
}

// Publish makes pub the public key of principal. With a directory the key
// is stored there, otherwise the public key file is written.
func (ks *KeyStore) Publish(principal string, pub kyber.Point) error {
	if err := checkPrincipal(principal); err != nil {
		return err
	}
	if ks.directory != nil {
		return ks.directory.Put(principal, pub)
	}
	if err := os.MkdirAll(ks.dir, 0700); err != nil {
		return xerrors.Errorf("creating key folder: %v", err)
	}
	return WritePublicFile(ks.suite, PublicFile(ks.dir, principal), pub)
}

// ReadPublicFile reads a hex encoded public key. A missing file is
// reported as ErrNotFound.
func ReadPublicFile(g kyber.Group, path string) (kyber.Point, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, xerrors.Errorf("reading public key: %v", err)
	}
	pub, err := encoding.StringHexToPoint(g, strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, xerrors.Errorf("decoding %s: %v", filepath.Base(path), err)
	}
	return pub, nil
}

// WritePublicFile stores pub hex encoded in path.
func WritePublicFile(g kyber.Group, path string, pub kyber.Point) error {
	str, err := encoding.PointToStringHex(g, pub)
	if err != nil {
		return xerrors.Errorf("encoding public key: %v", err)
	}
	if err := ioutil.WriteFile(path, []byte(str+"\n"), 0644); err != nil {
		return xerrors.Errorf("writing public key: %v", err)
	}
	return nil
}
