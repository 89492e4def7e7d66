package keystore

import (
	"sort"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/protobuf"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
)

// directoryBucket holds one record per principal.
var directoryBucket = []byte("voter-keys")

// PublicKeyRecord is how a key is stored in the directory.
type PublicKeyRecord struct {
	Principal string
	// Public is the binary encoding of the point.
	Public []byte
	// Added is the unix time, in seconds, of the last Put.
	Added int64
}

// Directory is a persistent map from principal to public key, used by the
// facility to find the key a voter registered.
type Directory struct {
	suite kyber.Group
	db    *bbolt.DB
}

// OpenDirectory opens, or creates, the directory database at path.
func OpenDirectory(suite kyber.Group, path string) (*Directory, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening key directory: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(directoryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating bucket: %v", err)
	}
	return &Directory{suite: suite, db: db}, nil
}

// Put stores, or replaces, the key of principal.
func (d *Directory) Put(principal string, pub kyber.Point) error {
	if err := checkPrincipal(principal); err != nil {
		return err
	}
	buf, err := pub.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("marshalling key: %v", err)
	}
	rec := &PublicKeyRecord{Principal: principal, Public: buf, Added: time.Now().Unix()}
	val, err := protobuf.Encode(rec)
	if err != nil {
		return xerrors.Errorf("encoding record: %v", err)
	}
	return votefacility.ErrorOrNil(d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(directoryBucket).Put([]byte(principal), val)
	}), "storing key of "+principal)
}

// Get returns the key of principal or ErrNotFound.
func (d *Directory) Get(principal string) (kyber.Point, error) {
	var rec *PublicKeyRecord
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(directoryBucket).Get([]byte(principal))
		if val == nil {
			return nil
		}
		rec = &PublicKeyRecord{}
		return protobuf.Decode(val, rec)
	})
	if err != nil {
		return nil, xerrors.Errorf("reading record of %s: %v", principal, err)
	}
	if rec == nil {
		return nil, xerrors.Errorf("%s: %w", principal, ErrNotFound)
	}
	pub := d.suite.Point()
	if err := pub.UnmarshalBinary(rec.Public); err != nil {
		return nil, xerrors.Errorf("decoding key of %s: %v", principal, err)
	}
	return pub, nil
}

// List returns the principals of the directory in sorted order.
func (d *Directory) List() ([]string, error) {
	var principals []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(directoryBucket).ForEach(func(k, _ []byte) error {
			principals = append(principals, string(k))
			return nil
		})
	})
	sort.Strings(principals)
	return principals, votefacility.WrapError(err)
}

// Close releases the database.
func (d *Directory) Close() error {
	return d.db.Close()
}
