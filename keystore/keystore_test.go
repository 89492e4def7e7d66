package keystore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

var tSuite = votefacility.Suite

func tempDir(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "keystore")
	require.NoError(t, err)
	return dir, func() { os.RemoveAll(dir) }
}

func TestKeyStore_LoadOrCreate(t *testing.T) {
	dir, clean := tempDir(t)
	defer clean()

	ks := New(tSuite, dir, nil)
	kp, err := ks.LoadOrCreate("server")
	require.NoError(t, err)
	require.FileExists(t, PublicFile(dir, "server"))
	require.FileExists(t, PrivateFile(dir, "server"))

	fi, err := os.Stat(PrivateFile(dir, "server"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	// A second call returns the stored pair.
	kp2, err := New(tSuite, dir, nil).LoadOrCreate("server")
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(kp2.Public))
	require.True(t, kp.Private.Equal(kp2.Private))

	// The public half is readable as a counterpart key.
	pub, err := ks.LookupPublicKey("server")
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(pub))
}

func TestKeyStore_HalfPair(t *testing.T) {
	dir, clean := tempDir(t)
	defer clean()

	ks := New(tSuite, dir, nil)
	_, err := ks.LoadOrCreate("server")
	require.NoError(t, err)
	require.NoError(t, os.Remove(PublicFile(dir, "server")))
	_, err = ks.LoadOrCreate("server")
	require.Error(t, err)

	// Mismatching halves are refused.
	other := key.NewKeyPair(tSuite)
	require.NoError(t, WritePublicFile(tSuite, PublicFile(dir, "server"), other.Public))
	_, err = ks.LoadOrCreate("server")
	require.Error(t, err)
}

func TestKeyStore_Lookup(t *testing.T) {
	dir, clean := tempDir(t)
	defer clean()

	ks := New(tSuite, dir, nil)
	_, err := ks.LookupPublicKey("123456789")
	require.True(t, xerrors.Is(err, ErrNotFound))

	for _, p := range []string{"", "..", "../etc", "a b", `a\b`} {
		_, err = ks.LookupPublicKey(p)
		require.True(t, xerrors.Is(err, ErrPrincipal), p)
	}

	kp := key.NewKeyPair(tSuite)
	require.NoError(t, ks.Publish("123456789", kp.Public))
	pub, err := ks.LookupPublicKey("123456789")
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(pub))
}

func TestKeyStore_Directory(t *testing.T) {
	dir, clean := tempDir(t)
	defer clean()

	d, err := OpenDirectory(tSuite, filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	ks := New(tSuite, dir, d)

	// A key published as a file is found and cached in the directory.
	kp := key.NewKeyPair(tSuite)
	require.NoError(t, WritePublicFile(tSuite, PublicFile(dir, "123456789"), kp.Public))
	pub, err := ks.LookupPublicKey("123456789")
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(pub))
	require.NoError(t, os.Remove(PublicFile(dir, "123456789")))
	pub, err = ks.LookupPublicKey("123456789")
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(pub))

	// Publish goes to the directory and replaces older keys.
	kp2 := key.NewKeyPair(tSuite)
	require.NoError(t, ks.Publish("123456789", kp2.Public))
	require.NoError(t, ks.Publish("987654321", kp.Public))
	require.NoError(t, d.Close())

	d, err = OpenDirectory(tSuite, filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	defer d.Close()
	pub, err = d.Get("123456789")
	require.NoError(t, err)
	require.True(t, kp2.Public.Equal(pub))

	list, err := d.List()
	require.NoError(t, err)
	require.Equal(t, []string{"123456789", "987654321"}, list)

	_, err = d.Get("111111111")
	require.True(t, xerrors.Is(err, ErrNotFound))
}
