package registry

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type testFiles struct {
	dir     string
	roll    string
	history string
}

func newTestFiles(t *testing.T, roll, history string) (*testFiles, func()) {
	dir, err := ioutil.TempDir("", "registry")
	require.NoError(t, err)
	tf := &testFiles{
		dir:     dir,
		roll:    filepath.Join(dir, "voterinfo"),
		history: filepath.Join(dir, "history"),
	}
	require.NoError(t, ioutil.WriteFile(tf.roll, []byte(roll), 0644))
	if history != "" {
		require.NoError(t, ioutil.WriteFile(tf.history, []byte(history), 0644))
	}
	return tf, func() { os.RemoveAll(dir) }
}

func (tf *testFiles) load(t *testing.T) *Registry {
	r, err := Load(tf.roll, tf.history)
	require.NoError(t, err)
	return r
}

func (tf *testFiles) readHistory(t *testing.T) string {
	buf, err := ioutil.ReadFile(tf.history)
	require.NoError(t, err)
	return string(buf)
}

const testRoll = "John 123456789\nMary 987654321\nBob 111111111\n"

func TestRegistry_Load(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll+"\nIgnored 222222222\n", "")
	defer clean()

	r := tf.load(t)
	defer r.Close()
	require.Equal(t, 3, r.Len())
	require.Equal(t, 0, r.Voted())
	require.FileExists(t, tf.history)
	require.Nil(t, r.Lookup("222222222"))

	john := r.FindByIdentity("John", "123456789")
	require.NotNil(t, john)
	require.Equal(t, john, r.Lookup("123456789"))
	voted, at := r.Status(john)
	require.False(t, voted)
	require.True(t, at.IsZero())

	require.Nil(t, r.FindByIdentity("john", "123456789"))
	require.Nil(t, r.FindByIdentity("John", "987654321"))
	require.Nil(t, r.FindByIdentity("John", "12345678"))
}

func TestRegistry_LoadRoll(t *testing.T) {
	for _, c := range []struct {
		name string
		roll string
		ok   bool
		n    int
	}{
		{"wrong field count is skipped", "John 123456789\nMary\nBob 111111111 extra\n", true, 1},
		{"windows line endings", "John 123456789\r\nMary 987654321\r\n", true, 2},
		{"duplicate number", "John 123456789\nMary 123456789\n", false, 0},
		{"short number", "John 12345678\n", false, 0},
		{"letters in number", "John 12345678a\n", false, 0},
		{"empty roll", "", true, 0},
	} {
		t.Run(c.name, func(t *testing.T) {
			tf, clean := newTestFiles(t, c.roll, "")
			defer clean()
			r, err := Load(tf.roll, tf.history)
			if !c.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.n, r.Len())
			r.Close()
		})
	}

	_, err := Load("/does/not/exist", "/does/not/exist/either")
	require.Error(t, err)
}

func TestRegistry_Replay(t *testing.T) {
	history := "123456789 2024-01-01T00:00:00Z\n" +
		"555555555 2024-01-01T00:00:01Z\n" +
		"987654321 yesterday\n" +
		"123456789 2024-02-01T00:00:00Z\n" +
		"garbage\n"
	tf, clean := newTestFiles(t, testRoll, history)
	defer clean()

	r := tf.load(t)
	defer r.Close()
	require.Equal(t, 2, r.Voted())

	voted, at := r.Status(r.Lookup("123456789"))
	require.True(t, voted)
	require.True(t, at.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	// An unreadable time doesn't undo the vote.
	voted, at = r.Status(r.Lookup("987654321"))
	require.True(t, voted)
	require.True(t, at.IsZero())
	_, err := r.MarkVoted(r.Lookup("987654321"), time.Now())
	require.True(t, xerrors.Is(err, ErrAlreadyVoted))

	// The history log is never rewritten by a replay.
	require.Equal(t, history, tf.readHistory(t))
}

func TestRegistry_ReplayTimeLayouts(t *testing.T) {
	for _, c := range []struct {
		ts       string
		expected time.Time
	}{
		{"2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T02:00:00.5+02:00", time.Date(2024, 1, 1, 0, 0, 0, 5e8, time.UTC)},
		{"2024-01-01T00:00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T10:30", time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	} {
		tf, clean := newTestFiles(t, testRoll, "123456789 "+c.ts+"\n")
		r := tf.load(t)
		voted, at := r.Status(r.Lookup("123456789"))
		require.True(t, voted, c.ts)
		require.True(t, at.Equal(c.expected), "%s: got %s", c.ts, at)
		r.Close()
		clean()
	}
}

func TestRegistry_ReplayMissingNewline(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "123456789 2024-01-01T00:00:00Z")
	defer clean()

	r := tf.load(t)
	voted, at := r.Status(r.Lookup("123456789"))
	require.True(t, voted)
	require.True(t, at.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	_, err := r.MarkVoted(r.Lookup("123456789"), time.Now())
	require.True(t, xerrors.Is(err, ErrAlreadyVoted))

	// The record is completed on disk and the next entry gets its own line.
	require.Equal(t, "123456789 2024-01-01T00:00:00Z\n", tf.readHistory(t))
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	_, err = r.MarkVoted(r.Lookup("987654321"), ts)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r = tf.load(t)
	defer r.Close()
	require.Equal(t, 2, r.Voted())
	voted, at = r.Status(r.Lookup("987654321"))
	require.True(t, voted)
	require.True(t, at.Equal(ts))
}

func TestRegistry_TornHistory(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "123456789 2024-01-01T00:00:00Z\n98765")
	defer clean()

	r := tf.load(t)
	require.Equal(t, 1, r.Voted())
	require.Equal(t, "123456789 2024-01-01T00:00:00Z\n", tf.readHistory(t))

	_, err := r.MarkVoted(r.Lookup("987654321"), time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r = tf.load(t)
	defer r.Close()
	require.Equal(t, 2, r.Voted())
}

func TestRegistry_MarkVoted(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "")
	defer clean()

	r := tf.load(t)
	john := r.Lookup("123456789")
	ts := time.Date(2024, 3, 4, 5, 6, 7, 8, time.FixedZone("CET", 3600))

	m, err := r.MarkVoted(john, ts)
	require.NoError(t, err)
	require.NotNil(t, m)
	voted, at := r.Status(john)
	require.True(t, voted)
	require.True(t, at.Equal(ts))
	require.Equal(t, "123456789 2024-03-04T04:06:07.000000008Z\n", tf.readHistory(t))

	_, err = r.MarkVoted(john, time.Now())
	require.True(t, xerrors.Is(err, ErrAlreadyVoted))
	require.Equal(t, 1, r.Voted())

	_, err = r.MarkVoted(&Voter{Name: "John", Number: "123456789"}, time.Now())
	require.True(t, xerrors.Is(err, ErrUnknownVoter))
	require.NoError(t, r.Close())

	// Restart
	r = tf.load(t)
	defer r.Close()
	voted, at = r.Status(r.Lookup("123456789"))
	require.True(t, voted)
	require.True(t, at.Equal(ts))
}

func TestRegistry_Concurrent(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "")
	defer clean()

	r := tf.load(t)
	defer r.Close()
	john := r.Lookup("123456789")

	n := 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.MarkVoted(john, time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		} else {
			require.True(t, xerrors.Is(err, ErrAlreadyVoted))
		}
	}
	require.Equal(t, 1, success)
	require.Equal(t, 1, r.Voted())
}

func TestRegistry_Undo(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "")
	defer clean()

	r := tf.load(t)
	john, mary := r.Lookup("123456789"), r.Lookup("987654321")

	_, err := r.MarkVoted(john, time.Now())
	require.NoError(t, err)
	before := tf.readHistory(t)

	m, err := r.MarkVoted(mary, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Undo(m))
	voted, at := r.Status(mary)
	require.False(t, voted)
	require.True(t, at.IsZero())
	require.Equal(t, 1, r.Voted())
	require.Equal(t, before, tf.readHistory(t))

	// A mark can only be undone once.
	require.True(t, xerrors.Is(r.Undo(m), ErrStaleMark))

	// Only the last mark can be undone.
	m1, err := r.MarkVoted(mary, time.Now())
	require.NoError(t, err)
	_, err = r.MarkVoted(r.Lookup("111111111"), time.Now())
	require.NoError(t, err)
	require.True(t, xerrors.Is(r.Undo(m1), ErrStaleMark))
	require.Equal(t, 3, r.Voted())
	require.NoError(t, r.Close())

	r = tf.load(t)
	defer r.Close()
	require.Equal(t, 3, r.Voted())
}

func TestRegistry_AppendHistory(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "")
	defer clean()

	r := tf.load(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.AppendHistory("123456789", ts))
	require.NoError(t, r.AppendHistory("123456789", ts.Add(time.Hour)))
	// The in-memory state only changes through MarkVoted.
	require.Equal(t, 0, r.Voted())
	require.NoError(t, r.Close())

	r = tf.load(t)
	defer r.Close()
	voted, at := r.Status(r.Lookup("123456789"))
	require.True(t, voted)
	require.True(t, at.Equal(ts))
}

func TestRegistry_FailedAppend(t *testing.T) {
	tf, clean := newTestFiles(t, testRoll, "")
	defer clean()

	r := tf.load(t)
	defer r.Close()
	john, mary := r.Lookup("123456789"), r.Lookup("987654321")
	_, err := r.MarkVoted(john, time.Now())
	require.NoError(t, err)
	before := tf.readHistory(t)

	// A partial line left by a failed append is cut off.
	_, err = r.history.WriteString("98765")
	require.NoError(t, err)
	r.dropTail()
	require.Equal(t, before, tf.readHistory(t))

	// Appending to a read-only history fails without marking the voter.
	w := r.history
	ro, err := os.Open(tf.history)
	require.NoError(t, err)
	r.history = ro
	_, err = r.MarkVoted(mary, time.Now())
	require.Error(t, err)
	voted, _ := r.Status(mary)
	require.False(t, voted)
	require.Equal(t, 1, r.Voted())
	require.NoError(t, ro.Close())

	r.history = w
	_, err = r.MarkVoted(mary, time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, r.Voted())
	require.NoError(t, r.Close())

	r = tf.load(t)
	require.Equal(t, 2, r.Voted())
}

func TestValid(t *testing.T) {
	require.True(t, ValidName("John"))
	require.False(t, ValidName(""))
	require.False(t, ValidName("John Doe"))
	require.True(t, ValidNumber("000000000"))
	require.False(t, ValidNumber("1234567890"))
	require.False(t, ValidNumber("12345678a"))
}
