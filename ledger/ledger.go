// Package ledger holds the durable per-candidate tally of the election.
package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
)

// ErrUnknownCandidate is returned for a name that is not on the ballot.
var ErrUnknownCandidate = xerrors.New("unknown candidate")

// Entry is the count of one candidate.
type Entry struct {
	Candidate string
	Count     uint64
}

// Ledger owns the tally. All methods are safe for concurrent use.
type Ledger struct {
	sync.Mutex
	path       string
	candidates []string
	counts     map[string]uint64
}

// Load reads the ballot from candidatesPath and the tally from resultPath.
// A missing tally is created with a zero count for every candidate.
func Load(candidatesPath, resultPath string) (*Ledger, error) {
	l := &Ledger{
		path:   resultPath,
		counts: make(map[string]uint64),
	}
	buf, err := ioutil.ReadFile(candidatesPath)
	if err != nil {
		return nil, votefacility.StorageError(err, "reading candidates")
	}
	err = scanLines(buf, func(n int, line string) error {
		if strings.ContainsAny(line, " \t") {
			log.Warnf("candidates line %d: %q has blanks, skipping", n, line)
			return nil
		}
		if _, ok := l.counts[line]; ok {
			return xerrors.Errorf("line %d: duplicate candidate %s", n, line)
		}
		l.candidates = append(l.candidates, line)
		l.counts[line] = 0
		return nil
	})
	if err != nil {
		return nil, votefacility.StorageError(err, "reading candidates")
	}

	buf, err = ioutil.ReadFile(resultPath)
	if os.IsNotExist(err) {
		log.Lvl2("No tally found, starting from zero")
		if err := l.Persist(); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, votefacility.StorageError(err, "reading tally")
	}
	if err := l.readTally(buf); err != nil {
		return nil, votefacility.StorageError(err, "reading tally")
	}
	return l, nil
}

func (l *Ledger) readTally(buf []byte) error {
	seen := make(map[string]bool)
	err := scanLines(buf, func(n int, line string) error {
		fields := strings.Split(line, " ")
		if len(fields) != 2 {
			log.Warnf("tally line %d: expected '<candidate> <count>', skipping", n)
			return nil
		}
		if _, ok := l.counts[fields[0]]; !ok {
			return xerrors.Errorf("line %d: %w: %s", n, ErrUnknownCandidate, fields[0])
		}
		c, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return xerrors.Errorf("line %d: bad count: %v", n, err)
		}
		l.counts[fields[0]] = c
		seen[fields[0]] = true
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range l.candidates {
		if !seen[c] {
			log.Warnf("tally has no entry for %s, starting at 0", c)
		}
	}
	return nil
}

// scanLines calls fn for every line up to the first blank one.
func scanLines(buf []byte, fn func(n int, line string) error) error {
	s := bufio.NewScanner(bytes.NewReader(buf))
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			break
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return s.Err()
}

// Has returns true if candidate is on the ballot.
func (l *Ledger) Has(candidate string) bool {
	l.Lock()
	defer l.Unlock()
	_, ok := l.counts[candidate]
	return ok
}

// Candidates returns the ballot in file order.
func (l *Ledger) Candidates() []string {
	return append([]string{}, l.candidates...)
}

// Increment adds one vote to candidate and persists the tally. If the tally
// cannot be written, the count is left as it was.
func (l *Ledger) Increment(candidate string) error {
	l.Lock()
	defer l.Unlock()
	if _, ok := l.counts[candidate]; !ok {
		return ErrUnknownCandidate
	}
	l.counts[candidate]++
	if err := l.persist(); err != nil {
		l.counts[candidate]--
		return err
	}
	return nil
}

// Snapshot returns the counts in ballot order.
func (l *Ledger) Snapshot() []Entry {
	l.Lock()
	defer l.Unlock()
	entries := make([]Entry, len(l.candidates))
	for i, c := range l.candidates {
		entries[i] = Entry{Candidate: c, Count: l.counts[c]}
	}
	return entries
}

// Counts returns a copy of the tally.
func (l *Ledger) Counts() map[string]uint64 {
	l.Lock()
	defer l.Unlock()
	counts := make(map[string]uint64, len(l.counts))
	for c, n := range l.counts {
		counts[c] = n
	}
	return counts
}

// Total returns the sum of all counts.
func (l *Ledger) Total() uint64 {
	l.Lock()
	defer l.Unlock()
	var total uint64
	for _, n := range l.counts {
		total += n
	}
	return total
}

// Persist writes the tally to disk.
func (l *Ledger) Persist() error {
	l.Lock()
	defer l.Unlock()
	return l.persist()
}

// persist replaces the tally file by writing a temporary file next to it
// and renaming it, so a reader sees either the old or the new tally.
func (l *Ledger) persist() error {
	var buf bytes.Buffer
	for _, c := range l.candidates {
		fmt.Fprintf(&buf, "%s %d\n", c, l.counts[c])
	}

	tmp, err := ioutil.TempFile(filepath.Dir(l.path), filepath.Base(l.path)+".tmp")
	if err != nil {
		return votefacility.StorageError(err, "creating tally")
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err := tmp.Chmod(0644); err != nil {
		return votefacility.StorageError(err, "creating tally")
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return votefacility.StorageError(err, "writing tally")
	}
	if err := tmp.Sync(); err != nil {
		return votefacility.StorageError(err, "syncing tally")
	}
	if err := tmp.Close(); err != nil {
		return votefacility.StorageError(err, "closing tally")
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return votefacility.StorageError(err, "replacing tally")
	}
	tmp = nil
	return nil
}
