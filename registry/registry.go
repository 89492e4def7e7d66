// Package registry keeps the roll of eligible voters together with who has
// already voted. The roll is read once at startup; the voted state is
// replayed from the history log, an append-only file that receives one line
// per accepted vote and is the source of truth after a crash.
package registry

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
)

// TimeFormat is the layout of the timestamps of the history log.
const TimeFormat = time.RFC3339Nano

var (
	// ErrAlreadyVoted is returned by MarkVoted for a voter that has voted.
	ErrAlreadyVoted = xerrors.New("already voted")
	// ErrUnknownVoter is returned for a voter that isn't part of the roll.
	ErrUnknownVoter = xerrors.New("unknown voter")
	// ErrStaleMark is returned by Undo when the mark is not the last thing
	// written to the history.
	ErrStaleMark = xerrors.New("mark is not the last history entry")
)

// Voter is an entry of the roll. Name and Number never change; the voted
// state is only reachable through the Registry that owns the voter.
type Voter struct {
	Name   string
	Number string

	voted   bool
	votedAt time.Time
}

func (v *Voter) String() string {
	return v.Name + "/" + v.Number
}

// Mark is the receipt of a MarkVoted call. It allows to roll the vote back
// as long as the surrounding transaction didn't commit.
type Mark struct {
	voter  *Voter
	offset int64
	end    int64
}

// Registry owns the voters and the history log.
type Registry struct {
	sync.Mutex
	voters   []*Voter
	byNumber map[string]*Voter
	voted    int

	history     *os.File
	historySize int64
}

// Load reads the roll and replays the history log on top of it. A missing
// history log is created empty.
func Load(rollPath, historyPath string) (*Registry, error) {
	f, err := os.Open(rollPath)
	if err != nil {
		return nil, votefacility.StorageError(err, "opening roll")
	}
	defer f.Close()

	r := &Registry{byNumber: make(map[string]*Voter)}
	if err := r.readRoll(f); err != nil {
		return nil, votefacility.StorageError(err, "reading roll")
	}

	h, err := os.OpenFile(historyPath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, votefacility.StorageError(err, "opening history")
	}
	size, err := r.replay(h)
	if err != nil {
		h.Close()
		return nil, votefacility.StorageError(err, "replaying history")
	}
	r.history = h
	r.historySize = size
	log.Lvlf2("Loaded %d voters, %d of them have voted", len(r.voters), r.voted)
	return r, nil
}

// ValidName returns true if name can be part of the roll.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, " \t\r\n")
}

// ValidNumber returns true if number is a 9-digit registration number.
func ValidNumber(number string) bool {
	if len(number) != 9 {
		return false
	}
	for _, c := range number {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (r *Registry) readRoll(rd io.Reader) error {
	return scanRecords(rd, func(n int, fields []string) error {
		if len(fields) != 2 {
			log.Warnf("roll line %d: expected '<name> <number>', skipping", n)
			return nil
		}
		name, number := fields[0], fields[1]
		if !ValidName(name) || !ValidNumber(number) {
			return xerrors.Errorf("line %d: invalid voter %q %q", n, name, number)
		}
		if _, ok := r.byNumber[number]; ok {
			return xerrors.Errorf("line %d: duplicate registration number %s", n, number)
		}
		v := &Voter{Name: name, Number: number}
		r.voters = append(r.voters, v)
		r.byNumber[number] = v
		return nil
	})
}

// replay applies the history to the voters, the first entry of a voter
// wins. A last line without its newline is kept if it is a complete record,
// otherwise it is what is left of a crash in the middle of an append and is
// cut off. It returns the size of the history in bytes.
func (r *Registry) replay(h *os.File) (int64, error) {
	data, err := ioutil.ReadAll(h)
	if err != nil {
		return 0, err
	}
	if end := bytes.LastIndexByte(data, '\n') + 1; end < len(data) {
		tail := strings.TrimRight(string(data[end:]), "\r")
		if completeRecord(tail) {
			log.Lvl2("history: adding the missing newline of the last line")
			if _, err := h.WriteString("\n"); err != nil {
				return 0, err
			}
			if err := h.Sync(); err != nil {
				return 0, err
			}
			data = append(data, '\n')
		} else {
			log.Warnf("history: dropping %d bytes of an incomplete line", len(data)-end)
			if err := h.Truncate(int64(end)); err != nil {
				return 0, err
			}
			data = data[:end]
		}
	}
	err = scanRecords(bytes.NewReader(data), func(n int, fields []string) error {
		if len(fields) != 2 {
			log.Warnf("history line %d: expected '<number> <time>', skipping", n)
			return nil
		}
		v, ok := r.byNumber[fields[0]]
		if !ok {
			log.Warnf("history line %d: %s is not in the roll", n, fields[0])
			return nil
		}
		if v.voted {
			log.Lvl3("Duplicate history entry for", v.Number)
			return nil
		}
		ts, err := parseTime(fields[1])
		if err != nil {
			// The entry still proves the vote, only its time is lost.
			log.Warnf("history line %d: bad time %q, keeping the vote of %s", n, fields[1], v.Number)
		}
		v.voted = true
		v.votedAt = ts
		r.voted++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// timeLayouts are the ISO-8601 forms accepted in the history. Times without
// a zone are in UTC.
var timeLayouts = []string{
	TimeFormat,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTime returns the zero time together with the error if s matches
// none of timeLayouts.
func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, err
}

// completeRecord returns true if line is a well formed history entry.
func completeRecord(line string) bool {
	fields := strings.Split(line, " ")
	if len(fields) != 2 || !ValidNumber(fields[0]) {
		return false
	}
	_, err := parseTime(fields[1])
	return err == nil
}

// scanRecords calls fn for every line up to the first blank one, with the
// line split on single spaces.
func scanRecords(rd io.Reader, fn func(n int, fields []string) error) error {
	s := bufio.NewScanner(rd)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimRight(s.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		if err := fn(n, strings.Split(line, " ")); err != nil {
			return err
		}
	}
	return s.Err()
}

// Len returns the number of voters on the roll.
func (r *Registry) Len() int {
	return len(r.voters)
}

// Voters returns the voters in roll order.
func (r *Registry) Voters() []*Voter {
	return append([]*Voter{}, r.voters...)
}

// FindByIdentity returns the voter whose name and number both match
// exactly, or nil.
func (r *Registry) FindByIdentity(name, number string) *Voter {
	v := r.byNumber[number]
	if v == nil || v.Name != name {
		return nil
	}
	return v
}

// Lookup returns the voter with the given registration number, or nil.
func (r *Registry) Lookup(number string) *Voter {
	return r.byNumber[number]
}

// Status returns whether v has voted, and when.
func (r *Registry) Status(v *Voter) (bool, time.Time) {
	r.Lock()
	defer r.Unlock()
	return v.voted, v.votedAt
}

// Voted returns how many voters have voted.
func (r *Registry) Voted() int {
	r.Lock()
	defer r.Unlock()
	return r.voted
}

// MarkVoted records that v voted at ts. The check and the update are atomic:
// of two concurrent calls for the same voter exactly one succeeds, the other
// gets ErrAlreadyVoted. The history line is on disk before the in-memory
// state changes.
func (r *Registry) MarkVoted(v *Voter, ts time.Time) (*Mark, error) {
	r.Lock()
	defer r.Unlock()

	if r.byNumber[v.Number] != v {
		return nil, ErrUnknownVoter
	}
	if v.voted {
		return nil, ErrAlreadyVoted
	}
	ts = ts.UTC()
	offset := r.historySize
	if err := r.appendHistory(v.Number, ts); err != nil {
		return nil, err
	}
	v.voted = true
	v.votedAt = ts
	r.voted++
	return &Mark{voter: v, offset: offset, end: r.historySize}, nil
}

// Undo removes a vote that was marked but whose transaction failed. It only
// works for the last mark written.
func (r *Registry) Undo(m *Mark) error {
	r.Lock()
	defer r.Unlock()

	if m.end != r.historySize || !m.voter.voted {
		return ErrStaleMark
	}
	if err := r.history.Truncate(m.offset); err != nil {
		return votefacility.StorageError(err, "truncating history")
	}
	if err := r.history.Sync(); err != nil {
		return votefacility.StorageError(err, "syncing history")
	}
	r.historySize = m.offset
	m.voter.voted = false
	m.voter.votedAt = time.Time{}
	r.voted--
	return nil
}

// AppendHistory writes one line to the history log without touching the
// voters. Appending the same entry twice is harmless since the replay keeps
// the first one.
func (r *Registry) AppendHistory(number string, ts time.Time) error {
	r.Lock()
	defer r.Unlock()
	return r.appendHistory(number, ts.UTC())
}

func (r *Registry) appendHistory(number string, ts time.Time) error {
	line := fmt.Sprintf("%s %s\n", number, ts.Format(TimeFormat))
	n, err := r.history.WriteString(line)
	if err != nil {
		// Drop whatever part of the line made it to the file.
		if n > 0 {
			r.dropTail()
		}
		return votefacility.StorageError(err, "appending history")
	}
	if err := r.history.Sync(); err != nil {
		r.dropTail()
		return votefacility.StorageError(err, "syncing history")
	}
	r.historySize += int64(n)
	return nil
}

// dropTail cuts the history back to historySize. If that fails, the partial
// line is at least terminated so the next entry starts on a line of its own.
func (r *Registry) dropTail() {
	err := r.history.Truncate(r.historySize)
	if err == nil {
		return
	}
	log.Error("Couldn't remove partial history entry:", err)
	if _, err := r.history.WriteString("\n"); err != nil {
		log.Error("Couldn't terminate partial history entry:", err)
	}
	if fi, err := r.history.Stat(); err == nil {
		r.historySize = fi.Size()
	}
}

// Close releases the history log.
func (r *Registry) Close() error {
	r.Lock()
	defer r.Unlock()
	if r.history == nil {
		return nil
	}
	err := r.history.Close()
	r.history = nil
	return err
}
