// Package facility is the voting server: it authenticates voters, lets each
// of them vote once and shows them their history and the result.
package facility

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/votefacility"
	"go.dedis.ch/votefacility/keystore"
	"go.dedis.ch/votefacility/ledger"
	"go.dedis.ch/votefacility/network"
	"go.dedis.ch/votefacility/registry"
)

// Service is a running facility.
type Service struct {
	config    *Config
	suite     keystore.Suite
	pair      *key.Pair
	keys      *keystore.KeyStore
	directory *keystore.Directory
	registry  *registry.Registry
	ledger    *ledger.Ledger
	verifier  *Verifier

	// txLock serializes the vote transactions.
	txLock sync.Mutex

	listener     *network.TCPListener
	sessions     map[uuid.UUID]*session
	sessionsLock sync.Mutex
	closing      bool
	wg           sync.WaitGroup
}

// New loads the keys, the roll, the history and the tally given in c.
func New(c *Config) (*Service, error) {
	s := &Service{
		config:   c,
		suite:    votefacility.Suite,
		sessions: make(map[uuid.UUID]*session),
	}
	if err := s.load(); err != nil {
		s.closeStorage()
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	if err := os.MkdirAll(s.config.DataDir, 0700); err != nil {
		return votefacility.StorageError(err, "creating data folder")
	}
	var err error
	if s.config.Directory != "" {
		s.directory, err = keystore.OpenDirectory(s.suite, s.config.Path(s.config.Directory))
		if err != nil {
			return votefacility.StorageError(err, "opening key directory")
		}
	}
	s.keys = keystore.New(s.suite, s.config.Path(s.config.KeyDir), s.directory)
	s.pair, err = s.keys.LoadOrCreate(s.config.Principal)
	if err != nil {
		return votefacility.ConfigurationError(err, "loading facility key")
	}
	s.registry, err = registry.Load(s.config.Path(s.config.Roll), s.config.Path(s.config.History))
	if err != nil {
		return err
	}
	s.ledger, err = ledger.Load(s.config.Path(s.config.Candidates), s.config.Path(s.config.Result))
	if err != nil {
		return err
	}
	s.verifier = NewVerifier(s.suite, s.pair.Private, s.keys, s.registry)
	s.checkConsistency()
	log.Lvlf1("Facility ready: %d voters, %d candidates, %d votes",
		s.registry.Len(), len(s.ledger.Candidates()), s.ledger.Total())
	return nil
}

// checkConsistency compares the tally with the history. After a crash in
// the middle of a vote the history can be ahead of the tally; as the history
// doesn't say for whom the vote was, this cannot be repaired here.
func (s *Service) checkConsistency() bool {
	total, voted := s.ledger.Total(), uint64(s.registry.Voted())
	if total != voted {
		log.Warnf("Tally has %d votes but %d voters have voted", total, voted)
		return false
	}
	return true
}

// PublicKey returns the key voters seal their identity to.
func (s *Service) PublicKey() kyber.Point {
	return s.pair.Public
}

// Listen binds the listener to port, or to the port of the configuration if
// port is 0. If both are 0 a free port is chosen. Serve must be called to
// accept voters.
func (s *Service) Listen(port int) error {
	if port == 0 {
		port = s.config.Port
	}
	if port < 0 || port > 65535 {
		return votefacility.ConfigurationError(xerrors.Errorf("invalid port %d", port), "")
	}
	addr := network.NewTCPAddress(net.JoinHostPort(s.config.Bind, strconv.Itoa(port)))
	ln, err := network.NewTCPListener(addr)
	if err != nil {
		return votefacility.ConfigurationError(err, "")
	}
	s.listener = ln
	return nil
}

// Address returns where the facility listens, once Listen returned.
func (s *Service) Address() network.Address {
	if s.listener == nil {
		return ""
	}
	return s.listener.Address()
}

// Serve accepts voters till Close is called. Every voter is handled in its
// own go-routine.
func (s *Service) Serve() error {
	if s.listener == nil {
		return xerrors.New("not listening")
	}
	log.Lvl1("Listening on", s.listener.Address())
	return s.listener.Listen(s.handle)
}

func (s *Service) handle(c *network.TCPConn) {
	sess := newSession(s, c)
	s.sessionsLock.Lock()
	if s.closing {
		s.sessionsLock.Unlock()
		c.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	s.sessionsLock.Unlock()

	defer s.wg.Done()
	sess.run()
}

func (s *Service) removeSession(sess *session) {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	delete(s.sessions, sess.id)
}

// Sessions returns how many voters are connected.
func (s *Service) Sessions() int {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	return len(s.sessions)
}

// castVote runs the transaction of one vote. The history is written first,
// as it is what is replayed at startup; if the tally cannot be written the
// history entry is removed again.
func (s *Service) castVote(v *registry.Voter, candidate string) network.Status {
	s.txLock.Lock()
	defer s.txLock.Unlock()

	if voted, _ := s.registry.Status(v); voted {
		return network.StatusAlreadyVoted
	}
	if !s.ledger.Has(candidate) {
		return network.StatusUnknownCandidate
	}
	mark, err := s.registry.MarkVoted(v, time.Now())
	if err != nil {
		if xerrors.Is(err, registry.ErrAlreadyVoted) {
			return network.StatusAlreadyVoted
		}
		log.Error("Couldn't record vote of", v, ":", err)
		return network.StatusFailure
	}
	if err := s.ledger.Increment(candidate); err != nil {
		log.Error("Couldn't update tally:", err)
		if err := s.registry.Undo(mark); err != nil {
			log.Error("Couldn't undo history of", v, ":", err)
		}
		return network.StatusFailure
	}
	log.Lvl2(v, "voted")
	return network.StatusOK
}

// Close stops the listener, closes all sessions and waits for them to
// finish before releasing the files.
func (s *Service) Close() error {
	s.sessionsLock.Lock()
	s.closing = true
	s.sessionsLock.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Stop()
	}

	s.sessionsLock.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.sessionsLock.Unlock()
	s.wg.Wait()

	if e := s.closeStorage(); err == nil {
		err = e
	}
	return err
}

func (s *Service) closeStorage() error {
	var err error
	if s.registry != nil {
		err = s.registry.Close()
	}
	if s.directory != nil {
		if e := s.directory.Close(); err == nil {
			err = e
		}
	}
	return err
}
