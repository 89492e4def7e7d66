package facility

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/onet/v3/cfgpath"

	"go.dedis.ch/votefacility"
)

// DefaultIdleTimeout is how long a session may stay silent.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultPrincipal names the key pair of the facility.
const DefaultPrincipal = "server"

// Config holds everything the facility needs to start. Relative file names
// are taken relative to DataDir.
type Config struct {
	// Port to listen on, 0 means it must be given on the command line.
	Port int
	// Bind is the host part of the listening address, empty for all
	// interfaces.
	Bind string

	DataDir    string
	Roll       string
	Candidates string
	History    string
	Result     string
	KeyDir     string
	// Directory is the bbolt file of the registered voter keys, empty to
	// only use key files.
	Directory string

	Principal   string
	IdleTimeout string

	idle time.Duration
}

// DefaultConfig returns a configuration with the usual file names in the
// data directory of the "votefacility" application.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     cfgpath.GetDataPath("votefacility"),
		Roll:        "voterinfo",
		Candidates:  "candidateinfo",
		History:     "history",
		Result:      "result",
		KeyDir:      "keys",
		Directory:   "keys.db",
		Principal:   DefaultPrincipal,
		IdleTimeout: DefaultIdleTimeout.String(),
		idle:        DefaultIdleTimeout,
	}
}

// LoadConfig reads a TOML file on top of the default configuration. An empty
// path returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, votefacility.ConfigurationError(err, "reading "+path)
		}
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) check() error {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return votefacility.ConfigurationError(err, "IdleTimeout")
	}
	if d <= 0 {
		return votefacility.ConfigurationError(os.ErrInvalid, "IdleTimeout must be positive")
	}
	c.idle = d
	if c.Port < 0 || c.Port > 65535 {
		return votefacility.ConfigurationError(os.ErrInvalid, "Port out of range")
	}
	if c.Principal == "" {
		c.Principal = DefaultPrincipal
	}
	return nil
}

// Idle returns the parsed IdleTimeout.
func (c *Config) Idle() time.Duration {
	if c.idle == 0 {
		return DefaultIdleTimeout
	}
	return c.idle
}

// Path returns name relative to DataDir, or "" for an empty name.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return votefacility.ConfigurationError(err, "")
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return votefacility.ConfigurationError(err, "")
	}
	return f.Close()
}
