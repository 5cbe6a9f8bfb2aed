package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/node"
)

// Default filenames inside the data directory.
const (
	// DefaultKeyfile is the default name of the file containing the RPU's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger block database
	DefaultBadgerFile = "badger_db"

	// DefaultDataStoreFile is the default name of the sqlite file holding the
	// derived time-series index
	DefaultDataStoreFile = "values.db"

	// DefaultGenesisFile is the default name of the genesis document
	DefaultGenesisFile = "genesis.json"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:1337"
	DefaultTuriAddr          = "127.0.0.1:2337"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultViewChangeTimeout = 1000 * time.Millisecond
	DefaultSuspectTimeout    = 10000 * time.Millisecond
	DefaultTCPTimeout        = 1000 * time.Millisecond
	DefaultSyncTimeout       = 3000 * time.Millisecond
	DefaultCacheSize         = 5000
	DefaultSyncLimit         = 1000
	DefaultMaxBlockTxs       = 1000
	DefaultSnapshotInterval  = 1024
	DefaultMaxPool           = 2
	DefaultStore             = false
)

// Config contains all the configuration properties of a blockstelle RPU.
type Config struct {
	// DataDir is the top-level directory containing blockstelle configuration
	// and data. The private key and the genesis document are expected there.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogDir, when set, writes per-level log files into the given directory
	// on top of the console output.
	LogDir string `mapstructure:"log-dir"`

	// Moniker defines the friendly name of this RPU.
	Moniker string `mapstructure:"moniker"`

	// BindAddr is the local address:port where this RPU talks consensus with
	// its peers. In some cases, there may be a routable address that cannot
	// be bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// RPUs.
	AdvertiseAddr string `mapstructure:"advertise"`

	// TuriAddr is the local address:port of the client-facing transaction
	// ingress.
	TuriAddr string `mapstructure:"turi-listen"`

	// NoService disables the HTTP read API.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP read API. If not specified,
	// and "no-service" is not set, the API handlers are registered with the
	// DefaultServerMux of the http package, and become reachable through any
	// other server in the process using that mux.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the
	// consensus transport.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of consensus RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// SyncTimeout is the timeout of block-transfer RPCs, whose responses
	// carry whole runs of blocks.
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// ViewChangeTimeout is how long a round may stay undecided before this
	// RPU votes to rotate the leader.
	ViewChangeTimeout time.Duration `mapstructure:"view-change-timeout"`

	// SuspectTimeout is the censorship bound: the longest a queued
	// transaction may wait uncommitted before the leader is suspected.
	SuspectTimeout time.Duration `mapstructure:"suspect-timeout"`

	// SyncLimit defines the max number of blocks to include in a
	// SyncResponse.
	SyncLimit int `mapstructure:"sync-limit"`

	// MaxBlockTransactions caps the number of transactions in one block.
	MaxBlockTransactions int `mapstructure:"max-block-transactions"`

	// Store activates persistent block storage in Badger. Without it the
	// chain lives in memory and is rebuilt from peers on restart.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing the Badger database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// SnapshotInterval is the number of blocks between world-state
	// checkpoints. 0 disables checkpointing and replay always starts from
	// genesis.
	SnapshotInterval int64 `mapstructure:"snapshot-interval"`

	// Key is the private key of the RPU.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:              DefaultDataDir(),
		LogLevel:             DefaultLogLevel,
		BindAddr:             DefaultBindAddr,
		TuriAddr:             DefaultTuriAddr,
		ServiceAddr:          DefaultServiceAddr,
		ViewChangeTimeout:    DefaultViewChangeTimeout,
		SuspectTimeout:       DefaultSuspectTimeout,
		TCPTimeout:           DefaultTCPTimeout,
		SyncTimeout:          DefaultSyncTimeout,
		CacheSize:            DefaultCacheSize,
		SyncLimit:            DefaultSyncLimit,
		MaxBlockTransactions: DefaultMaxBlockTxs,
		SnapshotInterval:     DefaultSnapshotInterval,
		MaxPool:              DefaultMaxPool,
		Store:                DefaultStore,
		DatabaseDir:          DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level blockstelle directory, and updates the
// database directory if it is currently set to the default value. If the
// database directory is not currently the default, it means the user has
// explicitely set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// GenesisFile returns the full path of the genesis document.
func (c *Config) GenesisFile() string {
	return filepath.Join(c.DataDir, DefaultGenesisFile)
}

// DataStoreFile returns the full path of the sqlite value index.
func (c *Config) DataStoreFile() string {
	return filepath.Join(c.DataDir, DefaultDataStoreFile)
}

// NodeConfig derives the consensus parameters handed to the node.
func (c *Config) NodeConfig() *node.Config {
	cfg := node.NewConfig(
		c.ViewChangeTimeout,
		c.SuspectTimeout,
		c.TCPTimeout,
		c.SyncTimeout,
		c.SyncLimit,
		c.MaxBlockTransactions,
		c.CacheSize,
		nil,
	)
	cfg.Logger = c.baseLogger()
	return cfg
}

// Logger returns a formatted logrus Entry, with prefix set to "blockstelle".
func (c *Config) Logger() *logrus.Entry {
	return c.baseLogger().WithField("prefix", "blockstelle")
}

func (c *Config) baseLogger() *logrus.Logger {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogDir != "" {
			if hook, err := fileHook(c.LogDir); err != nil {
				c.logger.WithError(err).Warn("Cannot log to files, using console only")
			} else {
				c.logger.Hooks.Add(hook)
			}
		}
	}
	return c.logger
}

// fileHook builds an lfshook writing info and debug output to separate files
// under dir.
func fileHook(dir string) (logrus.Hook, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	pathMap := lfshook.PathMap{}

	for _, l := range []struct {
		level logrus.Level
		name  string
	}{
		{logrus.InfoLevel, "blockstelle_info.log"},
		{logrus.DebugLevel, "blockstelle_debug.log"},
	} {
		path := filepath.Join(dir, l.name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		f.Close()
		pathMap[l.level] = path
	}

	return lfshook.NewHook(pathMap, &logrus.TextFormatter{}), nil
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level blockstelle
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Blockstelle")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Blockstelle")
		} else {
			return filepath.Join(home, ".blockstelle")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
