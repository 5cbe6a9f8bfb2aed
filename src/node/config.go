package node

import (
	"testing"
	"time"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/sirupsen/logrus"
)

// Config holds the parameters of the consensus node.
type Config struct {
	// ViewChangeTimeout is how long a round may stay in flight before this
	// RPU suspects the leader and votes to rotate it. It is also the grace
	// period a freshly elected leader gets to produce its first proposal.
	ViewChangeTimeout time.Duration `mapstructure:"view-change-timeout"`

	// SuspectTimeout is the censorship bound: if the oldest transaction in
	// the local queue has waited this long without being committed, the RPU
	// votes to rotate the leader even though no round is in flight.
	SuspectTimeout time.Duration `mapstructure:"suspect-timeout"`

	// TCPTimeout is the timeout applied to peer-to-peer requests.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// SyncTimeout is the timeout applied to block-transfer requests, which
	// carry whole runs of blocks and deserve more patience.
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// SyncLimit is the maximum number of blocks returned in one sync
	// response.
	SyncLimit int `mapstructure:"sync-limit"`

	// MaxBlockTransactions caps the number of transactions the leader packs
	// into one proposal.
	MaxBlockTransactions int `mapstructure:"max-block-transactions"`

	// CacheSize is the size of the block store LRU cache. It also bounds the
	// window of committed transaction hashes kept for duplicate detection.
	CacheSize int `mapstructure:"cache-size"`

	Logger *logrus.Logger
}

func NewConfig(viewChangeTimeout time.Duration,
	suspectTimeout time.Duration,
	timeout time.Duration,
	syncTimeout time.Duration,
	syncLimit int,
	maxBlockTransactions int,
	cacheSize int,
	logger *logrus.Logger) *Config {

	return &Config{
		ViewChangeTimeout:    viewChangeTimeout,
		SuspectTimeout:       suspectTimeout,
		TCPTimeout:           timeout,
		SyncTimeout:          syncTimeout,
		SyncLimit:            syncLimit,
		MaxBlockTransactions: maxBlockTransactions,
		CacheSize:            cacheSize,
		Logger:               logger,
	}
}

func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		ViewChangeTimeout:    1000 * time.Millisecond,
		SuspectTimeout:       10000 * time.Millisecond,
		TCPTimeout:           1000 * time.Millisecond,
		SyncTimeout:          3000 * time.Millisecond,
		SyncLimit:            1000,
		MaxBlockTransactions: 1000,
		CacheSize:            5000,
		Logger:               logger,
	}
}

func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.ViewChangeTimeout = 300 * time.Millisecond
	config.SuspectTimeout = 1000 * time.Millisecond
	config.Logger = common.NewTestLogger(t, common.TestLogLevel)
	return config
}
