package commands

import (
	"github.com/gleisnetz/blockstelle/src/blockstelle"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts an RPU
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run RPU",
		PreRunE: loadConfig,
		RunE:    runBlockstelle,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runBlockstelle(cmd *cobra.Command, args []string) error {
	engine := blockstelle.NewBlockstelle(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-dir", _config.LogDir, "Directory for per-level log files")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for consensus RPCs")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for consensus RPCs")
	cmd.Flags().StringP("turi-listen", "u", _config.TuriAddr, "Listen IP:Port for client transactions")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Duration("sync-timeout", _config.SyncTimeout, "Block-transfer TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Do not serve the HTTP read API")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP read API")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")
	cmd.Flags().Int64("snapshot-interval", _config.SnapshotInterval, "Number of blocks between state checkpoints")

	// Consensus
	cmd.Flags().Duration("view-change-timeout", _config.ViewChangeTimeout, "Time before an undecided round rotates the leader")
	cmd.Flags().Duration("suspect-timeout", _config.SuspectTimeout, "Time a queued transaction may wait before the leader is suspected")
	cmd.Flags().Int("sync-limit", _config.SyncLimit, "Max number of blocks for sync")
	cmd.Flags().Int("max-block-transactions", _config.MaxBlockTransactions, "Max number of transactions per block")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":              _config.DataDir,
		"BindAddr":             _config.BindAddr,
		"AdvertiseAddr":        _config.AdvertiseAddr,
		"TuriAddr":             _config.TuriAddr,
		"ServiceAddr":          _config.ServiceAddr,
		"NoService":            _config.NoService,
		"MaxPool":              _config.MaxPool,
		"Store":                _config.Store,
		"LogLevel":             _config.LogLevel,
		"Moniker":              _config.Moniker,
		"ViewChangeTimeout":    _config.ViewChangeTimeout,
		"SuspectTimeout":       _config.SuspectTimeout,
		"TCPTimeout":           _config.TCPTimeout,
		"SyncTimeout":          _config.SyncTimeout,
		"CacheSize":            _config.CacheSize,
		"SyncLimit":            _config.SyncLimit,
		"MaxBlockTransactions": _config.MaxBlockTransactions,
		"SnapshotInterval":     _config.SnapshotInterval,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/blockstelle.toml (.json, .yaml also work)
	viper.SetConfigName("blockstelle") // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
