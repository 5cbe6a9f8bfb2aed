// Package config defines the configuration for a blockstelle RPU.
//
// Regardless of how blockstelle is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, blockstelle relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  priv_key // a plain text file containing the raw private key (cf. blockstelle keygen).
//  genesis.json // the genesis document naming the initial accounts and the RPU committee.
//
// The same directory receives the files the RPU produces: the Badger block
// database (unless --db points elsewhere) and the sqlite value index.
package config
