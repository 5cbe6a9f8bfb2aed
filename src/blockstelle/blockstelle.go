package blockstelle

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/gleisnetz/blockstelle/src/config"
	"github.com/gleisnetz/blockstelle/src/crypto/keys"
	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/net"
	"github.com/gleisnetz/blockstelle/src/node"
	"github.com/gleisnetz/blockstelle/src/service"
	"github.com/gleisnetz/blockstelle/src/state"
	"github.com/gleisnetz/blockstelle/src/turi"
)

// Blockstelle is one fully wired RPU process: the consensus node, its ledger,
// the peer transport, the client ingress and the HTTP read API.
type Blockstelle struct {
	Config    *config.Config
	Genesis   *state.Genesis
	Ledger    *state.Ledger
	Transport net.Transport
	Node      *node.Node
	Service   *service.Service
	Turi      *turi.Server
}

// NewBlockstelle is a factory method to instantiate an RPU engine from a
// config object. Call Init before Run.
func NewBlockstelle(config *config.Config) *Blockstelle {
	engine := &Blockstelle{
		Config: config,
	}

	return engine
}

func (b *Blockstelle) initKey() error {
	if b.Config.Key == nil {
		simpleKeyfile := keys.NewSimpleKeyfile(b.Config.Keyfile())

		privKey, err := simpleKeyfile.ReadKey()
		if err != nil {
			b.Config.Logger().Warn("Cannot read private key from file", err)

			privKey, err = Keygen(b.Config.Keyfile())
			if err != nil {
				b.Config.Logger().Error("Cannot generate a new private key", err)
				return err
			}

			b.Config.Logger().Info("Created a new key: ", keys.PublicKeyHex(&privKey.PublicKey))
		}

		b.Config.Key = privKey
	}
	return nil
}

func (b *Blockstelle) initGenesis() error {
	jsonGenesis := state.NewJSONGenesis(b.Config.DataDir)

	genesis, err := jsonGenesis.Genesis()
	if err != nil {
		return fmt.Errorf("reading genesis: %v", err)
	}

	b.Genesis = genesis

	return nil
}

func (b *Blockstelle) initLedger() error {
	var store ledger.Store

	if !b.Config.Store {
		store = ledger.NewInmemStore(b.Config.CacheSize)

		b.Config.Logger().Debug("created new in-mem block store")
	} else {
		var err error

		b.Config.Logger().WithField("path", b.Config.DatabaseDir).Debug("Attempting to load or create database")

		store, err = ledger.LoadOrCreateBadgerStore(b.Config.CacheSize, b.Config.DatabaseDir)
		if err != nil {
			return err
		}

		if store.LastBlockIndex() >= 0 {
			b.Config.Logger().Debug("loaded badger store from existing database")
		} else {
			b.Config.Logger().Debug("created new badger store from fresh database")
		}
	}

	data, err := state.OpenDataStore(b.Config.DataStoreFile())
	if err != nil {
		store.Close()
		return err
	}

	b.Ledger = state.NewLedger(store, data, b.Config.SnapshotInterval, b.Config.Logger())

	return nil
}

func (b *Blockstelle) initTransport() error {
	transport, err := net.NewTCPTransport(
		b.Config.BindAddr,
		b.Config.AdvertiseAddr,
		b.Config.MaxPool,
		b.Config.TCPTimeout,
		b.Config.SyncTimeout,
		b.Config.Logger(),
	)
	if err != nil {
		return err
	}

	b.Transport = transport

	return nil
}

func (b *Blockstelle) initNode() error {
	validator := node.NewValidator(b.Config.Key, b.Config.Moniker)

	b.Config.Logger().WithField("peer_id", validator.PublicKeyHex()).Debug("PeerID")

	b.Node = node.NewNode(
		b.Config.NodeConfig(),
		validator,
		b.Genesis,
		b.Ledger,
		b.Transport,
	)

	if err := b.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (b *Blockstelle) initService() error {
	if !b.Config.NoService {
		b.Service = service.NewService(b.Config.ServiceAddr, b.Node, b.Config.Logger())
	}
	return nil
}

func (b *Blockstelle) initTuri() error {
	turiServer, err := turi.NewTCPServer(b.Config.TuriAddr, b.Node, b.Config.Logger())
	if err != nil {
		return err
	}

	b.Turi = turiServer

	return nil
}

// Init instantiates and wires all the engine components in dependency order.
func (b *Blockstelle) Init() error {
	if err := b.initKey(); err != nil {
		return err
	}

	if err := b.initGenesis(); err != nil {
		return err
	}

	if err := b.initLedger(); err != nil {
		return err
	}

	if err := b.initTransport(); err != nil {
		return err
	}

	if err := b.initNode(); err != nil {
		return err
	}

	if err := b.initService(); err != nil {
		return err
	}

	if err := b.initTuri(); err != nil {
		return err
	}

	return nil
}

// Run starts the background servers and blocks in the node's state machine
// until it shuts down.
func (b *Blockstelle) Run() {
	if b.Service != nil {
		go b.Service.Serve()
	}

	go b.Turi.Serve()

	go b.Transport.Listen()

	b.Node.Run()

	b.Turi.Close()
}

// Keygen generates a new key pair and persists it under keyfile. It refuses
// to overwrite an existing key.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
