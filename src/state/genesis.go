package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/peers"
)

const jsonGenesisPath = "genesis.json"

// GenesisAccount describes one account of the genesis document. Type uses the
// account type names (Normal, BlockReader, Admin, RPU).
type GenesisAccount struct {
	PeerID        string
	Name          string
	Type          string
	Expiry        int64                 `json:"Expiry,omitempty"`
	WritingRights bool                  `json:"WritingRights,omitempty"`
	ReadingRights []ledger.ReadingRight `json:"ReadingRights,omitempty"`
	PeerAddr      string                `json:"PeerAddr,omitempty"`
	TuriAddr      string                `json:"TuriAddr,omitempty"`
}

// Genesis bootstraps a deployment: the initial accounts (committee included)
// and, derived from them, the height-0 block. Every RPU must derive the exact
// same block from the same document, so nothing in here may depend on local
// state or clocks.
type Genesis struct {
	Timestamp int64
	Accounts  []GenesisAccount
}

// Validate checks that the document can bootstrap a working deployment.
func (g *Genesis) Validate() error {
	if g.Timestamp <= 0 {
		return fmt.Errorf("genesis timestamp must be set")
	}

	seen := map[string]bool{}
	rpus := 0
	for _, account := range g.Accounts {
		if account.PeerID == "" || account.Name == "" {
			return fmt.Errorf("genesis account needs a PeerID and a Name")
		}
		if seen[account.PeerID] {
			return fmt.Errorf("duplicate genesis account %s", account.PeerID)
		}
		seen[account.PeerID] = true

		accountType, err := ledger.ParseAccountType(account.Type)
		if err != nil {
			return err
		}

		if accountType == ledger.RPU {
			if account.PeerAddr == "" || account.TuriAddr == "" {
				return fmt.Errorf("genesis RPU %s needs PeerAddr and TuriAddr", account.PeerID)
			}
			rpus++
		}
	}

	if rpus < MinRPUs {
		return fmt.Errorf("genesis needs at least %d RPUs, found %d", MinRPUs, rpus)
	}

	return nil
}

// Block derives the deterministic height-0 block: one unsigned CreateAccount
// transaction per genesis account, all timestamped with the genesis
// timestamp. Execution exempts height 0 from sender checks.
func (g *Genesis) Block() (*ledger.Block, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	transactions := []ledger.Transaction{}
	for _, account := range g.Accounts {
		accountType, err := ledger.ParseAccountType(account.Type)
		if err != nil {
			return nil, err
		}

		update := &ledger.AccountUpdate{
			AccountType: &accountType,
		}
		if account.Expiry != 0 {
			expiry := account.Expiry
			update.Expiry = &expiry
		}
		if account.WritingRights {
			writingRights := account.WritingRights
			update.WritingRights = &writingRights
		}
		if len(account.ReadingRights) > 0 {
			readingRights := account.ReadingRights
			update.ReadingRights = &readingRights
		}
		if account.PeerAddr != "" {
			peerAddr := account.PeerAddr
			update.PeerAddr = &peerAddr
		}
		if account.TuriAddr != "" {
			turiAddr := account.TuriAddr
			update.TuriAddr = &turiAddr
		}

		transactions = append(transactions, ledger.Transaction{
			Body: ledger.TransactionBody{
				Type:      ledger.CREATE_ACCOUNT,
				Sender:    account.PeerID,
				Timestamp: g.Timestamp,
				Target:    account.PeerID,
				Name:      account.Name,
				Update:    update,
			},
		})
	}

	return ledger.NewBlock(0, []byte{}, "", g.Timestamp, transactions)
}

// PeerSet returns the initial committee named by the document. After genesis
// is applied, the committee comes from the world state instead.
func (g *Genesis) PeerSet() (*peers.PeerSet, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	members := []*peers.Peer{}
	for _, account := range g.Accounts {
		accountType, _ := ledger.ParseAccountType(account.Type)
		if accountType == ledger.RPU {
			members = append(members, peers.NewPeer(account.PeerID, account.PeerAddr, account.TuriAddr, account.Name))
		}
	}

	return peers.NewPeerSet(members), nil
}

// JSONGenesis provides genesis persistence on disk in the form of a JSON
// file.
type JSONGenesis struct {
	l    sync.Mutex
	path string
}

// NewJSONGenesis creates a JSONGenesis with reference to a base directory
// where the JSON file resides.
func NewJSONGenesis(base string) *JSONGenesis {
	return &JSONGenesis{
		path: filepath.Join(base, jsonGenesisPath),
	}
}

// Genesis parses the underlying JSON file and returns the validated Genesis.
func (j *JSONGenesis) Genesis() (*Genesis, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := os.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	genesis := new(Genesis)
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(genesis); err != nil {
		return nil, err
	}

	cleanseGenesis(genesis)

	if err := genesis.Validate(); err != nil {
		return nil, err
	}

	return genesis, nil
}

// cleanseGenesis standardises the public key strings to match the format the
// key package derives from a private key.
func cleanseGenesis(genesis *Genesis) {
	for i := range genesis.Accounts {
		account := &genesis.Accounts[i]
		account.PeerID = "0X" + strings.TrimPrefix(strings.ToUpper(account.PeerID), "0X")

		for j := range account.ReadingRights {
			right := &account.ReadingRights[j]
			for k, id := range right.Accounts {
				right.Accounts[k] = "0X" + strings.TrimPrefix(strings.ToUpper(id), "0X")
			}
		}
	}
}

// Write persists a Genesis to the JSON file.
func (j *JSONGenesis) Write(genesis *Genesis) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(genesis); err != nil {
		return err
	}

	return os.WriteFile(j.path, buf.Bytes(), 0755)
}
