package state

import (
	"strings"
	"testing"
)

func TestGenesisValidate(t *testing.T) {
	genesis, _, _, _ := newTestGenesis(t, 4)
	if err := genesis.Validate(); err != nil {
		t.Fatal(err)
	}

	//too few RPUs
	small, _, _, _ := newTestGenesis(t, 3)
	if err := small.Validate(); err == nil {
		t.Fatal("a 3 RPU genesis validated")
	}

	//missing timestamp
	genesis.Timestamp = 0
	if err := genesis.Validate(); err == nil {
		t.Fatal("a genesis without timestamp validated")
	}
	genesis.Timestamp = testGenesisTimestamp

	//duplicate account
	duplicated := append([]GenesisAccount{}, genesis.Accounts...)
	genesis.Accounts = append(duplicated, duplicated[0])
	if err := genesis.Validate(); err == nil {
		t.Fatal("a duplicate account validated")
	}
	genesis.Accounts = duplicated

	//unknown account type
	genesis.Accounts[0].Type = "Superuser"
	if err := genesis.Validate(); err == nil {
		t.Fatal("an unknown account type validated")
	}
	genesis.Accounts[0].Type = "RPU"

	//an RPU without endpoints
	turiAddr := genesis.Accounts[0].TuriAddr
	genesis.Accounts[0].TuriAddr = ""
	if err := genesis.Validate(); err == nil {
		t.Fatal("an RPU without a client endpoint validated")
	}
	genesis.Accounts[0].TuriAddr = turiAddr
}

func TestGenesisBlockDeterministic(t *testing.T) {
	genesis, _, _, _ := newTestGenesis(t, 4)

	block, err := genesis.Block()
	if err != nil {
		t.Fatal(err)
	}

	if block.Index() != 0 {
		t.Fatalf("unexpected index %d", block.Index())
	}
	if len(block.PreviousHash()) != 0 {
		t.Fatal("genesis has a previous hash")
	}
	if len(block.Transactions()) != len(genesis.Accounts) {
		t.Fatalf("unexpected transaction count %d", len(block.Transactions()))
	}

	//two derivations of the same document must agree byte for byte
	again, err := genesis.Block()
	if err != nil {
		t.Fatal(err)
	}
	if block.Hex() != again.Hex() {
		t.Fatal("genesis block derivation is not deterministic")
	}
}

func TestGenesisPeerSet(t *testing.T) {
	genesis, rpuIdentities, _, _ := newTestGenesis(t, 4)

	peerSet, err := genesis.PeerSet()
	if err != nil {
		t.Fatal(err)
	}

	if len(peerSet.Peers) != 4 {
		t.Fatalf("unexpected committee size %d", len(peerSet.Peers))
	}
	for _, identity := range rpuIdentities {
		if _, ok := peerSet.ByPubKey[identity.id]; !ok {
			t.Fatalf("committee is missing %s", identity.id)
		}
	}
}

func TestJSONGenesis(t *testing.T) {
	genesis, _, _, _ := newTestGenesis(t, 4)

	//lowercase ids must be cleansed on load
	genesis.Accounts[0].PeerID = strings.ToLower(genesis.Accounts[0].PeerID)
	want := "0X" + strings.TrimPrefix(strings.ToUpper(genesis.Accounts[0].PeerID), "0X")

	jsonGenesis := NewJSONGenesis(t.TempDir())
	if err := jsonGenesis.Write(genesis); err != nil {
		t.Fatal(err)
	}

	loaded, err := jsonGenesis.Genesis()
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Timestamp != genesis.Timestamp {
		t.Fatalf("unexpected timestamp %d", loaded.Timestamp)
	}
	if len(loaded.Accounts) != len(genesis.Accounts) {
		t.Fatalf("unexpected account count %d", len(loaded.Accounts))
	}
	if loaded.Accounts[0].PeerID != want {
		t.Fatalf("PeerID not cleansed: %s", loaded.Accounts[0].PeerID)
	}

	//the loaded document derives the same genesis block
	genesis.Accounts[0].PeerID = want
	block, err := genesis.Block()
	if err != nil {
		t.Fatal(err)
	}
	loadedBlock, err := loaded.Block()
	if err != nil {
		t.Fatal(err)
	}
	if block.Hex() != loadedBlock.Hex() {
		t.Fatal("loaded genesis derives a different block")
	}
}

func TestJSONGenesisMissing(t *testing.T) {
	jsonGenesis := NewJSONGenesis(t.TempDir())
	if _, err := jsonGenesis.Genesis(); err == nil {
		t.Fatal("reading a missing genesis file did not fail")
	}
}
