package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gleisnetz/blockstelle/src/node"
	"github.com/gleisnetz/blockstelle/src/peers"
	"github.com/gleisnetz/blockstelle/src/state"
)

// Service is the HTTP read API of one RPU. It only ever touches committed
// state: blocks, accounts and the derived time-series index. Writes go
// through the turi ingress, never through here.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering blockstelle API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/block/", s.makeHandler(s.GetBlock))
	http.HandleFunc("/blocks", s.makeHandler(s.GetBlocks))
	http.HandleFunc("/account/", s.makeHandler(s.GetAccount))
	http.HandleFunc("/accounts", s.makeHandler(s.GetAccounts))
	http.HandleFunc("/keys", s.makeHandler(s.GetKeys))
	http.HandleFunc("/values", s.makeHandler(s.GetValues))
	http.HandleFunc("/current", s.makeHandler(s.GetCurrentValue))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/genesispeers", s.makeHandler(s.GetGenesisPeers))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination; the handlers were
// registered when the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving blockstelle API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetBlock serves a single committed block by height: /block/{index}
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/block/"):]

	blockIndex, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing block_index parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	block, err := s.node.GetBlock(blockIndex)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving block %d", blockIndex)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(block)
}

// GetBlocks serves a run of committed blocks: /blocks?from={f}&to={t}. The
// range is clamped to the committed chain; to defaults to the head.
func (s *Service) GetBlocks(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	from, err := strconv.ParseInt(qs.Get("from"), 10, 64)
	if err != nil {
		http.Error(w, "from parameter is required", http.StatusBadRequest)
		return
	}

	to := s.node.Ledger().LastBlockIndex()
	if t := qs.Get("to"); t != "" {
		to, err = strconv.ParseInt(t, 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	blocks, err := s.node.Ledger().Blocks(from, to)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving blocks [%d, %d]", from, to)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(blocks)
}

// GetAccount serves one account record: /account/{peer_id}. Tombstoned
// accounts are served too; their history remains attributable.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/account/"):]

	account, err := s.node.Ledger().GetAccount(cleansePeerID(param))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(account)
}

// GetAccounts serves all account records, tombstones included.
func (s *Service) GetAccounts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Ledger().Accounts())
}

// GetKeys lists the keys an account has written to: /keys?peer={id}
func (s *Service) GetKeys(w http.ResponseWriter, r *http.Request) {
	owner := cleansePeerID(r.URL.Query().Get("peer"))
	if owner == "" {
		http.Error(w, "peer parameter is required", http.StatusBadRequest)
		return
	}

	keys, err := s.node.Ledger().Keys(r.Context(), owner)
	if err != nil {
		s.logger.WithError(err).Errorf("Listing keys of %s", owner)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(keys)
}

// GetValues serves the time series recorded under one key:
// /values?peer={id}&key={k}&start={ns}&end={ns}&last={n}. Start and end
// bound the timestamp range; last keeps only the newest n records.
func (s *Service) GetValues(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	owner := cleansePeerID(qs.Get("peer"))
	key := qs.Get("key")
	if owner == "" || key == "" {
		http.Error(w, "peer and key parameters are required", http.StatusBadRequest)
		return
	}

	filter := state.ValueFilter{}
	var err error
	if v := qs.Get("start"); v != "" {
		if filter.Start, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := qs.Get("end"); v != "" {
		if filter.End, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := qs.Get("last"); v != "" {
		if filter.Last, err = strconv.Atoi(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	values, err := s.node.Ledger().GetValues(r.Context(), owner, key, filter)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving values of %s/%s", owner, key)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(values)
}

// GetCurrentValue serves the newest record under one key:
// /current?peer={id}&key={k}
func (s *Service) GetCurrentValue(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	owner := cleansePeerID(qs.Get("peer"))
	key := qs.Get("key")
	if owner == "" || key == "" {
		http.Error(w, "peer and key parameters are required", http.StatusBadRequest)
		return
	}

	record, err := s.node.Ledger().CurrentValue(r.Context(), owner, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(record)
}

// GetPeers serves the current consensus committee.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	returnPeerSet(w, r, s.node.GetPeers())
}

// GetGenesisPeers serves the initial committee from the genesis document.
func (s *Service) GetGenesisPeers(w http.ResponseWriter, r *http.Request) {
	returnPeerSet(w, r, s.node.GetGenesisPeers())
}

func returnPeerSet(w http.ResponseWriter, r *http.Request, peers []*peers.Peer) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)

	encoder.Encode(peers)
}

// cleansePeerID standardises a peer id query parameter to the "0X" upper-hex
// form the ledger stores.
func cleansePeerID(id string) string {
	if id == "" {
		return ""
	}
	return "0X" + strings.TrimPrefix(strings.ToUpper(id), "0X")
}
