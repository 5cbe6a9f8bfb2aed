package turi

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gleisnetz/blockstelle/src/ledger"
)

const (
	// submissions can carry a batch of transactions
	bufSize = math.MaxUint16
)

// SubmitRequest is a batch of signed client transactions. No receipt of
// eventual commitment is ever produced for them.
type SubmitRequest struct {
	Transactions []ledger.Transaction
}

// Submitter is where accepted submissions go; the consensus node implements
// it with a non-blocking enqueue.
type Submitter interface {
	Submit(tx ledger.Transaction)
}

// Server is the client-facing transaction ingress of one RPU, listening on
// its turi address. A connection carries a stream of json encoded
// SubmitRequests, and the contract is fire-and-forget: the server answers
// nothing, and a malformed submission just closes the connection. Unlike the
// consensus RPCs there is no response to pace the stream, so a single
// persistent decoder owns all the read buffering.
//
// The listener is injected, so the deployment decides the channel security;
// a plain TCP listener is for development and tests.
type Server struct {
	listener net.Listener
	sink     Submitter
	logger   *logrus.Entry

	shutdown     bool
	shutdownLock sync.Mutex
}

// NewServer creates a turi ingress over an existing listener.
func NewServer(listener net.Listener, sink Submitter, logger *logrus.Entry) *Server {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Server{
		listener: listener,
		sink:     sink,
		logger:   logger,
	}
}

// NewTCPServer creates a turi ingress bound to a TCP address.
func NewTCPServer(bindAddr string, sink Submitter, logger *logrus.Entry) (*Server, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return NewServer(listener, sink, logger), nil
}

// LocalAddr returns the address the ingress listens on.
func (t *Server) LocalAddr() string {
	return t.listener.Addr().String()
}

// Serve accepts client connections until the server is closed. This is a
// blocking call.
func (t *Server) Serve() {
	t.logger.WithField("turi_address", t.LocalAddr()).Debug("Serving client ingress")

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isShutdown() {
				return
			}
			t.logger.WithField("error", err).Error("Failed to accept client connection")
			continue
		}

		t.logger.WithField("from", conn.RemoteAddr()).Debug("accepted client connection")

		go t.handleConn(conn)
	}
}

// Close stops the accept loop and releases the listener.
func (t *Server) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true

	return t.listener.Close()
}

func (t *Server) isShutdown() bool {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	return t.shutdown
}

// handleConn reads submissions off one client connection for its lifespan.
func (t *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReaderSize(conn, bufSize))

	for {
		if err := t.handleSubmission(dec); err != nil {
			if err != io.EOF {
				t.logger.WithField("error", err).Error("Failed to decode client submission")
			}
			return
		}
	}
}

// handleSubmission decodes one submission and hands its transactions to the
// sink. Transaction validity is not judged here; the consensus path verifies
// signatures and permissions and silently drops what does not hold up.
func (t *Server) handleSubmission(dec *json.Decoder) error {
	var req SubmitRequest
	if err := dec.Decode(&req); err != nil {
		return err
	}

	t.logger.WithField("txs", len(req.Transactions)).Debug("Client submission")

	for _, tx := range req.Transactions {
		t.sink.Submit(tx)
	}

	return nil
}
