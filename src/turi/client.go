package turi

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gleisnetz/blockstelle/src/ledger"
)

// Client submits transactions to an RPU's turi address. Submissions are
// fire-and-forget: Submit returns once the bytes are written, and nothing is
// ever read back. A client holds one connection and re-dials when it broke.
type Client struct {
	sync.Mutex

	target  string
	timeout time.Duration

	conn net.Conn
	w    *bufio.Writer
	enc  *json.Encoder
}

// NewClient creates a client for the given turi address. The connection is
// established lazily on the first Submit.
func NewClient(target string, timeout time.Duration) *Client {
	return &Client{
		target:  target,
		timeout: timeout,
	}
}

// Submit sends a batch of signed transactions. A returned error means the
// bytes did not go out; it never says anything about commitment.
func (c *Client) Submit(txs ...ledger.Transaction) error {
	c.Lock()
	defer c.Unlock()

	if err := c.connect(); err != nil {
		return err
	}

	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	if err := c.send(txs); err != nil {
		// One retry over a fresh connection covers a server that dropped
		// the pooled one in between.
		c.drop()
		if err := c.connect(); err != nil {
			return err
		}
		if err := c.send(txs); err != nil {
			c.drop()
			return err
		}
	}

	return nil
}

func (c *Client) send(txs []ledger.Transaction) error {
	if err := c.enc.Encode(SubmitRequest{Transactions: txs}); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.target, c.timeout)
	if err != nil {
		return err
	}

	c.conn = conn
	c.w = bufio.NewWriterSize(conn, bufSize)
	c.enc = json.NewEncoder(c.w)

	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.w = nil
		c.enc = nil
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
