package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client is a length-prefixed JSON-RPC client. Calls are serialised over
// one connection.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	nextID int64
}

// Dial connects to an RPC server at the given address.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes method with named params and decodes the result into
// result. A JSON-RPC error response is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := json.RawMessage(strconv.FormatInt(c.nextID, 10))
	payload, err := c.encode(method, params, id)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	raw, err := ReadFrame(c.conn, 0)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if string(resp.ID) != string(id) {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, id)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

// Notify sends a notification; the server does not answer it.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, err := c.encode(method, params, nil)
	if err != nil {
		return err
	}
	return WriteFrame(c.conn, payload)
}

func (c *Client) encode(method string, params any, id json.RawMessage) ([]byte, error) {
	req := Request{JSONRPC: Version, Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
