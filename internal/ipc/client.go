package ipc

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/banksean/xc/internal/framing"
)

// Client is the cmd/xc side of one connection to xcd's unix socket,
// matching MuxClient's role in the teacher's CLI (a thin dial-and-call
// wrapper cmd/xc builds one of per invocation) but speaking the framed
// Request/Response envelope instead of HTTP-over-unix.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to an xcd socket.
func Dial(socketPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve socket addr: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close ends the connection. Any container this connection linked to
// (via Call("link", ...)) is torn down by the daemon on close.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one method request and decodes its result into out (if
// non-nil), returning any fds the response carried. A non-nil error
// is always *Error when the daemon answered the request at all.
func (c *Client) Call(method string, args, out any) ([]int, error) {
	var value json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("ipc: marshal request: %w", err)
		}
		value = raw
	}

	payload, err := json.Marshal(Request{Method: method, Value: value})
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if err := framing.WriteFrame(c.conn, framing.Frame{Payload: payload}); err != nil {
		return nil, fmt.Errorf("ipc: write request: %w", err)
	}

	frame, err := framing.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("ipc: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return nil, fmt.Errorf("ipc: decode response envelope: %w", err)
	}
	if resp.Errno != 0 {
		return nil, &Error{Errno: resp.Errno, Message: resp.Message}
	}
	if out != nil && len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, out); err != nil {
			return nil, fmt.Errorf("ipc: decode response value: %w", err)
		}
	}
	return frame.Fds, nil
}
