// Package posisock forwards position streams over UDP so processes
// outside the shared-memory domain (plotters, loggers, remote
// dashboards) can consume them. A [Client] pushes one datagram per
// record; a [Server] answers poll requests with the most recent
// record it holds.
package posisock

import (
	"fmt"
	"net"

	"github.com/shmsync/shmsync"
)

// Client sends every position as a single datagram to a fixed
// destination. It never blocks on the receiver: UDP drops silently
// when nobody listens, which is the right failure mode for telemetry.
type Client struct {
	conn  *net.UDPConn
	codec Codec
	buf   []byte
}

func Dial(addr string, codec Codec) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("posisock: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("posisock: dial %q: %w", addr, err)
	}
	return &Client{conn: conn, codec: codec}, nil
}

func (c *Client) Send(p shmsync.Position) error {
	buf, err := c.codec.Encode(c.buf[:0], p)
	if err != nil {
		return err
	}
	c.buf = buf
	_, err = c.conn.Write(buf)
	return err
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
