// Package transport carries command frames to and from the controller over
// TCP and opens the UDP socket telemetry arrives on.
package transport

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when the peer sends more than MaxFrameSize bytes
// without a newline.
var ErrFrameTooLarge = errors.New("frame too large")

// Conn is a newline-framed TCP connection. Send may be called concurrently;
// Receive is meant for one reader at a time.
type Conn struct {
	conn net.Conn

	wmu sync.Mutex

	rmu     sync.Mutex
	pending []byte
	buf     []byte
}

// Dial connects to addr, giving up after timeout or when ctx is done.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewConn(c), nil
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, buf: make([]byte, 4096)}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes one frame. The frame must already be newline terminated.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	for len(frame) > 0 {
		n, err := c.conn.Write(frame)
		if err != nil {
			return ctxError(ctx, err, "write frame")
		}
		frame = frame[n:]
	}
	return nil
}

// Receive returns the next frame without its line terminator. Blank lines are
// skipped. It returns ctx.Err() when ctx ends first.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if frame, ok := c.nextFrame(); ok {
			if len(frame) == 0 {
				continue
			}
			return frame, nil
		}
		if len(c.pending) > MaxFrameSize {
			c.pending = nil
			return nil, ErrFrameTooLarge
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		deadline, _ := ctx.Deadline()
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
		stop := context.AfterFunc(ctx, func() {
			c.conn.SetReadDeadline(time.Now())
		})
		n, err := c.conn.Read(c.buf)
		stop()
		c.pending = append(c.pending, c.buf[:n]...)
		if err != nil {
			return nil, ctxError(ctx, err, "read frame")
		}
	}
}

// ctxError reports a socket error caused by ctx as ctx's error. The socket
// deadline is ctx's deadline, and it can fire before ctx's own timer does.
func ctxError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return errors.Wrap(err, op)
}

func (c *Conn) nextFrame() ([]byte, bool) {
	i := bytes.IndexByte(c.pending, '\n')
	if i < 0 {
		return nil, false
	}
	frame := bytes.TrimRight(c.pending[:i], "\r")
	out := make([]byte, len(frame))
	copy(out, frame)
	c.pending = c.pending[i+1:]
	return out, true
}

// Close closes the connection, unblocking any Send or Receive.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ListenUDP opens the telemetry socket. An empty port picks a free one.
func ListenUDP(addr string) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", addr)
	}
	return pc, nil
}
