package ssltelnet

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	oi "github.com/reiver/go-oi"
	telnet "github.com/reiver/go-telnet"
)

// State is the encryption state of a session. It only moves forward:
// Plain -> Pending -> Encrypted, or Plain -> Encrypted when TLS is forced.
type State int

const (
	Plain State = iota
	Pending
	Encrypted
)

func (s State) String() string {
	switch s {
	case Plain:
		return "plain"
	case Pending:
		return "pending"
	case Encrypted:
		return "encrypted"
	}
	return "unknown"
}

// coordinator owns the session's single stream reference, the encryption
// state and the write buffer used while START_TLS is in flight.
//
// in is only touched by the reading goroutine (and by forceUpgrade, before
// any read happens). Everything else is guarded by mu, which is never held
// across a TLS handshake.
type coordinator struct {
	mu          sync.Mutex
	state       State
	pending     bytes.Buffer
	stream      net.Conn
	in          *bufio.Reader
	allowInband bool
	handshaker  Handshaker
	logger      telnet.Logger
	broken      error
	closed      bool

	bytesIn, bytesOut int64
	handshakeTime     time.Duration
}

func newCoordinator(raw net.Conn, allowInband bool, h Handshaker, logger telnet.Logger) *coordinator {
	return &coordinator{
		stream:      raw,
		in:          bufio.NewReader(raw),
		allowInband: allowInband,
		handshaker:  h,
		logger:      logger,
	}
}

// beginUpgrade answers DO START_TLS. It is a no-op once an upgrade is
// pending or done.
func (c *coordinator) beginUpgrade(peer io.Writer) error {
	c.mu.Lock()
	if c.broken != nil {
		c.mu.Unlock()
		return c.broken
	}
	if state := c.state; state != Plain {
		c.mu.Unlock()
		c.logger.Debugf("ignoring DO START_TLS in state %s", state)
		return nil
	}
	if !c.allowInband {
		c.mu.Unlock()
		c.logger.Debug("refusing START_TLS: in-band upgrade disabled")
		_, err := peer.Write(command(WONT, OptTLS))
		return err
	}
	// From here on application writes queue up behind the reply.
	c.state = Pending
	c.pending.Reset()
	c.mu.Unlock()

	c.logger.Debug("accepting START_TLS")
	reply := append(command(WILL, OptTLS), IAC, SB, OptTLS, FOLLOWS, IAC, SE)
	_, err := peer.Write(reply)
	return err
}

// completeUpgrade wraps the stream once the peer confirmed START_TLS and
// flushes whatever the application wrote in the meantime.
func (c *coordinator) completeUpgrade(ctx context.Context) error {
	c.mu.Lock()
	if c.broken != nil {
		c.mu.Unlock()
		return c.broken
	}
	if state := c.state; state != Pending || !c.allowInband {
		c.mu.Unlock()
		c.logger.Warnf("ignoring START_TLS confirmation in state %s", state)
		return nil
	}
	c.mu.Unlock()

	enc, elapsed, herr := c.handshake(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.swap("starttls", enc, elapsed, herr); err != nil {
		c.pending.Reset()
		return err
	}

	buffered := c.pending.Bytes()
	c.logger.Debugf("START_TLS complete, flushing %d buffered bytes", len(buffered))
	_, err := c.send("flush", buffered)
	c.pending.Reset()
	return err
}

// forceUpgrade wraps the stream right after connect, with no negotiation.
func (c *coordinator) forceUpgrade(ctx context.Context) error {
	if c.currentState() == Encrypted {
		return nil
	}
	enc, elapsed, herr := c.handshake(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.swap("force_ssl", enc, elapsed, herr)
}

// handshake runs the TLS handshake over the plain stream. mu is not held,
// so close and the deadline setters still reach the raw stream; writes
// keep queueing because the state is not Encrypted yet. Bytes already
// pulled into the read buffer are replayed ahead of the raw stream so the
// handshake sees them in order.
func (c *coordinator) handshake(ctx context.Context) (net.Conn, time.Duration, error) {
	raw := c.current()
	if n := c.in.Buffered(); n > 0 {
		leftover, _ := c.in.Peek(n)
		raw = &prefixConn{Conn: raw, prefix: append([]byte(nil), leftover...)}
	}
	start := time.Now()
	enc, err := c.handshaker.Handshake(ctx, raw)
	return enc, time.Since(start), err
}

// swap installs the encrypted stream, or on failure closes the raw stream
// and marks the session broken. mu must be held.
func (c *coordinator) swap(op string, enc net.Conn, elapsed time.Duration, err error) error {
	if err == nil && c.closed {
		_ = enc.Close()
		err = net.ErrClosed
	}
	if err != nil {
		if cerr := c.stream.Close(); cerr != nil && !c.closed {
			c.logger.Debugf("close after failed handshake: %v", cerr)
		}
		c.broken = handshakeError(op, err)
		c.logger.Errorf("%v", c.broken)
		return c.broken
	}
	c.handshakeTime = elapsed
	c.stream = enc
	c.in = bufio.NewReader(enc)
	c.state = Encrypted
	return nil
}

// write is the application write gate.
func (c *coordinator) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return 0, c.broken
	}
	if c.state == Pending {
		c.pending.Write(p)
		return len(p), nil
	}
	return c.send("write", p)
}

// sendControl writes negotiation bytes, bypassing the write buffer.
func (c *coordinator) sendControl(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return 0, c.broken
	}
	return c.send("negotiate", p)
}

// send must be called with mu held.
func (c *coordinator) send(op string, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := oi.LongWrite(c.stream, p)
	c.bytesOut += n
	if err != nil {
		return int(n), transportError(op, err)
	}
	return int(n), nil
}

func (c *coordinator) readByte() (byte, error) {
	if err := c.err(); err != nil {
		return 0, err
	}
	b, err := c.in.ReadByte()
	if err != nil {
		return 0, err
	}
	atomic.AddInt64(&c.bytesIn, 1)
	return b, nil
}

func (c *coordinator) buffered() int {
	return c.in.Buffered()
}

func (c *coordinator) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *coordinator) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *coordinator) upgradePending() bool {
	return c.currentState() == Pending
}

func (c *coordinator) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// close also interrupts a handshake in flight, which then fails.
func (c *coordinator) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending.Reset()
	return c.stream.Close()
}

// peerWriter is the peer channel handed to the dispatcher and policies.
type peerWriter struct {
	c *coordinator
}

func (w peerWriter) Write(p []byte) (int, error) {
	return w.c.sendControl(p)
}

// prefixConn replays prefix before reading from the embedded conn.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
