package ssltelnet

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	telnet "github.com/reiver/go-telnet"
)

// parser states
const (
	stData = iota
	stIAC
	stOption
	stSB
	stSBIAC
)

// Conn is a TELNET client session that can be upgraded to TLS, either
// right after connecting (ForceSSL) or in-band through START_TLS.
//
// Reads drive option negotiation: Read, ReadLine and ReadUntil must be
// called from a single goroutine. Write and Close may be called from
// another one.
type Conn struct {
	coord  *coordinator
	disp   *dispatcher
	peer   peerWriter
	logger telnet.Logger

	// reader side
	state  int
	cmd    byte
	sb     bytes.Buffer
	cooked []byte
	rerr   error
}

// Dial connects to addr and sets up the session described by opts.
func Dial(ctx context.Context, network, addr string, opts *Options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, transportError("dial", err)
	}
	return NewConn(ctx, raw, opts)
}

// Open is Dial driven by a flat key/value configuration. Session and TLS
// keys are consumed by ParseOptions, the rest go to DialTransport.
func Open(ctx context.Context, kv map[string]string, logger telnet.Logger) (*Conn, error) {
	opts, rest, err := ParseOptions(kv)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	raw, err := DialTransport(ctx, rest)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, raw, opts)
}

// DialTransport opens the plain byte stream. It understands host, port,
// timeout and network; any other key is an error.
func DialTransport(ctx context.Context, kv map[string]string) (net.Conn, error) {
	host, port, network := "", "23", "tcp"
	var d net.Dialer
	for k, v := range kv {
		switch k {
		case "host":
			host = v
		case "port":
			port = v
		case "network":
			network = v
		case "timeout":
			timeout, err := parseTimeout(v)
			if err != nil {
				return nil, transportError("dial", err)
			}
			d.Timeout = timeout
		default:
			return nil, transportError("dial", errors.Errorf("unexpected option %q", k))
		}
	}
	if host == "" {
		return nil, transportError("dial", errors.Errorf("missing host"))
	}
	raw, err := d.DialContext(ctx, network, net.JoinHostPort(host, port))
	if err != nil {
		return nil, transportError("dial", err)
	}
	return raw, nil
}

func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// NewConn takes ownership of raw. With ForceSSL the TLS handshake runs
// before NewConn returns; a failure closes raw and is returned as a
// handshake failure.
func NewConn(ctx context.Context, raw net.Conn, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	h := opts.Handshaker
	if h == nil {
		var err error
		if h, err = NewHandshaker(opts.TLS); err != nil {
			_ = raw.Close()
			return nil, err
		}
	}
	logger := opts.logger()

	coord := newCoordinator(raw, opts.TelnetTLS, h, logger)
	c := &Conn{
		coord:  coord,
		disp:   &dispatcher{coord: coord, logger: logger, policy: opts.Policy},
		peer:   peerWriter{coord},
		logger: logger,
		state:  stData,
	}
	if opts.ForceSSL {
		if err := coord.forceUpgrade(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetOptionPolicy installs the handler for every negotiation except
// START_TLS. A nil policy restores the default of refusing everything.
func (c *Conn) SetOptionPolicy(p OptionPolicy) {
	c.disp.setPolicy(p)
}

// Write sends TELNET data, escaping IAC. While START_TLS is pending the
// data is queued and goes out, in order, once the stream is encrypted.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	escaped := p
	if bytes.IndexByte(p, IAC) >= 0 {
		escaped = bytes.Replace(p, []byte{IAC}, []byte{IAC, IAC}, -1)
	}
	if _, err := c.coord.write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns TELNET data, handling any negotiation found on the way.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(c.cooked) == 0 {
		if err := c.fill(); err != nil && len(c.cooked) == 0 {
			return 0, err
		}
	}
	n := copy(p, c.cooked)
	c.cooked = c.cooked[n:]
	return n, nil
}

// ReadUntil reads until delim is seen and returns the data including it.
// On error the data read so far is returned along with the error.
func (c *Conn) ReadUntil(delim []byte) ([]byte, error) {
	for {
		if i := bytes.Index(c.cooked, delim); i >= 0 {
			out := append([]byte(nil), c.cooked[:i+len(delim)]...)
			c.cooked = c.cooked[i+len(delim):]
			return out, nil
		}
		if err := c.fill(); err != nil {
			out := c.cooked
			c.cooked = nil
			return out, err
		}
	}
}

// ReadLine reads one line, without its trailing CRLF or LF.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.ReadUntil([]byte{'\n'})
	if err != nil && len(line) == 0 {
		return "", err
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), err
}

// fill reads raw bytes until some data is available, without blocking
// once buffered input is exhausted. Errors other than timeouts are final.
func (c *Conn) fill() error {
	if c.rerr != nil {
		return c.rerr
	}
	for {
		b, err := c.coord.readByte()
		if err != nil {
			err = c.readError(err)
			if IsHandshakeFailure(err) || !isTimeout(err) {
				c.rerr = err
			}
			return err
		}
		if err := c.process(b); err != nil {
			c.rerr = err
			return err
		}
		if len(c.cooked) > 0 && c.coord.buffered() == 0 {
			return nil
		}
	}
}

func (c *Conn) readError(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if IsHandshakeFailure(err) || IsTransportError(err) {
		return err
	}
	return transportError("read", err)
}

// isTimeout reports an expired deadline. Reads may go on once the
// deadline is moved, so such errors are not kept.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Conn) process(b byte) error {
	switch c.state {
	case stData:
		if b == IAC {
			c.state = stIAC
		} else {
			c.cooked = append(c.cooked, b)
		}
	case stIAC:
		return c.processCommand(b)
	case stOption:
		c.state = stData
		return c.dispatch(Negotiation{Command: c.cmd, Option: b})
	case stSB:
		if b == IAC {
			c.state = stSBIAC
		} else {
			c.sb.WriteByte(b)
		}
	case stSBIAC:
		switch b {
		case IAC:
			c.sb.WriteByte(IAC)
			c.state = stSB
		case SE:
			c.state = stData
			payload := append([]byte(nil), c.sb.Bytes()...)
			c.sb.Reset()
			return c.dispatch(Negotiation{Command: SE, Option: NOOPT, Payload: payload})
		default:
			c.logger.Warnf("%v", protocolViolation("read", "IAC %s inside sub-negotiation, dropping %d bytes", commandName(b), c.sb.Len()))
			c.sb.Reset()
			return c.processCommand(b)
		}
	}
	return nil
}

func (c *Conn) processCommand(b byte) error {
	c.state = stData
	switch b {
	case IAC:
		c.cooked = append(c.cooked, IAC)
	case DO, DONT, WILL, WONT:
		c.cmd = b
		c.state = stOption
	case SB:
		c.sb.Reset()
		c.state = stSB
		return c.dispatch(Negotiation{Command: SB, Option: NOOPT})
	case SE:
		c.logger.Warnf("%v", protocolViolation("read", "IAC SE without IAC SB"))
	default:
		c.logger.Debugf("ignoring IAC %s", commandName(b))
	}
	return nil
}

func (c *Conn) dispatch(n Negotiation) error {
	return c.disp.handle(context.Background(), n, c.peer)
}

// State reports the encryption state of the session.
func (c *Conn) State() State {
	return c.coord.currentState()
}

// IsEncrypted reports whether the stream is TLS.
func (c *Conn) IsEncrypted() bool {
	return c.State() == Encrypted
}

// ConnectionState returns the TLS state once the session is encrypted.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	return connectionState(c.coord.current())
}

// Stats are wire-level counters for a session.
type Stats struct {
	BytesIn       int64
	BytesOut      int64
	HandshakeTime time.Duration
}

// Stats returns the session counters.
func (c *Conn) Stats() Stats {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	return Stats{
		BytesIn:       atomic.LoadInt64(&c.coord.bytesIn),
		BytesOut:      c.coord.bytesOut,
		HandshakeTime: c.coord.handshakeTime,
	}
}

// Close closes the current stream, plain or encrypted. Data still queued
// behind a pending START_TLS is dropped.
func (c *Conn) Close() error {
	return c.coord.close()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.coord.current().LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.coord.current().RemoteAddr() }

// SetDeadline sets the deadline of the current stream. The core never
// times out a handshake by itself; this is the way to bound one.
func (c *Conn) SetDeadline(t time.Time) error { return c.coord.current().SetDeadline(t) }

// SetReadDeadline sets the read deadline of the current stream.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.coord.current().SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline of the current stream.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.coord.current().SetWriteDeadline(t) }
