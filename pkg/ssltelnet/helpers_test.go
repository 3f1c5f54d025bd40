package ssltelnet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"
)

// fakeConn is a net.Conn reading from a fixed input and recording writes.
type fakeConn struct {
	in     *bytes.Reader
	out    bytes.Buffer
	closed bool
}

func newFakeConn(in ...byte) *fakeConn {
	return &fakeConn{in: bytes.NewReader(in)}
}

func (c *fakeConn) Read(p []byte) (int, error)         { return c.in.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error)        { return c.out.Write(p) }
func (c *fakeConn) Close() error                       { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr("remote") }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// encryptedConn stands in for a TLS stream: reads go through the wrapped
// conn, writes are recorded apart from the plaintext ones.
type encryptedConn struct {
	net.Conn
	out bytes.Buffer
}

func (c *encryptedConn) Write(p []byte) (int, error) { return c.out.Write(p) }

type fakeHandshaker struct {
	calls int
	err   error
	conn  *encryptedConn
}

func (h *fakeHandshaker) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	h.conn = &encryptedConn{Conn: conn}
	return h.conn, nil
}

// feed runs raw peer bytes through the option-loop parser.
func feed(c *Conn, in ...byte) error {
	for _, b := range in {
		if err := c.process(b); err != nil {
			return err
		}
	}
	return nil
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(...interface{})          {}
func (l *recordingLogger) Debugf(string, ...interface{}) {}
func (l *recordingLogger) Error(...interface{})          {}
func (l *recordingLogger) Errorf(string, ...interface{}) {}
func (l *recordingLogger) Trace(...interface{})          {}
func (l *recordingLogger) Tracef(string, ...interface{}) {}
func (l *recordingLogger) Warn(v ...interface{})         { l.Warnf("%s", fmt.Sprint(v...)) }
func (l *recordingLogger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// serveOnce accepts a single connection on a loopback listener and runs
// handle on it. The returned channel yields handle's error.
func serveOnce(handle func(net.Conn) error) (string, <-chan error, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	errc := make(chan error, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		errc <- handle(conn)
	}()
	return ln.Addr().String(), errc, nil
}

// timeoutError is what a conn returns once its deadline expired.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// stallingConn times out on its first read, then serves its input.
type stallingConn struct {
	*fakeConn
	stalled bool
}

func (c *stallingConn) Read(p []byte) (int, error) {
	if !c.stalled {
		c.stalled = true
		return 0, timeoutError{}
	}
	return c.fakeConn.Read(p)
}

// blockingHandshaker reads from the stream until it fails, like a TLS
// client waiting on a server that never answers.
type blockingHandshaker struct {
	started chan struct{}
}

func (h *blockingHandshaker) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	close(h.started)
	_, err := conn.Read(make([]byte, 1))
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}
