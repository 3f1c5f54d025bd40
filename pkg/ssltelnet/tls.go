package ssltelnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
)

// A Handshaker wraps a plain duplex stream into an encrypted one. It blocks
// until the handshake succeeds or fails. On failure the returned conn is
// nil and the caller owns conn.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// HandshakerFunc adapts a function to Handshaker.
type HandshakerFunc func(ctx context.Context, conn net.Conn) (net.Conn, error)

// Handshake calls f.
func (f HandshakerFunc) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	return f(ctx, conn)
}

// NewHandshaker builds the TLS client handshaker described by opts. A
// non-empty Fingerprint selects a uTLS ClientHello.
func NewHandshaker(opts TLSOptions) (Handshaker, error) {
	config, err := tlsConfig(opts)
	if err != nil {
		return nil, err
	}
	var h Handshaker = &stdHandshaker{config: config}
	if opts.Fingerprint != "" {
		hello, err := clientHelloID(opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		h = &utlsHandshaker{config: utlsConfig(config), hello: hello}
	}
	if opts.SuppressRaggedEOFs {
		h = raggedHandshaker{h}
	}
	return h, nil
}

type stdHandshaker struct {
	config *tls.Config
}

func (h *stdHandshaker) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Client(conn, h.config.Clone())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

type utlsHandshaker struct {
	config *utls.Config
	hello  utls.ClientHelloID
}

func (h *utlsHandshaker) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	uconn := utls.UClient(conn, h.config.Clone(), h.hello)
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}

func clientHelloID(name string) (utls.ClientHelloID, error) {
	switch strings.ToLower(name) {
	case "chrome":
		return utls.HelloChrome_Auto, nil
	case "firefox":
		return utls.HelloFirefox_Auto, nil
	case "safari":
		return utls.HelloSafari_Auto, nil
	case "edge":
		return utls.HelloEdge_Auto, nil
	case "ios":
		return utls.HelloIOS_Auto, nil
	case "randomized":
		return utls.HelloRandomized, nil
	case "golang":
		return utls.HelloGolang, nil
	}
	return utls.ClientHelloID{}, errors.Errorf("unknown tls fingerprint %q", name)
}

func utlsConfig(c *tls.Config) *utls.Config {
	u := &utls.Config{
		ServerName:         c.ServerName,
		RootCAs:            c.RootCAs,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         c.MinVersion,
		MaxVersion:         c.MaxVersion,
		CipherSuites:       c.CipherSuites,
	}
	for _, cert := range c.Certificates {
		u.Certificates = append(u.Certificates, utls.Certificate{
			Certificate: cert.Certificate,
			PrivateKey:  cert.PrivateKey,
			Leaf:        cert.Leaf,
		})
	}
	return u
}

func tlsConfig(opts TLSOptions) (*tls.Config, error) {
	config := &tls.Config{ServerName: opts.ServerName}

	switch strings.ToLower(opts.CertReqs) {
	case "", "none", "cert_none":
		config.InsecureSkipVerify = true
	case "optional", "cert_optional":
		// verify the chain only when one was given to check against
		config.InsecureSkipVerify = opts.CACerts == ""
	case "required", "cert_required":
	default:
		return nil, errors.Errorf("invalid cert_reqs %q", opts.CertReqs)
	}

	if opts.KeyFile != "" && opts.CertFile == "" {
		return nil, errors.Errorf("keyfile %q given without certfile", opts.KeyFile)
	}
	if opts.CertFile != "" {
		keyFile := opts.KeyFile
		if keyFile == "" {
			keyFile = opts.CertFile
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if opts.CACerts != "" {
		pem, err := os.ReadFile(opts.CACerts)
		if err != nil {
			return nil, errors.Wrap(err, "read ca_certs")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificate found in %q", opts.CACerts)
		}
		config.RootCAs = pool
	}

	var err error
	if config.MinVersion, err = tlsVersion(opts.MinVersion); err != nil {
		return nil, err
	}
	if config.MaxVersion, err = tlsVersion(opts.MaxVersion); err != nil {
		return nil, err
	}
	if config.MinVersion != 0 && config.MaxVersion != 0 && config.MinVersion > config.MaxVersion {
		return nil, errors.Errorf("tls version floor %s is above ceiling %s", opts.MinVersion, opts.MaxVersion)
	}

	if config.CipherSuites, err = cipherSuites(opts.Ciphers); err != nil {
		return nil, err
	}
	return config, nil
}

func tlsVersion(name string) (uint16, error) {
	switch strings.ToLower(strings.Replace(name, "_", ".", -1)) {
	case "":
		return 0, nil
	case "tls1.0", "tlsv1", "tls1", "tlsv1.0":
		return tls.VersionTLS10, nil
	case "tls1.1", "tlsv1.1":
		return tls.VersionTLS11, nil
	case "tls1.2", "tlsv1.2":
		return tls.VersionTLS12, nil
	case "tls1.3", "tlsv1.3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.Errorf("unknown tls version %q", name)
}

func cipherSuites(list string) ([]uint16, error) {
	if list == "" {
		return nil, nil
	}
	known := map[string]uint16{}
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}
	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		id, ok := known[name]
		if !ok {
			return nil, errors.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// raggedHandshaker reports an abrupt end of the encrypted stream as a
// clean io.EOF.
type raggedHandshaker struct {
	Handshaker
}

func (h raggedHandshaker) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	c, err := h.Handshaker.Handshake(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &raggedConn{Conn: c}, nil
}

type raggedConn struct {
	net.Conn
}

func (c *raggedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// ConnectionState exposes the TLS state of the wrapped stream, if any.
func (c *raggedConn) ConnectionState() (tls.ConnectionState, bool) {
	return connectionState(c.Conn)
}

func connectionState(c net.Conn) (tls.ConnectionState, bool) {
	switch t := c.(type) {
	case *tls.Conn:
		return t.ConnectionState(), true
	case *utls.UConn:
		s := t.ConnectionState()
		return tls.ConnectionState{
			Version:            s.Version,
			HandshakeComplete:  s.HandshakeComplete,
			CipherSuite:        s.CipherSuite,
			NegotiatedProtocol: s.NegotiatedProtocol,
			ServerName:         s.ServerName,
			PeerCertificates:   s.PeerCertificates,
		}, true
	case *raggedConn:
		return t.ConnectionState()
	}
	return tls.ConnectionState{}, false
}
