package ssltelnet

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	telnet "github.com/reiver/go-telnet"
)

// Negotiation is one option-negotiation event read from the peer.
// Payload is only set for SE and holds the bytes between IAC SB and IAC SE,
// starting with the option code.
type Negotiation struct {
	Command byte
	Option  byte
	Payload []byte
}

func (n Negotiation) String() string {
	if n.Command == SE || n.Command == SB {
		return "IAC " + commandName(n.Command)
	}
	return "IAC " + commandName(n.Command) + " " + optionName(n.Option)
}

// OptionPolicy handles every negotiation except the START_TLS exchange.
// peer writes raw bytes to the remote end, bypassing data escaping and the
// upgrade write buffer. The policy is responsible for any reply it wants
// to send.
type OptionPolicy func(peer io.Writer, n Negotiation)

// TLSOptions are handed verbatim to the handshaker.
type TLSOptions struct {
	KeyFile            string
	CertFile           string
	CACerts            string
	CertReqs           string // none, optional or required
	MinVersion         string // tls1.0 .. tls1.3
	MaxVersion         string
	Ciphers            string // ':' or ',' separated suite names
	SuppressRaggedEOFs bool
	ServerName         string
	Fingerprint        string // uTLS ClientHello; empty means crypto/tls
}

// Options configure a Conn. They are read once at construction.
type Options struct {
	// ForceSSL wraps the stream in TLS right after connecting, before any
	// TELNET byte is exchanged.
	ForceSSL bool
	// TelnetTLS allows the server to upgrade a plaintext session in-band
	// with DO START_TLS. Ignored when ForceSSL is set.
	TelnetTLS bool

	TLS TLSOptions

	// Handshaker overrides the handshaker built from TLS.
	Handshaker Handshaker
	Logger     telnet.Logger
	Policy     OptionPolicy
}

// DefaultOptions mirrors the defaults of the ssltelnet python package:
// forced TLS, with in-band START_TLS allowed.
func DefaultOptions() *Options {
	return &Options{
		ForceSSL:  true,
		TelnetTLS: true,
		TLS: TLSOptions{
			CertReqs:           "none",
			SuppressRaggedEOFs: true,
		},
	}
}

// ParseOptions reads session and TLS keys from kv. Keys it does not know
// are returned in rest, untouched, for the plain transport constructor.
func ParseOptions(kv map[string]string) (opts *Options, rest map[string]string, err error) {
	opts = DefaultOptions()
	rest = map[string]string{}
	for k, v := range kv {
		switch k {
		case "force_ssl":
			opts.ForceSSL, err = parseBool(k, v)
		case "telnet_tls":
			opts.TelnetTLS, err = parseBool(k, v)
		case "keyfile":
			opts.TLS.KeyFile = v
		case "certfile":
			opts.TLS.CertFile = v
		case "ca_certs":
			opts.TLS.CACerts = v
		case "cert_reqs":
			opts.TLS.CertReqs = strings.ToLower(v)
		case "ssl_version", "min_version":
			opts.TLS.MinVersion = v
		case "max_version":
			opts.TLS.MaxVersion = v
		case "ciphers":
			opts.TLS.Ciphers = v
		case "suppress_ragged_eofs":
			opts.TLS.SuppressRaggedEOFs, err = parseBool(k, v)
		case "server_hostname", "server_name":
			opts.TLS.ServerName = v
		case "fingerprint":
			opts.TLS.Fingerprint = v
		default:
			rest[k] = v
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return opts, rest, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "invalid value for %q", key)
	}
	return b, nil
}

func (o *Options) logger() telnet.Logger {
	if o.Logger == nil {
		return discardLogger{}
	}
	return o.Logger
}
