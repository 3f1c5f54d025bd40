package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	telnet "github.com/reiver/go-telnet"
	"github.com/urfave/cli"
	"moul.io/ssltelnet/pkg/ssltelnet"
)

const (
	telnetPort  = "23"
	telnetsPort = "992"
)

type clientConfig struct {
	addr    string
	options map[string]string
	timeout time.Duration
	debug   bool
}

type bridgeConfig struct {
	client      *clientConfig
	bindAddr    string
	hostKey     string
	idleTimeout time.Duration
}

func parseClientConfig(c *cli.Context) (*clientConfig, error) {
	addr, err := targetAddr(c.Args().First(), c.BoolT("force-ssl"))
	if err != nil {
		return nil, err
	}
	host, port, _ := net.SplitHostPort(addr)

	ret := &clientConfig{
		addr:    addr,
		timeout: c.Duration("timeout"),
		debug:   c.Bool("debug"),
		options: map[string]string{
			"host":                 host,
			"port":                 port,
			"force_ssl":            strconv.FormatBool(c.BoolT("force-ssl")),
			"telnet_tls":           strconv.FormatBool(c.BoolT("telnet-tls")),
			"cert_reqs":            c.String("cert-reqs"),
			"suppress_ragged_eofs": strconv.FormatBool(c.BoolT("suppress-ragged-eofs")),
		},
	}
	for flag, key := range map[string]string{
		"cert":        "certfile",
		"key":         "keyfile",
		"ca-certs":    "ca_certs",
		"min-version": "ssl_version",
		"max-version": "max_version",
		"ciphers":     "ciphers",
		"server-name": "server_name",
		"fingerprint": "fingerprint",
	} {
		if v := c.String(flag); v != "" {
			ret.options[key] = v
		}
	}
	if ret.timeout > 0 {
		ret.options["timeout"] = ret.timeout.String()
	}
	if ret.options["cert_reqs"] != "none" && c.String("server-name") == "" && govalidator.IsDNSName(host) {
		ret.options["server_name"] = host
	}
	for _, opt := range c.StringSlice("option") {
		kv := strings.SplitN(opt, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", opt)
		}
		ret.options[kv[0]] = kv[1]
	}

	// fail early on bad TLS settings rather than after connecting
	opts, _, err := ssltelnet.ParseOptions(ret.options)
	if err != nil {
		return nil, err
	}
	if _, err := ssltelnet.NewHandshaker(opts.TLS); err != nil {
		return nil, err
	}
	return ret, nil
}

func parseBridgeConfig(c *cli.Context) (*bridgeConfig, error) {
	client, err := parseClientConfig(c)
	if err != nil {
		return nil, err
	}
	ret := &bridgeConfig{
		client:      client,
		bindAddr:    c.String("bind-address"),
		hostKey:     c.String("host-key"),
		idleTimeout: c.Duration("idle-timeout"),
	}
	if !govalidator.IsDialString(ret.bindAddr) && !strings.HasPrefix(ret.bindAddr, ":") {
		return nil, fmt.Errorf("invalid bind address %q", ret.bindAddr)
	}
	return ret, nil
}

// targetAddr validates addr and adds the default port: telnets when TLS is
// forced, telnet otherwise.
func targetAddr(addr string, forceSSL bool) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("missing server address")
	}
	if govalidator.IsDialString(addr) {
		return addr, nil
	}
	if govalidator.IsHost(addr) {
		port := telnetPort
		if forceSSL {
			port = telnetsPort
		}
		return net.JoinHostPort(addr, port), nil
	}
	return "", fmt.Errorf("invalid server address %q", addr)
}

func (c *clientConfig) logger() telnet.Logger {
	return ssltelnet.NewStdLogger(log.New(os.Stderr, "", log.LstdFlags), c.debug)
}
