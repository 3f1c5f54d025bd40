package main

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	gossh "golang.org/x/crypto/ssh"
	"moul.io/ssltelnet/pkg/ssltelnet"
)

// healthcheck succeeds once the server can be reached and the session is
// encrypted, whether TLS was forced or negotiated with START_TLS.
func healthcheck(cfg *clientConfig, wait, quiet bool) error {
	return retry(wait, quiet, func() error { return healthcheckOnce(cfg) })
}

// retry runs check once, or until it succeeds when wait is set.
func retry(wait, quiet bool, check func() error) error {
	for {
		err := check()
		switch {
		case err == nil:
			return nil
		case wait:
			if !quiet {
				log.Printf("error: %v", err)
			}
			time.Sleep(time.Second)
		case quiet:
			return cli.NewExitError("", 1)
		default:
			return err
		}
	}
}

func healthcheckOnce(cfg *clientConfig) error {
	conn, err := dial(cfg, cfg.logger())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := waitEncrypted(conn, cfg.timeout); err != nil {
		return err
	}
	if !conn.IsEncrypted() {
		return fmt.Errorf("%s did not start TLS (state: %s)", cfg.addr, conn.State())
	}
	return nil
}

// waitEncrypted reads, discarding data, until the session is encrypted,
// the server closes the connection or the timeout expires.
func waitEncrypted(conn *ssltelnet.Conn, timeout time.Duration) error {
	if conn.IsEncrypted() {
		return nil
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	buf := make([]byte, 512)
	for !conn.IsEncrypted() {
		if _, err := conn.Read(buf); err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// healthcheckSSH asks a running bridge to check its TELNET target. The
// bridge does not authenticate, so no ssh key is needed.
func healthcheckSSH(addr string, timeout time.Duration, wait, quiet bool) error {
	if addr == "" {
		addr = "localhost:2222"
	}
	config := &gossh.ClientConfig{
		User:            "healthcheck",
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	return retry(wait, quiet, func() error { return healthcheckSSHOnce(addr, config) })
}

func healthcheckSSHOnce(addr string, config *gossh.ClientConfig) error {
	client, err := gossh.Dial("tcp", addr, config)
	if err != nil {
		return errors.Wrapf(err, "bridge %s", addr)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrapf(err, "bridge %s", addr)
	}
	defer session.Close()

	out, err := session.Output("healthcheck")
	reply := strings.TrimSpace(string(out))
	switch {
	case err != nil && reply != "":
		return errors.Errorf("bridge %s: %s", addr, reply)
	case err != nil:
		return errors.Wrapf(err, "bridge %s", addr)
	case reply != "OK":
		return errors.Errorf("bridge %s: unexpected reply %q", addr, reply)
	}
	return nil
}
