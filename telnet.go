package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/gliderlabs/ssh"
	oi "github.com/reiver/go-oi"
	telnet "github.com/reiver/go-telnet"
	"moul.io/ssltelnet/pkg/ssltelnet"
)

func dial(cfg *clientConfig, logger telnet.Logger) (*ssltelnet.Conn, error) {
	ctx := context.Background()
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	conn, err := ssltelnet.Open(ctx, cfg.options, logger)
	if err != nil {
		return nil, err
	}
	conn.SetOptionPolicy(interactivePolicy(logger))
	return conn, nil
}

// interactivePolicy lets the server echo and suppress go-ahead, which is
// what line-mode MUD and BBS servers ask for. Anything else is refused.
func interactivePolicy(logger telnet.Logger) ssltelnet.OptionPolicy {
	return func(peer io.Writer, n ssltelnet.Negotiation) {
		var reply []byte
		switch n.Command {
		case ssltelnet.WILL:
			if n.Option == ssltelnet.OptEcho || n.Option == ssltelnet.OptSGA {
				reply = []byte{ssltelnet.IAC, ssltelnet.DO, n.Option}
			} else {
				reply = []byte{ssltelnet.IAC, ssltelnet.DONT, n.Option}
			}
		case ssltelnet.WONT:
			reply = []byte{ssltelnet.IAC, ssltelnet.DONT, n.Option}
		case ssltelnet.DO, ssltelnet.DONT:
			reply = []byte{ssltelnet.IAC, ssltelnet.WONT, n.Option}
		default:
			logger.Debugf("ignoring %s", n)
			return
		}
		if _, err := peer.Write(reply); err != nil {
			logger.Errorf("negotiation reply failed: %v", err)
		}
	}
}

func connect(cfg *clientConfig) error {
	logger := cfg.logger()
	conn, err := dial(cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Debugf("connected to %s (%s)", cfg.addr, conn.State())

	ctx := telnet.NewContext().InjectLogger(logger)
	telnet.StandardCaller.CallTELNET(ctx, conn, conn)
	return nil
}

// relay bridges an SSH session to a TELNET session. Server output goes
// to the SSH client as it arrives; SSH input is sent to the server one
// CRLF-terminated line at a time. relay returns when either side is done
// and leaves conn closed.
func relay(s ssh.Session, conn *ssltelnet.Conn, logger telnet.Logger) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(s, conn); err != nil {
			logger.Debugf("%s: server side: %v", s.RemoteAddr(), err)
		}
		// unblocks the input loop below
		_ = s.Exit(0)
	}()

	err := relayLines(conn, s)
	if cerr := conn.Close(); cerr != nil {
		logger.Debugf("%s: close: %v", s.RemoteAddr(), cerr)
	}
	<-done
	return err
}

// relayLines sends every line read from r to conn with a TELNET end of line.
func relayLines(conn *ssltelnet.Conn, r io.Reader) error {
	var line bytes.Buffer
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line.Reset()
		line.Write(scanner.Bytes())
		line.WriteString("\r\n")
		if _, err := oi.LongWrite(conn, line.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// telnetHandler serves one SSH session. The "healthcheck" command checks
// the TELNET target instead of opening an interactive bridge.
func telnetHandler(cfg *clientConfig, logger telnet.Logger) ssh.Handler {
	return func(s ssh.Session) {
		if cmd := s.Command(); len(cmd) == 1 && cmd[0] == "healthcheck" {
			if err := healthcheckOnce(cfg); err != nil {
				fmt.Fprintf(s, "error: %v\n", err)
				_ = s.Exit(1)
				return
			}
			fmt.Fprintln(s, "OK")
			return
		}
		conn, err := dial(cfg, logger)
		if err != nil {
			fmt.Fprintf(s, "error: %v\n", err)
			_ = s.Exit(1)
			return
		}
		logger.Debugf("%s@%s bridged to %s (%s)", s.User(), s.RemoteAddr(), cfg.addr, conn.State())

		if err := relay(s, conn, logger); err != nil {
			logger.Errorf("%s: %v", s.RemoteAddr(), err)
		}
	}
}

func newBridgeServer(cfg *bridgeConfig) (*ssh.Server, error) {
	logger := cfg.client.logger()
	srv := &ssh.Server{
		Addr:    cfg.bindAddr,
		Handler: telnetHandler(cfg.client, logger),
		Version: fmt.Sprintf("ssltelnet-%s", GitTag),
	}
	if cfg.idleTimeout != 0 {
		srv.IdleTimeout = cfg.idleTimeout
		// gliderlabs/ssh requires MaxTimeout to be non-zero if we want to use IdleTimeout.
		// So, set it to the max value, because we don't want a max timeout.
		srv.MaxTimeout = math.MaxInt64
	}
	if cfg.hostKey != "" {
		if err := srv.SetOption(ssh.HostKeyFile(cfg.hostKey)); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

func bridge(cfg *bridgeConfig) error {
	srv, err := newBridgeServer(cfg)
	if err != nil {
		return err
	}
	log.Printf("info: SSH Server accepting connections on %s, forwarding to %s, idle-timeout=%v", cfg.bindAddr, cfg.client.addr, cfg.idleTimeout)
	return srv.ListenAndServe()
}
