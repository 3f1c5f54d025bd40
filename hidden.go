package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"

	oi "github.com/reiver/go-oi"
	telnet "github.com/reiver/go-telnet"
	"github.com/urfave/cli"
	"moul.io/ssltelnet/pkg/ssltelnet"
)

// testServer is an hidden handler used for integration tests: an echo
// server speaking plain TELNET, TELNETS or TELNET with START_TLS.
func testServer(c *cli.Context) error {
	cert, err := newSelfSignedCert("localhost", "127.0.0.1")
	if err != nil {
		return err
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	ln, err := net.Listen("tcp", c.String("bind-address"))
	if err != nil {
		return err
	}
	log.Printf("info: %s test server listening on %s", c.String("mode"), ln.Addr())

	switch mode := c.String("mode"); mode {
	case "plain":
		server := &telnet.Server{Handler: telnet.EchoHandler}
		return server.Serve(ln)
	case "tls":
		server := &telnet.Server{Handler: telnet.EchoHandler}
		return server.Serve(tls.NewListener(ln, tlsConfig))
	case "starttls":
		return serveStartTLS(ln, tlsConfig)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func serveStartTLS(ln net.Listener, config *tls.Config) error {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := startTLSEcho(conn, config); err != nil && err != io.EOF {
				log.Printf("error: %v", err)
			}
		}()
	}
}

// startTLSEcho runs the server side of START_TLS then echoes what it
// receives over the encrypted stream.
func startTLSEcho(conn net.Conn, config *tls.Config) error {
	defer conn.Close()

	if _, err := oi.LongWrite(conn, []byte{ssltelnet.IAC, ssltelnet.DO, ssltelnet.OptTLS}); err != nil {
		return err
	}
	reply := make([]byte, 3)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if reply[1] != ssltelnet.WILL {
		_, err := oi.LongWrite(conn, []byte("START_TLS refused, echoing in plaintext\r\n"))
		if err != nil {
			return err
		}
		_, err = io.Copy(conn, conn)
		return err
	}
	follows := make([]byte, 6)
	if _, err := io.ReadFull(conn, follows); err != nil {
		return err
	}
	if _, err := oi.LongWrite(conn, []byte{ssltelnet.IAC, ssltelnet.SB, ssltelnet.OptTLS, ssltelnet.FOLLOWS, ssltelnet.IAC, ssltelnet.SE}); err != nil {
		return err
	}

	tlsConn := tls.Server(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if _, err := oi.LongWrite(tlsConn, []byte("START_TLS complete\r\n")); err != nil {
		return err
	}
	_, err := io.Copy(tlsConn, tlsConn)
	return err
}
