package ssltelnet

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestConnReadWrite(t *testing.T) {
	Convey("Testing the option loop", t, func() {
		Convey("data is un-escaped and commands are stripped", func() {
			raw := newFakeConn(append([]byte("ab"), IAC, IAC, IAC, NOP, 'c', IAC, DO, OptEcho, 'd', '\r', '\n')...)
			c, err := NewConn(context.Background(), raw, &Options{Handshaker: &fakeHandshaker{}})
			So(err, ShouldBeNil)

			line, err := c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "ab\xffcd")
			So(raw.out.Bytes(), ShouldResemble, []byte{IAC, WONT, OptEcho})

			_, err = c.Read(make([]byte, 8))
			So(err, ShouldEqual, io.EOF)
		})

		Convey("a stray SE is reported and skipped", func() {
			logger := &recordingLogger{}
			raw := newFakeConn('x', IAC, SE, 'y', '\n')
			c, err := NewConn(context.Background(), raw, &Options{Handshaker: &fakeHandshaker{}, Logger: logger})
			So(err, ShouldBeNil)

			line, err := c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "xy")
			So(len(logger.warnings()), ShouldEqual, 1)
			So(logger.warnings()[0], ShouldContainSubstring, "IAC SE without IAC SB")
		})

		Convey("ReadUntil returns partial data on EOF", func() {
			raw := newFakeConn('l', 'o', 'g', 'i', 'n', ':')
			c, err := NewConn(context.Background(), raw, &Options{Handshaker: &fakeHandshaker{}})
			So(err, ShouldBeNil)

			out, err := c.ReadUntil([]byte("login:"))
			So(err, ShouldBeNil)
			So(string(out), ShouldEqual, "login:")

			out, err = c.ReadUntil([]byte("password:"))
			So(err, ShouldEqual, io.EOF)
			So(out, ShouldBeEmpty)
		})

		Convey("an expired deadline does not end the session", func() {
			raw := &stallingConn{fakeConn: newFakeConn('o', 'k', '\r', '\n')}
			c, err := NewConn(context.Background(), raw, &Options{Handshaker: &fakeHandshaker{}})
			So(err, ShouldBeNil)

			line, err := c.ReadLine()
			So(line, ShouldBeEmpty)
			So(IsTransportError(err), ShouldBeTrue)
			So(isTimeout(err), ShouldBeTrue)

			line, err = c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "ok")

			_, err = c.ReadLine()
			So(err, ShouldEqual, io.EOF)
			_, err = c.ReadLine()
			So(err, ShouldEqual, io.EOF)
		})

		Convey("writes escape IAC", func() {
			raw := newFakeConn()
			c, err := NewConn(context.Background(), raw, &Options{Handshaker: &fakeHandshaker{}})
			So(err, ShouldBeNil)

			n, err := c.Write([]byte{'a', IAC, 'b'})
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)
			So(raw.out.Bytes(), ShouldResemble, []byte{'a', IAC, IAC, 'b'})
		})

		Convey("in-band upgrade while reading keeps bytes in order", func() {
			in := []byte{'h', 'i', '\n', IAC, DO, OptTLS, IAC, SB, OptTLS, FOLLOWS, IAC, SE}
			in = append(in, "after\r\n"...)
			raw := newFakeConn(in...)
			h := &fakeHandshaker{}
			c, err := NewConn(context.Background(), raw, &Options{TelnetTLS: true, Handshaker: h})
			So(err, ShouldBeNil)

			line, err := c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "hi")

			line, err = c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "after")
			So(c.IsEncrypted(), ShouldBeTrue)
			So(raw.out.Bytes(), ShouldResemble, startTLSReply)
		})
	})
}

func TestConnTLS(t *testing.T) {
	Convey("Testing against a TLS server on loopback", t, func() {
		cert, err := selfSignedCert()
		So(err, ShouldBeNil)
		serverConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Convey("force_ssl encrypts before any TELNET byte", func() {
			addr, errc, err := serveOnce(func(conn net.Conn) error {
				tlsConn := tls.Server(conn, serverConfig)
				if err := tlsConn.Handshake(); err != nil {
					return err
				}
				line, err := bufio.NewReader(tlsConn).ReadString('\n')
				if err != nil {
					return err
				}
				if line != "PING\r\n" {
					return errors.Errorf("unexpected %q", line)
				}
				_, err = tlsConn.Write([]byte("PONG\r\n"))
				return err
			})
			So(err, ShouldBeNil)

			c, err := Dial(ctx, "tcp", addr, DefaultOptions())
			So(err, ShouldBeNil)
			defer c.Close()
			So(c.State(), ShouldEqual, Encrypted)
			state, ok := c.ConnectionState()
			So(ok, ShouldBeTrue)
			So(state.HandshakeComplete, ShouldBeTrue)

			_, err = c.Write([]byte("PING\r\n"))
			So(err, ShouldBeNil)
			line, err := c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "PONG")
			So(<-errc, ShouldBeNil)
		})

		Convey("START_TLS upgrades a plaintext session", func() {
			addr, errc, err := serveOnce(func(conn net.Conn) error {
				if _, err := conn.Write([]byte{IAC, DO, OptTLS}); err != nil {
					return err
				}
				reply := make([]byte, len(startTLSReply))
				if _, err := io.ReadFull(conn, reply); err != nil {
					return err
				}
				if string(reply) != string(startTLSReply) {
					return errors.Errorf("unexpected reply %v", reply)
				}
				if _, err := conn.Write([]byte{IAC, SB, OptTLS, FOLLOWS, IAC, SE}); err != nil {
					return err
				}
				tlsConn := tls.Server(conn, serverConfig)
				if err := tlsConn.Handshake(); err != nil {
					return err
				}
				_, err := tlsConn.Write([]byte("welcome\r\n"))
				return err
			})
			So(err, ShouldBeNil)

			opts := DefaultOptions()
			opts.ForceSSL = false
			c, err := Dial(ctx, "tcp", addr, opts)
			So(err, ShouldBeNil)
			defer c.Close()
			So(c.State(), ShouldEqual, Plain)

			line, err := c.ReadLine()
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "welcome")
			So(c.State(), ShouldEqual, Encrypted)
			So(c.Stats().HandshakeTime > 0, ShouldBeTrue)
			So(<-errc, ShouldBeNil)
		})

		Convey("a server that does not speak TLS fails the connection", func() {
			addr, errc, err := serveOnce(func(conn net.Conn) error {
				_, err := conn.Write([]byte("Welcome to the MUD!\r\n\r\n\r\n\r\n"))
				return err
			})
			So(err, ShouldBeNil)

			c, err := Dial(ctx, "tcp", addr, DefaultOptions())
			So(c, ShouldBeNil)
			So(IsHandshakeFailure(err), ShouldBeTrue)
			<-errc
		})

		Convey("required verification rejects a self-signed server", func() {
			addr, errc, err := serveOnce(func(conn net.Conn) error {
				return tls.Server(conn, serverConfig).Handshake()
			})
			So(err, ShouldBeNil)

			opts := DefaultOptions()
			opts.TLS.CertReqs = "required"
			opts.TLS.ServerName = "localhost"
			c, err := Dial(ctx, "tcp", addr, opts)
			So(c, ShouldBeNil)
			So(IsHandshakeFailure(err), ShouldBeTrue)
			<-errc
		})
	})
}

func TestOpen(t *testing.T) {
	Convey("Unknown keys are handed to the plain transport", t, func() {
		_, err := Open(context.Background(), map[string]string{
			"host":      "127.0.0.1",
			"force_ssl": "false",
			"colour":    "blue",
		}, nil)
		So(IsTransportError(err), ShouldBeTrue)
		So(err.Error(), ShouldContainSubstring, `unexpected option "colour"`)
	})

	Convey("A missing host is a transport error", t, func() {
		_, err := Open(context.Background(), map[string]string{"port": "23"}, nil)
		So(IsTransportError(err), ShouldBeTrue)
	})

	Convey("A plaintext session can be opened from keys", t, func() {
		addr, errc, err := serveOnce(func(conn net.Conn) error {
			_, err := conn.Write([]byte("hello\r\n"))
			return err
		})
		So(err, ShouldBeNil)
		host, port, err := net.SplitHostPort(addr)
		So(err, ShouldBeNil)

		c, err := Open(context.Background(), map[string]string{
			"host":       host,
			"port":       port,
			"timeout":    "5",
			"force_ssl":  "false",
			"telnet_tls": "false",
		}, nil)
		So(err, ShouldBeNil)
		defer c.Close()
		line, err := c.ReadLine()
		So(err, ShouldBeNil)
		So(line, ShouldEqual, "hello")
		So(c.IsEncrypted(), ShouldBeFalse)
		So(<-errc, ShouldBeNil)
	})
}
