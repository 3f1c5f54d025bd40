package main // import "moul.io/ssltelnet"

import (
	"log"
	"os"
	"path"

	"github.com/urfave/cli"
)

var (
	// GitTag will be overwritten automatically by the build system
	GitTag = "n/a"
	// GitSha will be overwritten automatically by the build system
	GitSha = "n/a"
)

func main() {
	app := cli.NewApp()
	app.Name = path.Base(os.Args[0])
	app.Usage = "TELNET client with TLS and START_TLS support"
	app.Version = GitTag + " (" + GitSha + ")"
	app.Commands = []cli.Command{
		{
			Name:      "connect",
			Usage:     "Open an interactive session",
			ArgsUsage: "host[:port]",
			Action: func(c *cli.Context) error {
				cfg, err := parseClientConfig(c)
				if err != nil {
					return err
				}
				return connect(cfg)
			},
			Flags: sessionFlags(),
		}, {
			Name:      "probe",
			Usage:     "Connect, wait for negotiation to settle and print a report",
			ArgsUsage: "host[:port]",
			Action: func(c *cli.Context) error {
				cfg, err := parseClientConfig(c)
				if err != nil {
					return err
				}
				return probe(cfg, c.Duration("settle"), os.Stdout)
			},
			Flags: append(sessionFlags(),
				cli.DurationFlag{
					Name:  "settle",
					Value: 2e9,
					Usage: "How long to read from the server before reporting",
				},
			),
		}, {
			Name:      "bridge",
			Usage:     "Expose a TELNET server to SSH clients",
			ArgsUsage: "host[:port]",
			Action: func(c *cli.Context) error {
				cfg, err := parseBridgeConfig(c)
				if err != nil {
					return err
				}
				return bridge(cfg)
			},
			Flags: append(sessionFlags(),
				cli.StringFlag{
					Name:   "bind-address, b",
					EnvVar: "SSLTELNET_BIND",
					Value:  ":2222",
					Usage:  "SSH server bind address",
				},
				cli.StringFlag{
					Name:   "host-key",
					EnvVar: "SSLTELNET_HOST_KEY",
					Usage:  "PEM encoded SSH host key (generated when empty)",
				},
				cli.DurationFlag{
					Name:  "idle-timeout",
					Value: 0,
					Usage: "Duration before an inactive connection is timed out (0 to disable)",
				},
			),
		}, {
			Name:      "healthcheck",
			Usage:     "Check that a server can be reached over TLS",
			ArgsUsage: "host[:port]",
			Action: func(c *cli.Context) error {
				if c.Bool("ssh") {
					return healthcheckSSH(c.Args().First(), c.Duration("timeout"), c.Bool("wait"), c.Bool("quiet"))
				}
				cfg, err := parseClientConfig(c)
				if err != nil {
					return err
				}
				return healthcheck(cfg, c.Bool("wait"), c.Bool("quiet"))
			},
			Flags: append(sessionFlags(),
				cli.BoolFlag{
					Name:  "ssh",
					Usage: "Ask a running bridge to check its TELNET server",
				},
				cli.BoolFlag{
					Name:  "wait, w",
					Usage: "Loop indefinitely until the server is ready",
				},
				cli.BoolFlag{
					Name:  "quiet, q",
					Usage: "Do not print errors, if any",
				},
			),
		}, {
			Name:   "_test_server",
			Hidden: true,
			Action: testServer,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "bind-address, b",
					Value: ":9923",
				},
				cli.StringFlag{
					Name:  "mode",
					Value: "starttls",
					Usage: "plain, tls or starttls",
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolTFlag{
			Name:   "force-ssl",
			EnvVar: "SSLTELNET_FORCE_SSL",
			Usage:  "Start TLS as soon as the connection is open",
		},
		cli.BoolTFlag{
			Name:   "telnet-tls",
			EnvVar: "SSLTELNET_TELNET_TLS",
			Usage:  "Accept START_TLS from the server when not forcing TLS",
		},
		cli.StringFlag{
			Name:  "cert",
			Usage: "Client certificate (PEM)",
		},
		cli.StringFlag{
			Name:  "key",
			Usage: "Client certificate key (PEM), defaults to --cert",
		},
		cli.StringFlag{
			Name:   "ca-certs",
			EnvVar: "SSLTELNET_CA_CERTS",
			Usage:  "CA bundle used to verify the server",
		},
		cli.StringFlag{
			Name:   "cert-reqs",
			EnvVar: "SSLTELNET_CERT_REQS",
			Value:  "none",
			Usage:  "Server certificate verification: none, optional or required",
		},
		cli.StringFlag{
			Name:  "min-version",
			Usage: "Lowest TLS version (tls1.0, tls1.1, tls1.2, tls1.3)",
		},
		cli.StringFlag{
			Name:  "max-version",
			Usage: "Highest TLS version",
		},
		cli.StringFlag{
			Name:  "ciphers",
			Usage: "Colon separated list of cipher suites",
		},
		cli.StringFlag{
			Name:  "server-name",
			Usage: "TLS server name, defaults to the host",
		},
		cli.StringFlag{
			Name:   "fingerprint",
			EnvVar: "SSLTELNET_FINGERPRINT",
			Usage:  "Send a browser-like ClientHello (chrome, firefox, safari, edge, ios, randomized, golang)",
		},
		cli.BoolTFlag{
			Name:  "suppress-ragged-eofs",
			Usage: "Treat an unclean TLS shutdown as end of stream",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10e9,
			Usage: "Connect timeout",
		},
		cli.StringSliceFlag{
			Name:  "option, o",
			Usage: "Extra key=value connection option, may be repeated",
		},
		cli.BoolFlag{
			Name:   "debug, D",
			EnvVar: "SSLTELNET_DEBUG",
			Usage:  "Display debug information",
		},
	}
}
