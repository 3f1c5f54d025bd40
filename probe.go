package main

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/mgutz/ansi"
	"github.com/olekukonko/tablewriter"
	"moul.io/ssltelnet/pkg/ssltelnet"
)

type probeReport struct {
	addr         string
	state        ssltelnet.State
	tls          *tls.ConnectionState
	stats        ssltelnet.Stats
	negotiations []string
	banner       string
}

func probe(cfg *clientConfig, settle time.Duration, w io.Writer) error {
	logger := cfg.logger()
	conn, err := dial(cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	report := probeReport{addr: cfg.addr}
	policy := interactivePolicy(logger)
	conn.SetOptionPolicy(func(peer io.Writer, n ssltelnet.Negotiation) {
		report.negotiations = append(report.negotiations, n.String())
		policy(peer, n)
	})

	if err := conn.SetReadDeadline(time.Now().Add(settle)); err != nil {
		return err
	}
	var banner bytes.Buffer
	if _, err := io.Copy(&banner, conn); err != nil && !isTimeout(err) {
		return err
	}

	report.state = conn.State()
	report.stats = conn.Stats()
	if state, ok := conn.ConnectionState(); ok {
		report.tls = &state
	}
	report.banner = firstLine(banner.String())
	return renderReport(w, report, true)
}

func renderReport(w io.Writer, r probeReport, colorize bool) error {
	state := r.state.String()
	if colorize {
		switch r.state {
		case ssltelnet.Encrypted:
			state = ansi.Color(state, "green+b")
		case ssltelnet.Pending:
			state = ansi.Color(state, "yellow")
		default:
			state = ansi.Color(state, "red+b")
		}
	}

	rows := [][]string{
		{"Address", r.addr},
		{"State", state},
	}
	if r.tls != nil {
		rows = append(rows,
			[]string{"TLS version", tls.VersionName(r.tls.Version)},
			[]string{"Cipher suite", tls.CipherSuiteName(r.tls.CipherSuite)},
		)
		if len(r.tls.PeerCertificates) > 0 {
			cert := r.tls.PeerCertificates[0]
			rows = append(rows,
				[]string{"Certificate", cert.Subject.String()},
				[]string{"Expires", humanize.Time(cert.NotAfter)},
			)
		}
		rows = append(rows, []string{"Handshake", r.stats.HandshakeTime.Round(time.Millisecond).String()})
	}
	rows = append(rows,
		[]string{"Received", humanize.Bytes(uint64(r.stats.BytesIn))},
		[]string{"Sent", humanize.Bytes(uint64(r.stats.BytesOut))},
	)
	if len(r.negotiations) > 0 {
		rows = append(rows, []string{"Negotiations", strings.Join(r.negotiations, ", ")})
	}
	if r.banner != "" {
		rows = append(rows, []string{"Banner", r.banner})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()
	_, err := fmt.Fprintln(w)
	return err
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
