// Package ssltelnet is a TELNET client that can run over TLS, either from the
// first byte (TELNETS) or after an in-band START_TLS negotiation.
package ssltelnet // import "moul.io/ssltelnet/pkg/ssltelnet"

import "strconv"

// TELNET command bytes (RFC 854).
const (
	SE   byte = 240
	NOP  byte = 241
	DM   byte = 242
	BRK  byte = 243
	IP   byte = 244
	AO   byte = 245
	AYT  byte = 246
	EC   byte = 247
	EL   byte = 248
	GA   byte = 249
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

// TELNET option codes used by this package.
const (
	OptBinary byte = 0
	OptEcho   byte = 1
	OptSGA    byte = 3
	OptTType  byte = 24
	OptNAWS   byte = 31
	OptTLS    byte = 46 // START_TLS, draft-altman-telnet-starttls
	NOOPT     byte = 0
)

// FOLLOWS is the START_TLS sub-negotiation byte. It is sent by the client
// to announce that a TLS handshake follows, and echoed by the server to
// confirm it.
const FOLLOWS byte = 1

func commandName(cmd byte) string {
	switch cmd {
	case SE:
		return "SE"
	case NOP:
		return "NOP"
	case DM:
		return "DM"
	case BRK:
		return "BRK"
	case IP:
		return "IP"
	case AO:
		return "AO"
	case AYT:
		return "AYT"
	case EC:
		return "EC"
	case EL:
		return "EL"
	case GA:
		return "GA"
	case SB:
		return "SB"
	case WILL:
		return "WILL"
	case WONT:
		return "WONT"
	case DO:
		return "DO"
	case DONT:
		return "DONT"
	case IAC:
		return "IAC"
	}
	return strconv.Itoa(int(cmd))
}

func optionName(opt byte) string {
	switch opt {
	case OptBinary:
		return "BINARY"
	case OptEcho:
		return "ECHO"
	case OptSGA:
		return "SGA"
	case OptTType:
		return "TTYPE"
	case OptNAWS:
		return "NAWS"
	case OptTLS:
		return "START_TLS"
	}
	return strconv.Itoa(int(opt))
}

func command(cmd, opt byte) []byte {
	return []byte{IAC, cmd, opt}
}
