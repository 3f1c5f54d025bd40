package ssltelnet

import (
	"context"
	"io"
	"sync"

	telnet "github.com/reiver/go-telnet"
)

// dispatcher routes negotiation events. START_TLS is always handled by the
// coordinator; everything else goes to the installed policy, or is refused.
type dispatcher struct {
	coord  *coordinator
	logger telnet.Logger

	mu     sync.Mutex
	policy OptionPolicy
}

func (d *dispatcher) setPolicy(p OptionPolicy) {
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
}

func (d *dispatcher) currentPolicy() OptionPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

func (d *dispatcher) handle(ctx context.Context, n Negotiation, peer io.Writer) error {
	d.logger.Tracef("recv %s", n)

	if n.Command == DO && n.Option == OptTLS {
		return d.coord.beginUpgrade(peer)
	}
	if n.Command == SE && d.coord.upgradePending() && isStartTLSConfirmation(n.Payload) {
		return d.coord.completeUpgrade(ctx)
	}

	policy := d.currentPolicy()
	if policy != nil {
		switch n.Command {
		case DO, DONT, WILL, WONT, SB, SE:
			policy(peer, n)
		}
		return nil
	}

	var err error
	switch n.Command {
	case DO, DONT:
		_, err = peer.Write(command(WONT, n.Option))
	case WILL, WONT:
		_, err = peer.Write(command(DONT, n.Option))
	case SB, SE:
		d.logger.Warnf("IAC %d not recognized", n.Command)
	}
	return err
}

// isStartTLSConfirmation matches a sub-negotiation payload of START_TLS
// followed by FOLLOWS. Trailing bytes are tolerated; a missing or different
// second byte is not a confirmation.
func isStartTLSConfirmation(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == OptTLS && payload[1] == FOLLOWS
}
