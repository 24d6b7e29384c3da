package hub

import "time"

// Peer is the transient state of one live connection. The hub's mutex guards
// every field; nothing outside the hub package touches a Peer.
//
// PartnerID is a weak reference: it names another peer by id and every
// dereference goes through the registry, so removing a peer can never leave a
// dangling pointer. The link is kept symmetric by the pairing engine — if
// A.PartnerID == B.ID then B.PartnerID == A.ID, always. A peer is in at most
// one of {waiting queue, paired} at any instant.
type Peer struct {
	ID     string // connection id, assigned at upgrade time
	UserID string // stable identity; equals ID without a legacy session token

	PartnerID     string // current partner, or empty
	LastPartnerID string // most recent ex-partner, drives the anti-flip-flop rule

	ConnectedAt   time.Time
	LastMessageAt time.Time // last text relayed in either direction
	PairStartedAt time.Time
	LastWaitingAt time.Time // when the peer last entered the queue

	waiting bool

	noPartnerTimer *time.Timer
	requeueTimer   *time.Timer
}

// stopTimers cancels any pending per-peer timers. Timer callbacks re-validate
// registry membership under the lock, so a callback that already fired and is
// blocked on the mutex becomes a no-op.
func (p *Peer) stopTimers() {
	if p.noPartnerTimer != nil {
		p.noPartnerTimer.Stop()
		p.noPartnerTimer = nil
	}
	if p.requeueTimer != nil {
		p.requeueTimer.Stop()
		p.requeueTimer = nil
	}
}
