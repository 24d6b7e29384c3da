package hub

import (
	"time"

	"github.com/anonychat/anonychat/internal/metrics"
	"github.com/anonychat/anonychat/internal/protocol"
)

// AttemptPairing runs the pairing algorithm for the given peer: match it with
// a waiting candidate, or enqueue it and arm the no-partner notice. It is
// called on connect, when a survivor's re-queue delay expires, and when an
// in-session message arrives with no live partner.
func (h *Hub) AttemptPairing(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	out := h.attemptPairingLocked(p)
	out = h.appendStatsLocked(out)
	h.mu.Unlock()

	h.flush(out, nil)
}

// attemptPairingLocked is the core algorithm. Selection is first-fit over the
// queue in insertion order; there is no FIFO fairness guarantee.
func (h *Hub) attemptPairingLocked(p *Peer) []frame {
	h.purgeWaitingLocked()

	if p.PartnerID != "" {
		return nil
	}

	now := h.now()
	for _, cid := range h.waiting {
		c := h.peers[cid]
		if c == nil || !h.eligibleLocked(p, c, now) {
			continue
		}
		return h.linkLocked(p, c, now)
	}

	return h.enqueueLocked(p, now)
}

// purgeWaitingLocked lazily drops queue entries that are closed or have
// picked up a partner since they were enqueued.
func (h *Hub) purgeWaitingLocked() {
	kept := h.waiting[:0]
	for _, id := range h.waiting {
		p, ok := h.peers[id]
		if !ok || p.PartnerID != "" {
			if ok {
				p.waiting = false
			}
			continue
		}
		kept = append(kept, id)
	}
	h.waiting = kept
}

// eligibleLocked reports whether candidate c may be paired with p. The
// anti-flip-flop rule is applied in both directions: two peers that just
// split are not re-linked until the cooldown has elapsed since the blocked
// side last entered the queue.
func (h *Hub) eligibleLocked(p, c *Peer, now time.Time) bool {
	if c.ID == p.ID || c.UserID == p.UserID {
		return false
	}
	if c.PartnerID != "" {
		return false
	}
	cooldown := h.config.CooldownAfterLastPartner
	if p.LastPartnerID == c.ID && now.Sub(p.LastWaitingAt) < cooldown {
		return false
	}
	if c.LastPartnerID == p.ID && now.Sub(c.LastWaitingAt) < cooldown {
		return false
	}
	return true
}

// linkLocked removes c from the queue and links both peers symmetrically.
func (h *Hub) linkLocked(p, c *Peer, now time.Time) []frame {
	h.removeWaitingLocked(c.ID)
	c.waiting = false
	p.waiting = false

	p.PartnerID = c.ID
	c.PartnerID = p.ID
	p.PairStartedAt = now
	c.PairStartedAt = now
	p.LastMessageAt = now
	c.LastMessageAt = now

	p.stopTimers()
	c.stopTimers()

	h.events.UsersPaired(p.ID, c.ID)
	metrics.PairsCurrent.Inc()
	metrics.PairingsTotal.Inc()

	connected := protocol.SystemMessage(protocol.SystemConnected)
	return []frame{
		{to: p.ID, data: connected},
		{to: c.ID, data: connected},
	}
}

// enqueueLocked places p in the waiting queue (if it is not already there)
// and arms the one-shot no-partner notice.
func (h *Hub) enqueueLocked(p *Peer, now time.Time) []frame {
	if p.waiting {
		return nil
	}
	p.waiting = true
	p.LastWaitingAt = now
	h.waiting = append(h.waiting, p.ID)
	h.events.UserWaiting(p.ID)

	h.armNoPartnerTimerLocked(p)

	return []frame{{to: p.ID, data: protocol.SystemMessage(protocol.SystemWaiting)}}
}
