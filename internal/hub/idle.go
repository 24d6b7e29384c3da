package hub

import (
	"time"

	"github.com/anonychat/anonychat/internal/protocol"
)

// armNoPartnerTimerLocked schedules the single "no partner available" notice
// for a peer that just entered the waiting queue. The callback re-validates
// the peer's state at fire time rather than trusting the state captured at
// schedule time.
func (h *Hub) armNoPartnerTimerLocked(p *Peer) {
	if p.noPartnerTimer != nil {
		p.noPartnerTimer.Stop()
	}
	id := p.ID
	p.noPartnerTimer = time.AfterFunc(h.config.NoPartnerTimeout, func() {
		h.fireNoPartner(id)
	})
}

// fireNoPartner sends the one-shot notice if the peer is still registered,
// still waiting, and still unpaired.
func (h *Hub) fireNoPartner(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	if !ok || !p.waiting || p.PartnerID != "" {
		h.mu.Unlock()
		return
	}
	p.noPartnerTimer = nil
	h.events.NoPartnerTimeout(id)
	h.mu.Unlock()

	h.flush([]frame{{to: id, data: protocol.SystemMessage(protocol.SystemNoPartner)}}, nil)
}

// scheduleRequeueLocked arms the survivor's delayed return to the waiting
// queue after its partner disconnected: the remainder of the minimum pair
// duration is waited out, plus a randomized cooldown.
func (h *Hub) scheduleRequeueLocked(survivor *Peer, sessionLen time.Duration) {
	delay := h.config.MinPairDuration - sessionLen
	if delay < 0 {
		delay = 0
	}
	delay += h.randomCooldown()

	if survivor.requeueTimer != nil {
		survivor.requeueTimer.Stop()
	}
	id := survivor.ID
	survivor.requeueTimer = time.AfterFunc(delay, func() {
		h.fireRequeue(id)
	})
}

// fireRequeue re-enters the survivor into the pairing engine, unless it has
// disconnected or found a partner through some other path in the meantime.
func (h *Hub) fireRequeue(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	if !ok || p.PartnerID != "" {
		h.mu.Unlock()
		return
	}
	p.requeueTimer = nil
	out := h.attemptPairingLocked(p)
	out = h.appendStatsLocked(out)
	h.mu.Unlock()

	h.flush(out, nil)
}

// sweepLoop runs the recurring inactive-pair scan.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweepInactivePairs()
		}
	}
}

// sweepInactivePairs expires every session whose last message is older than
// InactivePairTimeout. Both peers get a notice, then are closed after a short
// grace delay so the notice can be delivered. A pair that never exchanged a
// message is measured from pair start, so a silently-paired couple is
// eventually expired too.
func (h *Hub) sweepInactivePairs() {
	h.mu.Lock()
	now := h.now()

	var out []frame
	var doomed []string
	seen := make(map[string]bool)

	for id, p := range h.peers {
		partner, live := h.peers[p.PartnerID]
		if p.PartnerID == "" || !live || seen[id] {
			continue
		}
		seen[id] = true
		seen[partner.ID] = true

		idle := now.Sub(p.LastMessageAt)
		if idle <= h.config.InactivePairTimeout {
			continue
		}

		h.events.InactivePairCleanup(id, partner.ID, idle)
		notice := protocol.SystemMessage(protocol.SystemInactive)
		out = append(out, frame{to: id, data: notice}, frame{to: partner.ID, data: notice})
		doomed = append(doomed, id, partner.ID)
	}
	h.mu.Unlock()

	h.flush(out, nil)

	if len(doomed) > 0 {
		grace := h.config.InactiveCloseGrace
		time.AfterFunc(grace, func() {
			for _, id := range doomed {
				h.transport.Close(id)
			}
		})
	}
}
