// Package hub implements the pairing-and-relay core: the connection registry,
// the waiting queue, the pairing engine, the message relay, the idle manager
// and the presence reporter.
//
// A single mutex owns the registry, the waiting queue and all partner links.
// Every mutation — inbound message, connect, disconnect, timer callback —
// funnels through that mutex. Outbound frames are collected under the lock
// and written to the transport only after it is released, so no network I/O
// ever happens while holding it.
package hub

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/anonychat/anonychat/internal/events"
	"github.com/anonychat/anonychat/internal/metrics"
	"github.com/anonychat/anonychat/internal/protocol"
)

// Transport is the narrow interface the hub uses to reach connected peers.
// Send is best-effort: a failed write is logged and otherwise ignored — the
// heartbeat layer is the sole authority on when a peer is gone. Close must
// eventually result in an Unregister call for the peer.
type Transport interface {
	Send(peerID string, data []byte) error
	Close(peerID string)
}

// Config holds the tunable parameters of the pairing core.
type Config struct {
	NoPartnerTimeout         time.Duration // one "no partner" notice after waiting this long
	CooldownAfterLastPartner time.Duration // anti-flip-flop window after a split
	MinPairDuration          time.Duration // survivor waits out the remainder of short sessions
	RequeueCooldownMin       time.Duration // randomized extra delay before a survivor re-queues
	RequeueCooldownMax       time.Duration
	InactivePairTimeout      time.Duration // silent pairs older than this are expired
	SweepInterval            time.Duration // how often the inactive-pair sweep runs
	InactiveCloseGrace       time.Duration // delay between the inactivity notice and the close
	StatsInterval            time.Duration // unconditional presence broadcast period
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		NoPartnerTimeout:         30 * time.Second,
		CooldownAfterLastPartner: 5 * time.Second,
		MinPairDuration:          4 * time.Second,
		RequeueCooldownMin:       1 * time.Second,
		RequeueCooldownMax:       3 * time.Second,
		InactivePairTimeout:      2 * 24 * time.Hour,
		SweepInterval:            30 * time.Minute,
		InactiveCloseGrace:       2 * time.Second,
		StatsInterval:            10 * time.Second,
	}
}

// Hub is the single-sequencer owner of all pairing state.
type Hub struct {
	config    Config
	transport Transport
	events    *events.Logger

	mu      sync.Mutex
	peers   map[string]*Peer // id -> peer; membership defines "open"
	waiting []string         // peer ids awaiting a partner, insertion order
	closed  bool

	done chan struct{}

	// now is stubbed in tests to drive time-based rules.
	now func() time.Time
}

// New creates a Hub. Start must be called to launch the periodic sweeps.
func New(config Config, transport Transport, ev *events.Logger) *Hub {
	return &Hub{
		config:    config,
		transport: transport,
		events:    ev,
		peers:     make(map[string]*Peer),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the inactive-pair sweep and the periodic stats broadcast.
func (h *Hub) Start() {
	go h.sweepLoop()
	go h.statsLoop()
}

// Close cancels all periodic work and per-peer timers and detaches every
// peer. The transport is expected to close the underlying sockets itself
// during its own shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	for _, p := range h.peers {
		p.stopTimers()
	}
	h.peers = make(map[string]*Peer)
	h.waiting = nil
	h.mu.Unlock()
}

// Register adds a freshly connected peer to the registry and immediately
// attempts to pair it. userID equals id unless the connection carried a
// legacy session token.
func (h *Hub) Register(id, userID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	now := h.now()
	p := &Peer{
		ID:            id,
		UserID:        userID,
		ConnectedAt:   now,
		LastMessageAt: now,
	}
	h.peers[id] = p
	metrics.ConnectionsCurrent.Inc()
	h.events.UserConnected(id)

	out := h.attemptPairingLocked(p)
	out = h.appendStatsLocked(out)
	h.mu.Unlock()

	h.flush(out, nil)
}

// Unregister removes a peer from the registry, the waiting queue and any
// partner link. The surviving partner is notified and scheduled for re-entry
// into the waiting queue after the minimum-pair-duration remainder plus a
// randomized cooldown.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, id)
	p.stopTimers()
	h.removeWaitingLocked(id)
	metrics.ConnectionsCurrent.Dec()
	h.events.UserDisconnected(id)

	var out []frame
	if partner, live := h.peers[p.PartnerID]; p.PartnerID != "" && live {
		partner.PartnerID = ""
		partner.LastPartnerID = id
		out = append(out, frame{to: partner.ID, data: protocol.SystemMessage(protocol.SystemDisconnected)})
		h.events.PairDisconnected(id, partner.ID)
		metrics.PairsCurrent.Dec()
		h.scheduleRequeueLocked(partner, h.now().Sub(p.PairStartedAt))
	}
	p.PartnerID = ""

	out = h.appendStatsLocked(out)
	h.mu.Unlock()

	h.flush(out, nil)
}

// Snapshot returns the current presence counts.
func (h *Hub) Snapshot() PresenceSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// removeWaitingLocked drops id from the waiting queue if present.
func (h *Hub) removeWaitingLocked(id string) {
	for i, wid := range h.waiting {
		if wid == id {
			h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
			return
		}
	}
}

// randomCooldown picks the survivor's extra re-queue delay.
func (h *Hub) randomCooldown() time.Duration {
	span := h.config.RequeueCooldownMax - h.config.RequeueCooldownMin
	if span <= 0 {
		return h.config.RequeueCooldownMin
	}
	return h.config.RequeueCooldownMin + time.Duration(rand.Int63n(int64(span)))
}

// frame is one pending outbound write, queued under the lock and flushed
// after release.
type frame struct {
	to   string
	data []byte
}

// flush performs the deferred transport work: writes first, closes last.
// Write failures are logged only; disconnect cleanup belongs to the
// heartbeat/transport layer.
func (h *Hub) flush(out []frame, closes []string) {
	for _, f := range out {
		if err := h.transport.Send(f.to, f.data); err != nil {
			log.Printf("hub: send to %s failed: %v", f.to, err)
		}
	}
	for _, id := range closes {
		h.transport.Close(id)
	}
}
