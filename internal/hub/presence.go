package hub

import (
	"time"

	"github.com/anonychat/anonychat/internal/metrics"
	"github.com/anonychat/anonychat/internal/protocol"
)

// PresenceSnapshot is the aggregate state broadcast to every live connection.
// It is derived on demand and never stored beyond the current broadcast.
type PresenceSnapshot struct {
	OnlineCount  int
	WaitingUsers int
	ActivePairs  int
}

func (h *Hub) snapshotLocked() PresenceSnapshot {
	online := len(h.peers)
	waiting := len(h.waiting)
	return PresenceSnapshot{
		OnlineCount:  online,
		WaitingUsers: waiting,
		ActivePairs:  (online - waiting) / 2,
	}
}

// appendStatsLocked appends a stats frame for every live peer to out. It is
// called after any mutation that can change the counts, so clients converge
// immediately rather than waiting for the periodic broadcast.
func (h *Hub) appendStatsLocked(out []frame) []frame {
	snap := h.snapshotLocked()
	metrics.WaitingCurrent.Set(float64(snap.WaitingUsers))

	data := protocol.MustServerMessage(protocol.TypeStats, protocol.StatsMsg{
		OnlineCount:  snap.OnlineCount,
		WaitingUsers: snap.WaitingUsers,
		ActivePairs:  snap.ActivePairs,
	})
	for id := range h.peers {
		out = append(out, frame{to: id, data: data})
	}
	return out
}

// statsLoop broadcasts the snapshot on a fixed timer regardless of change, so
// a client that missed an on-change broadcast still converges.
func (h *Hub) statsLoop() {
	ticker := time.NewTicker(h.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			out := h.appendStatsLocked(nil)
			h.mu.Unlock()
			h.flush(out, nil)
		}
	}
}
