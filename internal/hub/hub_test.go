package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anonychat/anonychat/internal/events"
	"github.com/anonychat/anonychat/internal/protocol"
)

// fakeTransport records outbound frames and close requests in order.
type fakeTransport struct {
	mu     sync.Mutex
	frames []sentFrame
	closed []string
}

type sentFrame struct {
	to   string
	data []byte
}

func (t *fakeTransport) Send(id string, data []byte) error {
	t.mu.Lock()
	t.frames = append(t.frames, sentFrame{to: id, data: data})
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close(id string) {
	t.mu.Lock()
	t.closed = append(t.closed, id)
	t.mu.Unlock()
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	t.frames = nil
	t.closed = nil
	t.mu.Unlock()
}

// to returns the frames sent to one recipient, in order.
func (t *fakeTransport) to(id string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, f := range t.frames {
		if f.to == id {
			out = append(out, f.data)
		}
	}
	return out
}

func (t *fakeTransport) closedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.closed))
	copy(out, t.closed)
	return out
}

// testConfig keeps every timer short and the anti-flip-flop window off unless
// a test opts in.
func testConfig() Config {
	return Config{
		NoPartnerTimeout:         time.Hour,
		CooldownAfterLastPartner: 0,
		MinPairDuration:          0,
		RequeueCooldownMin:       time.Millisecond,
		RequeueCooldownMax:       2 * time.Millisecond,
		InactivePairTimeout:      48 * time.Hour,
		SweepInterval:            time.Hour,
		InactiveCloseGrace:       time.Millisecond,
		StatsInterval:            time.Hour,
	}
}

// newTestHub returns a hub with a stubbed clock. Periodic loops are not
// started; tests drive sweeps directly.
func newTestHub(cfg Config) (*Hub, *fakeTransport, *time.Time) {
	tr := &fakeTransport{}
	h := New(cfg, tr, events.New(nil))
	clock := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return clock }
	return h, tr, &clock
}

// systemText extracts the system notice from a frame, or "" for other types.
func systemText(data []byte) string {
	var m struct {
		Type   string `json:"type"`
		System string `json:"system"`
	}
	if json.Unmarshal(data, &m) != nil || m.Type != protocol.TypeSystem {
		return ""
	}
	return m.System
}

// hasSystem reports whether any frame carries a system notice containing sub.
func hasSystem(frames [][]byte, sub string) bool {
	for _, f := range frames {
		if strings.Contains(systemText(f), sub) {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRegisterPairsTwoPeers(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	if !hasSystem(tr.to("a"), "Waiting for a stranger") {
		t.Fatal("first peer did not get the waiting notice")
	}

	h.Register("b", "b")
	if !hasSystem(tr.to("a"), "Connected to a stranger") {
		t.Fatal("first peer did not get the connected notice")
	}
	if !hasSystem(tr.to("b"), "Connected to a stranger") {
		t.Fatal("second peer did not get the connected notice")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers["a"].PartnerID != "b" || h.peers["b"].PartnerID != "a" {
		t.Fatalf("partner links not symmetric: a->%q b->%q",
			h.peers["a"].PartnerID, h.peers["b"].PartnerID)
	}
	if len(h.waiting) != 0 {
		t.Fatalf("waiting queue not drained: %v", h.waiting)
	}
}

func TestNoPairingWithSameUserID(t *testing.T) {
	h, _, _ := newTestHub(testConfig())

	// Two tabs of the same user (legacy session token) never match each other.
	h.Register("a", "user-1")
	h.Register("b", "user-1")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers["a"].PartnerID != "" || h.peers["b"].PartnerID != "" {
		t.Fatal("peers with the same user id were paired")
	}
	if len(h.waiting) != 2 {
		t.Fatalf("waiting queue = %v, want both peers", h.waiting)
	}
}

func TestPairingExclusivity(t *testing.T) {
	h, _, _ := newTestHub(testConfig())

	h.Register("a", "a")
	h.Register("b", "b")
	h.Register("c", "c")

	h.mu.Lock()
	paired := 0
	for _, p := range h.peers {
		if p.PartnerID != "" {
			if h.peers[p.PartnerID].PartnerID != p.ID {
				h.mu.Unlock()
				t.Fatalf("asymmetric link on %s", p.ID)
			}
			paired++
		}
	}
	waiting := len(h.waiting)
	h.mu.Unlock()

	if paired != 2 || waiting != 1 {
		t.Fatalf("paired=%d waiting=%d, want 2 and 1", paired, waiting)
	}

	snap := h.Snapshot()
	if snap.OnlineCount != 3 || snap.WaitingUsers != 1 || snap.ActivePairs != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAntiFlipFlopCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownAfterLastPartner = 5 * time.Second
	h, _, clock := newTestHub(cfg)

	// Peer a is waiting and just split from the peer that is about to ask.
	h.Register("a", "a")
	h.mu.Lock()
	h.peers["a"].LastPartnerID = "b"
	h.peers["a"].LastWaitingAt = h.now()
	h.mu.Unlock()

	h.Register("b", "b")
	h.mu.Lock()
	aPartner := h.peers["a"].PartnerID
	h.mu.Unlock()
	if aPartner != "" {
		t.Fatal("recently split peers were re-linked inside the cooldown")
	}

	// After the cooldown elapses the same two may pair again.
	*clock = clock.Add(6 * time.Second)
	h.AttemptPairing("b")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers["a"].PartnerID != "b" || h.peers["b"].PartnerID != "a" {
		t.Fatalf("pairing still blocked after cooldown: a->%q b->%q",
			h.peers["a"].PartnerID, h.peers["b"].PartnerID)
	}
}

func TestCooldownDoesNotBlockUnrelatedPeers(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownAfterLastPartner = 5 * time.Second
	h, _, _ := newTestHub(cfg)

	h.Register("a", "a")
	h.mu.Lock()
	h.peers["a"].LastPartnerID = "b"
	h.peers["a"].LastWaitingAt = h.now()
	h.mu.Unlock()

	// A newcomer that is not a's last partner pairs with it immediately.
	h.Register("c", "c")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers["c"].PartnerID != "a" {
		t.Fatalf("unrelated peer blocked by someone else's cooldown: c->%q",
			h.peers["c"].PartnerID)
	}
}

func TestUnregisterNotifiesSurvivorAndRequeues(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	h.Register("b", "b")
	tr.reset()

	h.Unregister("b")

	if !hasSystem(tr.to("a"), "Stranger has disconnected") {
		t.Fatal("survivor did not get the disconnect notice")
	}

	h.mu.Lock()
	a := h.peers["a"]
	if a.PartnerID != "" {
		h.mu.Unlock()
		t.Fatal("survivor still linked to a gone peer")
	}
	if a.LastPartnerID != "b" {
		h.mu.Unlock()
		t.Fatalf("survivor LastPartnerID = %q, want b", a.LastPartnerID)
	}
	h.mu.Unlock()

	// The requeue timer is short in the test config; the survivor re-enters
	// the queue on its own.
	waitFor(t, "survivor re-queue", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.peers["a"].waiting
	})
	if !hasSystem(tr.to("a"), "Waiting for a stranger") {
		t.Fatal("re-queued survivor did not get the waiting notice")
	}
}

func TestUnregisterUnknownPeerIsNoop(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())
	h.Unregister("ghost")
	if len(tr.frames) != 0 {
		t.Fatalf("unknown unregister emitted %d frames", len(tr.frames))
	}
}

func TestStatsBroadcastOnChange(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")

	var got protocol.StatsMsg
	found := false
	for _, f := range tr.to("a") {
		var m struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &m) == nil && m.Type == protocol.TypeStats {
			if json.Unmarshal(f, &got) == nil {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("no stats frame after register")
	}
	if got.OnlineCount != 1 || got.WaitingUsers != 1 || got.ActivePairs != 0 {
		t.Fatalf("stats = %+v", got)
	}
}
