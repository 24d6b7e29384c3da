package hub

import (
	"testing"
	"time"
)

func TestNoPartnerNoticeFiresOnce(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	tr.reset()

	h.fireNoPartner("a")
	if !hasSystem(tr.to("a"), "No partner available") {
		t.Fatal("waiting peer did not get the no-partner notice")
	}
}

func TestNoPartnerNoticeSuppressedAfterPairing(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	h.Register("b", "b")
	tr.reset()

	// The timer armed at enqueue time fires after the pair formed; the
	// callback re-validates and stays silent.
	h.fireNoPartner("a")
	if len(tr.frames) != 0 {
		t.Fatalf("stale no-partner timer emitted %d frames", len(tr.frames))
	}
}

func TestNoPartnerNoticeSuppressedAfterDisconnect(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	h.Unregister("a")
	tr.reset()

	h.fireNoPartner("a")
	if len(tr.frames) != 0 {
		t.Fatalf("no-partner timer fired for a gone peer: %d frames", len(tr.frames))
	}
}

func TestInactivePairSweepExpiresSilentPairs(t *testing.T) {
	cfg := testConfig()
	cfg.InactivePairTimeout = 48 * time.Hour
	h, tr, clock := newTestHub(cfg)

	h.Register("a", "a")
	h.Register("b", "b")
	h.Register("c", "c") // waiting; must survive the sweep
	tr.reset()

	*clock = clock.Add(49 * time.Hour)
	h.sweepInactivePairs()

	if !hasSystem(tr.to("a"), "closed due to inactivity") {
		t.Fatal("first peer did not get the inactivity notice")
	}
	if !hasSystem(tr.to("b"), "closed due to inactivity") {
		t.Fatal("second peer did not get the inactivity notice")
	}
	if len(tr.to("c")) != 0 {
		t.Fatal("waiting peer was swept up in pair expiry")
	}

	// Closes follow after the grace delay so the notice can be delivered.
	waitFor(t, "post-grace closes", func() bool {
		return len(tr.closedIDs()) == 2
	})
	for _, id := range tr.closedIDs() {
		if id != "a" && id != "b" {
			t.Fatalf("unexpected close target %q", id)
		}
	}
}

func TestInactivePairSweepSparesActivePairs(t *testing.T) {
	cfg := testConfig()
	cfg.InactivePairTimeout = 48 * time.Hour
	h, tr, clock := newTestHub(cfg)

	h.Register("a", "a")
	h.Register("b", "b")

	// A message inside the window resets the clock for both peers.
	*clock = clock.Add(47 * time.Hour)
	h.HandleInbound("a", []byte(`{"type":"text","data":"still here"}`))
	tr.reset()

	*clock = clock.Add(2 * time.Hour) // 49h since pairing, 2h since the message
	h.sweepInactivePairs()

	if len(tr.frames) != 0 || len(tr.closedIDs()) != 0 {
		t.Fatal("active pair was expired")
	}
}

func TestRequeueDelayedByMinPairDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MinPairDuration = time.Hour // far beyond the test's runtime
	h, tr, _ := newTestHub(cfg)

	h.Register("a", "a")
	h.Register("b", "b")
	tr.reset()

	h.Unregister("b")

	// The short session leaves nearly the whole minimum to wait out, so the
	// survivor must not be back in the queue yet.
	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	waiting := h.peers["a"].waiting
	h.mu.Unlock()
	if waiting {
		t.Fatal("survivor re-queued before the minimum pair duration elapsed")
	}
}

func TestRequeueSkippedWhenSurvivorAlreadyPaired(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	h.Register("b", "b")
	h.Unregister("b")

	// Before the requeue timer fires, a finds a partner through a fresh
	// connect.
	h.Register("c", "c")
	h.AttemptPairing("a")
	h.mu.Lock()
	partner := h.peers["a"].PartnerID
	h.mu.Unlock()
	if partner != "c" {
		t.Fatalf("setup: a->%q, want c", partner)
	}
	tr.reset()

	h.fireRequeue("a")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers["a"].waiting || h.peers["a"].PartnerID != "c" {
		t.Fatal("stale requeue timer disturbed an established pair")
	}
}

func TestCloseStopsFurtherWork(t *testing.T) {
	h, tr, _ := newTestHub(testConfig())

	h.Register("a", "a")
	h.Close()
	tr.reset()

	h.Register("b", "b")
	h.HandleInbound("a", []byte(`{"type":"ping"}`))
	if len(tr.frames) != 0 {
		t.Fatalf("closed hub still emitted %d frames", len(tr.frames))
	}

	snap := h.Snapshot()
	if snap.OnlineCount != 0 {
		t.Fatalf("closed hub reports %d online", snap.OnlineCount)
	}
}
