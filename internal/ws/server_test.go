package ws

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConnectionManagerLifecycle(t *testing.T) {
	m := NewConnectionManager()

	p1, p2 := net.Pipe()
	defer p2.Close()
	c := &Connection{ID: "c1", UserID: "u1", Conn: p1, Fd: 42, CreatedAt: time.Now()}
	m.Add(c)

	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1", m.Count())
	}
	if got := m.Get("c1"); got != c {
		t.Fatal("Get did not return the added connection")
	}
	if got := m.GetByFd(42); got != c {
		t.Fatal("GetByFd did not return the added connection")
	}

	if !m.Remove("c1") {
		t.Fatal("first Remove reported not-found")
	}
	// A read error and a heartbeat eviction can race to remove the same
	// connection; the loser must see false.
	if m.Remove("c1") {
		t.Fatal("second Remove reported found")
	}
	if m.Count() != 0 {
		t.Fatalf("count after remove = %d, want 0", m.Count())
	}
}

func TestConnectionManagerAll(t *testing.T) {
	m := NewConnectionManager()
	m.Add(&Connection{ID: "a", Fd: 1})
	m.Add(&Connection{ID: "b", Fd: 2})

	all := m.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d connections, want 2", len(all))
	}
}

func TestThrottleIdentityFromQueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?session=tok-1", nil)

	key, token := throttleIdentity(r)
	if key != "tok-1" || token != "tok-1" {
		t.Fatalf("key=%q token=%q, want the session token for both", key, token)
	}
}

func TestThrottleIdentityFromCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.AddCookie(&http.Cookie{Name: tokenCookie, Value: "tok-2"})

	key, token := throttleIdentity(r)
	if key != "tok-2" || token != "tok-2" {
		t.Fatalf("key=%q token=%q, want the cookie token for both", key, token)
	}
}

func TestThrottleIdentityFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.7:51234"

	key, token := throttleIdentity(r)
	if key != "203.0.113.7" {
		t.Fatalf("key = %q, want the bare remote host", key)
	}
	if token != "" {
		t.Fatalf("token = %q, want empty without a session token", token)
	}
}

func TestConnectionLivenessMarks(t *testing.T) {
	c := &Connection{ID: "c1"}

	c.MarkAlive()
	if !c.IsAlive() {
		t.Fatal("MarkAlive did not set liveness")
	}
	before := c.LastAlive()

	c.MarkSuspect()
	if c.IsAlive() {
		t.Fatal("MarkSuspect did not clear liveness")
	}
	if c.LastAlive() != before {
		t.Fatal("MarkSuspect disturbed the last-activity timestamp")
	}
}
