// Package events is the structured event-logger collaborator of the pairing
// core. Every noteworthy transition is emitted as a named event with a flat
// set of fields. Events are written to the process log and, when a NATS
// connection is configured, mirrored as JSON onto events.<name> subjects so
// external consumers can tail the stream. Nothing here feeds back into the
// core.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject prefix for mirrored events.
const SubjectPrefix = "events."

// Logger emits named events. A Logger with a nil NATS connection logs only.
type Logger struct {
	nc *nats.Conn
}

// New creates a Logger. nc may be nil to disable the NATS mirror.
func New(nc *nats.Conn) *Logger {
	return &Logger{nc: nc}
}

// emit writes one event to the log and the NATS mirror. kv is an alternating
// key/value list; keys are emitted in the given order in the log line.
func (l *Logger) emit(name string, kv ...interface{}) {
	var b strings.Builder
	payload := map[string]interface{}{
		"event": name,
		"ts":    time.Now().UTC().Format(time.RFC3339),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		fmt.Fprintf(&b, " %s=%v", key, kv[i+1])
		payload[key] = kv[i+1]
	}
	log.Printf("[event] %s%s", name, b.String())

	if l.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := l.nc.Publish(SubjectPrefix+name, data); err != nil {
		log.Printf("[event] nats publish %s: %v", name, err)
	}
}

// Connection events.

func (l *Logger) UserConnected(connID string) {
	l.emit("user_connected", "connectionId", connID)
}

func (l *Logger) UserDisconnected(connID string) {
	l.emit("user_disconnected", "connectionId", connID)
}

func (l *Logger) ConnectionRejected(key, reason string) {
	l.emit("connection_rejected", "throttleKey", key, "reason", reason)
}

func (l *Logger) ConnectionError(connID string, err error) {
	l.emit("connection_error", "connectionId", connID, "error", err)
}

// Pairing events.

func (l *Logger) UserWaiting(connID string) {
	l.emit("user_waiting", "connectionId", connID)
}

func (l *Logger) UsersPaired(a, b string) {
	l.emit("users_paired", "user1Id", a, "user2Id", b)
}

func (l *Logger) PairDisconnected(gone, survivor string) {
	l.emit("pair_disconnected", "user1Id", gone, "user2Id", survivor)
}

func (l *Logger) NoPartnerTimeout(connID string) {
	l.emit("no_partner_timeout", "connectionId", connID)
}

func (l *Logger) InactivePairCleanup(a, b string, idle time.Duration) {
	l.emit("inactive_pair_cleanup", "user1Id", a, "user2Id", b,
		"inactiveDays", int(idle.Hours()/24))
}

// Message events.

func (l *Logger) MessageSent(fromID, toID string, length int) {
	l.emit("message_sent", "fromId", fromID, "toId", toID, "messageLength", length)
}

func (l *Logger) TypingIndicator(fromID, toID string) {
	l.emit("typing_indicator", "fromId", fromID, "toId", toID)
}

// Process lifecycle events.

func (l *Logger) ServerStarted(addr string) {
	l.emit("server_started", "addr", addr)
}

func (l *Logger) ServerStopped() {
	l.emit("server_stopped")
}

// MetricsSnapshot emits the periodic aggregate counts.
func (l *Logger) MetricsSnapshot(online, waiting, pairs int) {
	l.emit("metrics_snapshot",
		"onlineCount", online, "waitingUsers", waiting, "activePairs", pairs)
}
