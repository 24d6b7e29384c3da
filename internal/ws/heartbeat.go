package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often the sweep runs
	Timeout  time.Duration // max silence after a suspect mark before eviction
}

// DefaultHeartbeatConfig returns the production defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  30 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sweeps all
// connections: silent ones are marked suspect and pinged; a connection still
// suspect past the timeout is treated exactly like an ungraceful close. The
// goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server, config)
			}
		}
	}()
}

// sweepConnections evicts connections that stayed suspect beyond the timeout
// and pings the rest. Every inbound frame marks its connection alive again,
// so a healthy peer never accumulates more than one suspect interval.
func sweepConnections(server *Server, config HeartbeatConfig) {
	now := time.Now()

	for _, c := range server.Connections().All() {
		if !c.IsAlive() && now.Sub(c.LastAlive()) > config.Timeout {
			log.Printf("ws: heartbeat timeout id=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastAlive()).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		c.MarkSuspect()

		// The per-connection write mutex serializes this ping with any
		// concurrent application writes.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed id=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
