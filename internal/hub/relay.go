package hub

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/anonychat/anonychat/internal/metrics"
	"github.com/anonychat/anonychat/internal/protocol"
)

// Relay validation limits, applied to the trimmed text payload.
const (
	MaxMessageBytes = 4096 // max payload size in bytes
	MaxTextChars    = 2000 // max character count
)

// validText checks that a relayed text message meets content requirements.
func validText(text string) bool {
	if len(text) == 0 || len(text) > MaxMessageBytes {
		return false
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return false
	}
	return utf8.ValidString(text)
}

// HandleInbound parses and relays one frame received from a peer. Protocol
// errors produce exactly one system reply to the sender and mutate nothing.
// In-session messages that arrive with no live partner re-enter the pairing
// engine instead of surfacing an error, covering the race where a send
// crosses a partner loss.
func (h *Hub) HandleInbound(id string, raw []byte) {
	h.mu.Lock()
	p, ok := h.peers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	out, statsChanged := h.handleInboundLocked(p, raw)
	if statsChanged {
		out = h.appendStatsLocked(out)
	}
	h.mu.Unlock()

	h.flush(out, nil)
}

// handleInboundLocked returns the frames to emit and whether presence counts
// may have changed (a re-pairing attempt was made).
func (h *Hub) handleInboundLocked(p *Peer, raw []byte) ([]frame, bool) {
	msgType, msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		h.events.ConnectionError(p.ID, err)
		return []frame{{to: p.ID, data: protocol.SystemMessage(errText(err))}}, false
	}

	// Ping is answered regardless of pairing state. It counts as "peer is
	// responsive" but does not feed the heartbeat bookkeeping, which is
	// driven by the transport layer alone.
	if msgType == protocol.TypePing {
		return []frame{{to: p.ID, data: protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{})}}, false
	}

	partner, live := h.peers[p.PartnerID]
	if p.PartnerID == "" || !live {
		out := h.attemptPairingLocked(p)
		return out, true
	}

	switch m := msg.(type) {
	case protocol.TextMsg:
		return h.relayTextLocked(p, partner, m), false

	case protocol.TypingMsg:
		// Forwarded verbatim; the server keeps no typing state.
		h.events.TypingIndicator(p.ID, partner.ID)
		return []frame{{to: partner.ID, data: raw}}, false

	case protocol.ReceiptMsg:
		// The receipt closes the sender's "undelivered" marker on the
		// other side; forward it unchanged, exactly once.
		return []frame{{to: partner.ID, data: raw}}, false
	}

	return nil, false
}

// relayTextLocked validates a text message, stamps it with a message id,
// bumps the inactivity clocks on both peers, and emits the self echo followed
// by the partner copy.
func (h *Hub) relayTextLocked(p, partner *Peer, m protocol.TextMsg) []frame {
	text := strings.TrimSpace(m.Data)
	if !validText(text) {
		return []frame{{to: p.ID, data: protocol.SystemMessage(protocol.SystemErrInvalidFormat)}}
	}

	messageID := m.ID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	now := h.now()
	p.LastMessageAt = now
	partner.LastMessageAt = now

	h.events.MessageSent(p.ID, partner.ID, len(text))
	metrics.MessagesTotal.WithLabelValues("text").Inc()

	echo := protocol.MustServerMessage(protocol.TypeText, protocol.ServerTextMsg{
		Data: text,
		From: protocol.FromSelf,
		ID:   messageID,
	})
	forward := protocol.MustServerMessage(protocol.TypeText, protocol.ServerTextMsg{
		Data: text,
		From: protocol.FromStranger,
		ID:   messageID,
	})

	// Echo to the sender before forwarding to the partner.
	return []frame{
		{to: p.ID, data: echo},
		{to: partner.ID, data: forward},
	}
}

// errText maps a parse error to the system error text the client matches on.
func errText(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMissingType):
		return protocol.SystemErrMissingType
	case errors.Is(err, protocol.ErrUnknownType):
		return protocol.SystemErrUnknownType
	default:
		return protocol.SystemErrInvalidFormat
	}
}
