package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessage_Text(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"text","data":"hi","id":"m1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeText {
		t.Errorf("expected type %q, got %q", TypeText, msgType)
	}
	text, ok := msg.(TextMsg)
	if !ok {
		t.Fatalf("expected TextMsg, got %T", msg)
	}
	if text.Data != "hi" || text.ID != "m1" {
		t.Errorf("unexpected payload: %+v", text)
	}
}

func TestParseClientMessage_Receipt(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"receipt","messageId":"m1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeReceipt {
		t.Errorf("expected type %q, got %q", TypeReceipt, msgType)
	}
	receipt := msg.(ReceiptMsg)
	if receipt.MessageID != "m1" {
		t.Errorf("expected messageId m1, got %q", receipt.MessageID)
	}
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte("not json"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{}`))
	if !errors.Is(err, ErrMissingType) {
		t.Errorf("expected ErrMissingType, got %v", err)
	}

	_, _, err = ParseClientMessage([]byte(`{"data":"hi"}`))
	if !errors.Is(err, ErrMissingType) {
		t.Errorf("expected ErrMissingType, got %v", err)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"stats"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType for server-only type, got %v", err)
	}
	if msgType != "stats" {
		t.Errorf("expected reported type %q, got %q", "stats", msgType)
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeStats, StatsMsg{
		OnlineCount:  4,
		WaitingUsers: 2,
		ActivePairs:  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeStats {
		t.Errorf("expected type %q, got %v", TypeStats, decoded["type"])
	}
	// Wire names must stay camelCase for the deployed client.
	if decoded["onlineCount"] != float64(4) || decoded["waitingUsers"] != float64(2) || decoded["activePairs"] != float64(1) {
		t.Errorf("unexpected field names or values: %v", decoded)
	}
}

func TestServerTextMsg_WireFields(t *testing.T) {
	data, err := NewServerMessage(TypeText, ServerTextMsg{
		Data: "hello",
		From: FromStranger,
		ID:   "m7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["from"] != FromStranger || decoded["id"] != "m7" || decoded["data"] != "hello" {
		t.Errorf("unexpected wire fields: %v", decoded)
	}
}

func TestSystemMessage(t *testing.T) {
	data := SystemMessage(SystemWaiting)

	var decoded SystemMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Type != TypeSystem {
		t.Errorf("expected type system, got %q", decoded.Type)
	}
	if decoded.System != SystemWaiting {
		t.Errorf("expected %q, got %q", SystemWaiting, decoded.System)
	}
}
