package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing-start message
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingStart(t *testing.T) {
	input := []byte(`{"type":"typing-start","recipientId":"u2","userId":"u1","userName":"Alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingStart {
		t.Fatalf("expected type %q, got %q", TypeTypingStart, msgType)
	}

	ts, ok := msg.(TypingStartMsg)
	if !ok {
		t.Fatalf("expected TypingStartMsg, got %T", msg)
	}
	if ts.RecipientID != "u2" {
		t.Errorf("expected recipientId %q, got %q", "u2", ts.RecipientID)
	}
	if ts.UserID != "u1" {
		t.Errorf("expected userId %q, got %q", "u1", ts.UserID)
	}
	if ts.UserName != "Alice" {
		t.Errorf("expected userName %q, got %q", "Alice", ts.UserName)
	}
}

func TestParseClientMessage_TypingStartWithoutName(t *testing.T) {
	input := []byte(`{"type":"typing-start","recipientId":"u2","userId":"u1"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := msg.(TypingStartMsg)
	if ts.UserName != "" {
		t.Errorf("expected empty userName, got %q", ts.UserName)
	}
}

func TestParseClientMessage_ForceStop(t *testing.T) {
	input := []byte(`{"type":"force-stop-typing","userId":"u9"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeForceStopTyping {
		t.Fatalf("expected type %q, got %q", TypeForceStopTyping, msgType)
	}
	fs, ok := msg.(ForceStopTypingMsg)
	if !ok {
		t.Fatalf("expected ForceStopTypingMsg, got %T", msg)
	}
	if fs.UserID != "u9" {
		t.Errorf("expected userId %q, got %q", "u9", fs.UserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_OnlineUsers(t *testing.T) {
	data, err := NewServerMessage(TypeOnlineUsers, OnlineUsersMsg{Users: []string{"u1", "u2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeOnlineUsers {
		t.Errorf("expected type %q, got %v", TypeOnlineUsers, result["type"])
	}
	users, ok := result["users"].([]interface{})
	if !ok {
		t.Fatalf("expected users to be an array, got %T", result["users"])
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("unexpected users: %v", users)
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := NewServerMessage(TypeUserStoppedTyping, UserStoppedTypingMsg{
		Type:      "bogus",
		UserID:    "u1",
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded UserStoppedTypingMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeUserStoppedTyping {
		t.Errorf("expected type %q, got %q", TypeUserStoppedTyping, decoded.Type)
	}
	if decoded.UserID != "u1" {
		t.Errorf("expected userId %q, got %q", "u1", decoded.UserID)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, decoded.Timestamp)
	}
}

func TestNewServerMessage_NewMessage(t *testing.T) {
	data, err := NewServerMessage(TypeNewMessage, NewMessageMsg{Message: ChatMessage{
		ID:          "m1",
		SenderID:    "u1",
		RecipientID: "u2",
		Text:        "hello",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded NewMessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, decoded.Type)
	}
	if decoded.Message.ID != "m1" || decoded.Message.Text != "hello" {
		t.Errorf("unexpected message: %+v", decoded.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"getOnlineUsers","users":[]}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for server-only message type, got nil")
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	input := []byte(`{"type":"typing-stop","recipientId":42,"userId":"u1"}`)

	msgType, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected a decode error, got nil")
	}
	if msgType != TypeTypingStop {
		t.Errorf("expected returned type %q, got %q", TypeTypingStop, msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"typing-start", `{"type":"typing-start","recipientId":"b","userId":"a"}`, TypeTypingStart},
		{"typing-stop", `{"type":"typing-stop","recipientId":"b","userId":"a"}`, TypeTypingStop},
		{"force-stop-typing", `{"type":"force-stop-typing","userId":"a"}`, TypeForceStopTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
