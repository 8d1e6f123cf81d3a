package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUsesEnvelope(t *testing.T) {
	frame, err := Encode(JoinSession{Code: "ABC123"})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.JSONEq(t, `"join-session"`, string(raw["type"]))
	assert.JSONEq(t, `{"code":"ABC123"}`, string(raw["payload"]))
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestDecodeEveryKind(t *testing.T) {
	mid := "0"
	index := uint16(1)
	messages := []Message{
		Welcome{ID: "conn-1"},
		CreateSession{Code: "ABC123"},
		JoinSession{Code: "ABC123"},
		ReceiverJoined{ReceiverID: "conn-2"},
		SessionError{Message: "Session not found or expired"},
		Offer{Target: "conn-2", Description: Description{Type: "offer", SDP: "v=0"}},
		Answer{Sender: "conn-2", Description: Description{Type: "answer", SDP: "v=0"}},
		CandidateMessage{Sender: "conn-1", Candidate: Candidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &index}},
	}

	for _, message := range messages {
		t.Run(message.Kind(), func(t *testing.T) {
			frame, err := Encode(message)
			require.NoError(t, err)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, message, decoded)
		})
	}
}

func TestDescriptionPayloadKeys(t *testing.T) {
	description := Description{Type: "offer", SDP: "v=0"}
	tests := []struct {
		message Message
		payload string
	}{
		{message: Offer{Target: "conn-2", Description: description}, payload: `{"target":"conn-2","offer":{"type":"offer","sdp":"v=0"}}`},
		{message: Answer{Sender: "conn-1", Description: description}, payload: `{"sender":"conn-1","answer":{"type":"offer","sdp":"v=0"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.message.Kind(), func(t *testing.T) {
			frame, err := Encode(tc.message)
			require.NoError(t, err)

			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(frame, &raw))
			assert.JSONEq(t, tc.payload, string(raw["payload"]))
		})
	}
}

func TestDecodeBrowserShapes(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"candidate","payload":{"sender":"abc","candidate":{"candidate":"candidate:0 1 UDP 1 10.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":null}}}`))
	require.NoError(t, err)

	candidate, ok := decoded.(CandidateMessage)
	require.True(t, ok)
	assert.Equal(t, "abc", candidate.Sender)
	require.NotNil(t, candidate.Candidate.SDPMid)
	assert.Equal(t, "0", *candidate.Candidate.SDPMid)
	require.NotNil(t, candidate.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *candidate.Candidate.SDPMLineIndex)
	assert.Nil(t, candidate.Candidate.UsernameFragment)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: "hello"},
		{name: "missing type", frame: `{"payload":{}}`},
		{name: "unknown type", frame: `{"type":"teleport"}`},
		{name: "bad payload", frame: `{"type":"offer","payload":"nope"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			assert.Error(t, err)
		})
	}

	_, err := Decode([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	frame := make([]byte, MaxFrameSize+1)
	_, err := Decode(frame)
	assert.Error(t, err)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.True(t, ValidCode(code), code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 60)
}

func TestNormalizeAndValidateCode(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeCode("  abc123 "))
	assert.True(t, ValidCode("ZZ99ZZ"))
	assert.False(t, ValidCode("abc123"))
	assert.False(t, ValidCode("ABC12"))
	assert.False(t, ValidCode("ABC-12"))
}
