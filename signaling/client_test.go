package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newScriptedRelay serves one websocket per dial and hands it to script.
func newScriptedRelay(t *testing.T, script func(*websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func writeMessage(t *testing.T, conn *websocket.Conn, message Message) {
	t.Helper()
	frame, err := Encode(message)
	if assert.NoError(t, err) {
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}
}

func TestDialReadsWelcome(t *testing.T) {
	received := make(chan Message, 1)
	url := newScriptedRelay(t, func(conn *websocket.Conn) {
		writeMessage(t, conn, Welcome{ID: "conn-42"})
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		message, err := Decode(frame)
		if err == nil {
			received <- message
		}
		_, _, _ = conn.ReadMessage()
	})

	client, err := Dial(context.Background(), url, ClientOptions{})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "conn-42", client.ID())
	require.NoError(t, client.CreateSession("ABC123"))

	select {
	case message := <-received:
		assert.Equal(t, CreateSession{Code: "ABC123"}, message)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not receive create-session")
	}
}

func TestDialRejectsMissingWelcome(t *testing.T) {
	url := newScriptedRelay(t, func(conn *websocket.Conn) {
		writeMessage(t, conn, SessionError{Message: "nope"})
		_, _, _ = conn.ReadMessage()
	})

	_, err := Dial(context.Background(), url, ClientOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeWelcome)
}

func TestDialUnreachableRelay(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", ClientOptions{DialTimeout: time.Second})
	assert.ErrorIs(t, err, ErrRelayUnavailable)
}

func TestClientDispatchesAndReportsDisconnect(t *testing.T) {
	release := make(chan struct{})
	url := newScriptedRelay(t, func(conn *websocket.Conn) {
		writeMessage(t, conn, Welcome{ID: "conn-1"})
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		writeMessage(t, conn, ReceiverJoined{ReceiverID: "conn-2"})
		<-release
	})

	client, err := Dial(context.Background(), url, ClientOptions{})
	require.NoError(t, err)

	joined := make(chan ReceiverJoined, 1)
	disconnected := make(chan Disconnected, 1)
	On(client, func(m ReceiverJoined) { joined <- m })
	On(client, func(m Disconnected) { disconnected <- m })
	require.NoError(t, client.CreateSession("ABC123"))

	select {
	case m := <-joined:
		assert.Equal(t, "conn-2", m.ReceiverID)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver-joined not dispatched")
	}

	close(release)

	select {
	case m := <-disconnected:
		assert.ErrorIs(t, m.Err, ErrRelayUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not dispatched")
	}

	<-client.Done()
	assert.ErrorIs(t, client.Send(JoinSession{Code: "ABC123"}), ErrRelayUnavailable)
}
